package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/ehealth-sync/internal/config"
)

// ClickHouseDB wraps the ClickHouse connection backing the sync audit trail.
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// EnsureAuditSchema creates the audit table if it does not exist.
func (db *ClickHouseDB) EnsureAuditSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sync_audit_events (
			timestamp       DateTime64(3) DEFAULT now64(3),
			legal_entity_id Int64,
			entity          LowCardinality(String),
			event           LowCardinality(String),
			batch_id        String,
			page            Int32,
			record_uuid     String,
			detail          String
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (legal_entity_id, entity, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 1 YEAR
	`
	if err := db.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create sync_audit_events table: %w", err)
	}
	return nil
}
