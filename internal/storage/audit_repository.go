package storage

import (
	"context"
	"fmt"

	"github.com/ehealth-sync/internal/models"
)

// AuditSink records sync decisions for later inspection. Implementations
// must tolerate being called on hot paths; failures are logged and dropped,
// never propagated into the sync flow.
type AuditSink interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// AuditRepository writes audit events to ClickHouse.
type AuditRepository struct {
	db *ClickHouseDB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *ClickHouseDB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends one audit event.
func (r *AuditRepository) Record(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO sync_audit_events
			(timestamp, legal_entity_id, entity, event, batch_id, page, record_uuid, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := r.db.Conn().Exec(ctx, query,
		event.Timestamp,
		event.LegalEntityID,
		string(event.Entity),
		event.Event,
		event.BatchID,
		int32(event.Page),
		event.RecordUUID,
		event.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// RecordBatch appends audit events in one insert.
func (r *AuditRepository) RecordBatch(ctx context.Context, events []*models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO sync_audit_events
			(timestamp, legal_entity_id, entity, event, batch_id, page, record_uuid, detail)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit batch: %w", err)
	}

	for _, event := range events {
		err := batch.Append(
			event.Timestamp,
			event.LegalEntityID,
			string(event.Entity),
			event.Event,
			event.BatchID,
			int32(event.Page),
			event.RecordUUID,
			event.Detail,
		)
		if err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send audit batch: %w", err)
	}
	return nil
}

// NopAuditSink discards audit events. Used when ClickHouse is disabled.
type NopAuditSink struct{}

// Record implements AuditSink.
func (NopAuditSink) Record(ctx context.Context, event *models.AuditEvent) error {
	return nil
}
