package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehealth-sync/internal/types"
)

// RecordMirrorRepository stores raw registry records for entity types that
// have no richer local model (equipment, healthcare services, declarations,
// contract requests, confidant persons, party verifications). One row per
// registry uuid; the payload is kept verbatim for detail views.
type RecordMirrorRepository struct {
	db *PostgresDB
}

// NewRecordMirrorRepository creates a new record mirror repository
func NewRecordMirrorRepository(db *PostgresDB) *RecordMirrorRepository {
	return &RecordMirrorRepository{db: db}
}

// Upsert writes a mirrored registry record keyed by (entity, uuid).
func (r *RecordMirrorRepository) Upsert(ctx context.Context, q Querier, legalEntityID int64, entity types.EntityType, uuid, status string, payload json.RawMessage) error {
	query := `
		INSERT INTO registry_records (legal_entity_id, entity, uuid, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (entity, uuid) DO UPDATE SET
			status     = EXCLUDED.status,
			payload    = EXCLUDED.payload,
			updated_at = NOW()
	`

	_, err := q.Exec(ctx, query, legalEntityID, string(entity), uuid, status, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert %s record: %w", entity, err)
	}
	return nil
}

// CountForEntity returns the number of mirrored rows for one entity type.
func (r *RecordMirrorRepository) CountForEntity(ctx context.Context, legalEntityID int64, entity types.EntityType) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM registry_records WHERE legal_entity_id = $1 AND entity = $2`,
		legalEntityID, string(entity),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mirrored records: %w", err)
	}
	return count, nil
}

// Pool returns the repository's pool as a Querier for non-transactional calls.
func (r *RecordMirrorRepository) Pool() Querier {
	return r.db.Pool()
}
