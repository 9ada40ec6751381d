package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/types"
)

// BatchRepository persists sync batches and their job records. It is the
// durable queue: workers claim queued jobs with SKIP LOCKED, so several
// worker processes can drain the same queue without double-execution.
type BatchRepository struct {
	db *PostgresDB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *PostgresDB) *BatchRepository {
	return &BatchRepository{db: db}
}

// CreateBatch inserts a batch and its initial jobs in one transaction.
func (r *BatchRepository) CreateBatch(ctx context.Context, batch *models.SyncBatch, jobs []*models.SyncJobRecord) error {
	if len(jobs) == 0 {
		return fmt.Errorf("refusing to create batch %q with no jobs", batch.Name)
	}

	optionsJSON, err := json.Marshal(batch.Options)
	if err != nil {
		return fmt.Errorf("failed to encode batch options: %w", err)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	batch.TotalJobs = len(jobs)
	query := `
		INSERT INTO sync_batches (id, name, legal_entity_id, entity, status, failed, total_jobs, processed_jobs, options, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, 0, $7, NOW())
	`
	_, err = tx.Exec(ctx, query,
		batch.ID, batch.Name, batch.LegalEntityID, string(batch.Entity),
		models.BatchStatusPending, batch.TotalJobs, optionsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	for _, job := range jobs {
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, q Querier, job *models.SyncJobRecord) error {
	chainJSON, err := json.Marshal(job.Chain)
	if err != nil {
		return fmt.Errorf("failed to encode job chain: %w", err)
	}

	query := `
		INSERT INTO sync_jobs (id, batch_id, legal_entity_id, entity, page, chain, chain_index, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NOW())
	`
	_, err = q.Exec(ctx, query,
		job.ID, job.BatchID, job.LegalEntityID, string(job.Entity),
		job.Page, chainJSON, job.ChainIndex, models.JobStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync job: %w", err)
	}
	return nil
}

// EnqueueJob appends a chained successor job to an existing batch and bumps
// the batch's job total.
func (r *BatchRepository) EnqueueJob(ctx context.Context, job *models.SyncJobRecord) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE sync_batches SET total_jobs = total_jobs + 1 WHERE id = $1`, job.BatchID)
	if err != nil {
		return fmt.Errorf("failed to bump batch job total: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chained job: %w", err)
	}
	return nil
}

const batchColumns = `id, name, legal_entity_id, entity, status, failed, total_jobs, processed_jobs, options, created_at, finished_at`

func scanBatch(row pgx.Row) (*models.SyncBatch, error) {
	var b models.SyncBatch
	var entity string
	var optionsJSON []byte
	err := row.Scan(
		&b.ID, &b.Name, &b.LegalEntityID, &entity, &b.Status, &b.Failed,
		&b.TotalJobs, &b.ProcessedJobs, &optionsJSON, &b.CreatedAt, &b.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Entity = types.EntityType(entity)
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &b.Options); err != nil {
			return nil, fmt.Errorf("failed to decode batch options: %w", err)
		}
	}
	return &b, nil
}

// GetBatch retrieves a batch by id
func (r *BatchRepository) GetBatch(ctx context.Context, id string) (*models.SyncBatch, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_batches WHERE id = $1`, batchColumns)

	b, err := scanBatch(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

// FindFailed lists batches eligible for resume: failure flag set, scoped to
// the legal entity. Ordered oldest first so provisioning chains resume in
// their original order.
func (r *BatchRepository) FindFailed(ctx context.Context, legalEntityID int64) ([]*models.SyncBatch, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sync_batches
		WHERE legal_entity_id = $1 AND failed = TRUE AND status = $2
		ORDER BY created_at
	`, batchColumns)

	rows, err := r.db.Pool().Query(ctx, query, legalEntityID, models.BatchStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to find failed batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.SyncBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", err)
	}

	return batches, nil
}

const jobColumns = `id, batch_id, legal_entity_id, entity, page, chain, chain_index, status, attempts, error, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.SyncJobRecord, error) {
	var j models.SyncJobRecord
	var entity string
	var chainJSON []byte
	err := row.Scan(
		&j.ID, &j.BatchID, &j.LegalEntityID, &entity, &j.Page, &chainJSON, &j.ChainIndex,
		&j.Status, &j.Attempts, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Entity = types.EntityType(entity)
	if len(chainJSON) > 0 {
		if err := json.Unmarshal(chainJSON, &j.Chain); err != nil {
			return nil, fmt.Errorf("failed to decode job chain: %w", err)
		}
	}
	return &j, nil
}

// ClaimNextJob atomically claims the oldest queued job for execution.
// SKIP LOCKED keeps concurrent workers off each other's claims. Returns nil
// when the queue is empty.
func (r *BatchRepository) ClaimNextJob(ctx context.Context) (*models.SyncJobRecord, error) {
	query := fmt.Sprintf(`
		UPDATE sync_jobs
		SET status = $1, attempts = attempts + 1, started_at = NOW()
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s
	`, jobColumns)

	j, err := scanJob(r.db.Pool().QueryRow(ctx, query, models.JobStatusInProgress, models.JobStatusQueued))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return j, nil
}

// CompleteJob marks a job done and bumps the batch's processed counter.
// When the batch has no jobs left it is closed as finished.
func (r *BatchRepository) CompleteJob(ctx context.Context, job *models.SyncJobRecord) (batchDone bool, err error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx,
		`UPDATE sync_jobs SET status = $2, completed_at = NOW(), error = NULL WHERE id = $1`,
		job.ID, models.JobStatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}

	var processed, total int
	err = tx.QueryRow(ctx, `
		UPDATE sync_batches
		SET processed_jobs = processed_jobs + 1
		WHERE id = $1
		RETURNING processed_jobs, total_jobs
	`, job.BatchID).Scan(&processed, &total)
	if err != nil {
		return false, fmt.Errorf("failed to bump processed counter: %w", err)
	}

	batchDone = processed >= total
	if batchDone {
		_, err = tx.Exec(ctx, `
			UPDATE sync_batches
			SET status = $2, finished_at = NOW()
			WHERE id = $1 AND failed = FALSE
		`, job.BatchID, models.BatchStatusFinished)
		if err != nil {
			return false, fmt.Errorf("failed to finish batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit job completion: %w", err)
	}
	return batchDone, nil
}

// RequeueJob returns a transiently failed job to the queue for another
// attempt, recording the error.
func (r *BatchRepository) RequeueJob(ctx context.Context, jobID string, errMsg string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE sync_jobs SET status = $2, error = $3 WHERE id = $1
	`, jobID, models.JobStatusQueued, errMsg)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// FailJob marks a job terminally failed and flags its batch for resume.
func (r *BatchRepository) FailJob(ctx context.Context, job *models.SyncJobRecord, errMsg string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		UPDATE sync_jobs SET status = $2, error = $3, completed_at = NOW() WHERE id = $1
	`, job.ID, models.JobStatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE sync_batches SET failed = TRUE WHERE id = $1`, job.BatchID)
	if err != nil {
		return fmt.Errorf("failed to flag batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job failure: %w", err)
	}
	return nil
}

// ResetIncompleteJobs requeues the batch's unfinished jobs and clears the
// failure flag. Completed jobs are untouched, so resume replays only the
// remaining work.
func (r *BatchRepository) ResetIncompleteJobs(ctx context.Context, batchID string) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, `
		UPDATE sync_jobs
		SET status = $2, attempts = 0, error = NULL, started_at = NULL
		WHERE batch_id = $1 AND status <> $3
	`, batchID, models.JobStatusQueued, models.JobStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to reset incomplete jobs: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE sync_batches SET failed = FALSE WHERE id = $1`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear batch failure flag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit batch reset: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
