package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehealth-sync/internal/logging"
	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/notify"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/types"
)

// Resumer restarts failed batches. Completed jobs stay completed: only the
// incomplete remainder is requeued, so resume never replays finished pages.
type Resumer struct {
	batches  *storage.BatchRepository
	entities *storage.LegalEntityRepository
	audit    storage.AuditSink
	notifier notify.Notifier
}

// NewResumer creates a batch resumer.
func NewResumer(
	batches *storage.BatchRepository,
	entities *storage.LegalEntityRepository,
	audit storage.AuditSink,
	notifier notify.Notifier,
) *Resumer {
	return &Resumer{
		batches:  batches,
		entities: entities,
		audit:    audit,
		notifier: notifier,
	}
}

// FindFailedBatches lists a legal entity's batches eligible for resume,
// oldest first.
func (r *Resumer) FindFailedBatches(ctx context.Context, legalEntityID int64) ([]*models.SyncBatch, error) {
	return r.batches.FindFailed(ctx, legalEntityID)
}

// ResumeAll restarts every failed batch of the legal entity. Returns the
// number of batches resumed.
func (r *Resumer) ResumeAll(ctx context.Context, legalEntityID int64) (int, error) {
	failed, err := r.batches.FindFailed(ctx, legalEntityID)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, batch := range failed {
		if err := r.ResumeBatch(ctx, batch); err != nil {
			if errors.Is(err, ErrSyncAlreadyRunning) {
				continue
			}
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// ResumeOnLogin restarts interrupted first-login provisioning when the legal
// entity's owner signs in. Only the owner triggers the restart, and only
// batches dispatched as first-login chains are picked up. Returns the number
// of batches resumed.
func (r *Resumer) ResumeOnLogin(ctx context.Context, legalEntityID int64, userID string) (int, error) {
	le, err := r.entities.Get(ctx, legalEntityID)
	if err != nil {
		return 0, err
	}
	if le == nil {
		return 0, &types.ServiceError{
			Code:    "not_found",
			Message: fmt.Sprintf("legal entity %d not found", legalEntityID),
		}
	}
	if le.OwnerID == "" || le.OwnerID != userID {
		return 0, nil
	}

	failed, err := r.batches.FindFailed(ctx, legalEntityID)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, batch := range failed {
		if !batch.Options.FirstLogin {
			continue
		}
		if err := r.ResumeBatch(ctx, batch); err != nil {
			if errors.Is(err, ErrSyncAlreadyRunning) {
				continue
			}
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// ResumeBatch requeues a failed batch's incomplete jobs and reclaims the
// status slot. The slot transition is a compare-and-swap from a resumable
// state, so a resume cannot stomp a sync that is already running again.
func (r *Resumer) ResumeBatch(ctx context.Context, batch *models.SyncBatch) error {
	current, err := r.entities.StatusFor(ctx, batch.LegalEntityID, batch.Entity)
	if err != nil {
		return err
	}
	if !current.Resumable() {
		if current == types.StatusProcessing {
			return ErrSyncAlreadyRunning
		}
		return &types.ServiceError{
			Code:    "not_resumable",
			Message: fmt.Sprintf("sync for %s is %s, not resumable", batch.Entity, current),
		}
	}

	err = r.entities.TransitionStatus(ctx, batch.LegalEntityID, batch.Entity,
		[]types.JobStatus{types.StatusFailed, types.StatusPaused}, types.StatusProcessing)
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return ErrSyncAlreadyRunning
		}
		return err
	}

	requeued, err := r.batches.ResetIncompleteJobs(ctx, batch.ID)
	if err != nil {
		// Give the slot back so a later resume can try again.
		if rollbackErr := r.entities.SetStatus(ctx, batch.LegalEntityID, batch.Entity, types.StatusFailed); rollbackErr != nil {
			logging.FromContext(ctx).WithError(rollbackErr).Error("Failed to release status slot after resume failure")
		}
		return err
	}

	r.recordAudit(ctx, batch, fmt.Sprintf("resumed with %d jobs requeued", requeued))
	r.notifier.Notify(ctx, batch.Options.ActingUserID, batch.Entity, notify.EventResumed,
		fmt.Sprintf("Synchronization of %s has resumed.", batch.Entity))

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"batch":    batch.ID,
		"entity":   batch.Entity,
		"requeued": requeued,
	}).Info("Batch resumed")

	return nil
}

func (r *Resumer) recordAudit(ctx context.Context, batch *models.SyncBatch, detail string) {
	if r.audit == nil {
		return
	}
	err := r.audit.Record(ctx, &models.AuditEvent{
		Timestamp:     time.Now().UTC(),
		LegalEntityID: batch.LegalEntityID,
		Entity:        batch.Entity,
		Event:         models.AuditBatchResumed,
		BatchID:       batch.ID,
		Detail:        detail,
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record audit event")
	}
}
