// Package syncer dispatches, executes, and resumes durable registry sync
// batches. A batch is a chain of page jobs persisted in Postgres; workers
// claim jobs with SKIP LOCKED, so any number of processes can drain the
// queue without double-execution.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehealth-sync/internal/logging"
	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/notify"
	"github.com/ehealth-sync/internal/ratelimit"
	"github.com/ehealth-sync/internal/reconcile"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/token"
	"github.com/ehealth-sync/internal/types"
)

// ErrSyncAlreadyRunning is returned when a dispatch races a sync that is
// already processing for the same (legal entity, entity type) slot.
var ErrSyncAlreadyRunning = errors.New("sync already running for this entity")

// DispatchRequest describes one sync trigger.
type DispatchRequest struct {
	LegalEntityID int64
	Entity        types.EntityType
	// BearerToken is the acting user's registry token, still in plaintext.
	// The coordinator seals it before anything is persisted.
	BearerToken  string
	ActingUserID string
	// FirstLogin requests the full provisioning chain instead of a single
	// entity sync.
	FirstLogin bool
}

// DispatchResult reports what a dispatch did. Page 1 is always processed
// within the originating request; Batch is nil when that was the whole sync.
type DispatchResult struct {
	// Records is the number of page-1 records reconciled synchronously.
	Records int `json:"records"`
	// Batch carries the queued remainder, nil when page 1 was the last page
	// and no chain follows.
	Batch *models.SyncBatch `json:"batch,omitempty"`
}

// Coordinator validates sync triggers, claims the status slot, processes the
// first page inline, and persists the batch for the remaining pages.
// Draining the batch is the Queue's business.
type Coordinator struct {
	batches     *storage.BatchRepository
	entities    *storage.LegalEntityRepository
	client      registry.Client
	reconcilers *reconcile.Set
	limiter     *ratelimit.Limiter
	sealer      *token.Sealer
	audit       storage.AuditSink
	notifier    notify.Notifier
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(
	batches *storage.BatchRepository,
	entities *storage.LegalEntityRepository,
	client registry.Client,
	reconcilers *reconcile.Set,
	limiter *ratelimit.Limiter,
	sealer *token.Sealer,
	audit storage.AuditSink,
	notifier notify.Notifier,
) *Coordinator {
	return &Coordinator{
		batches:     batches,
		entities:    entities,
		client:      client,
		reconcilers: reconcilers,
		limiter:     limiter,
		sealer:      sealer,
		audit:       audit,
		notifier:    notifier,
	}
}

// dispatchableFrom are the states a fresh dispatch may start from. A slot
// that is processing stays locked until its batch settles.
var dispatchableFrom = []types.JobStatus{
	types.StatusIdle,
	types.StatusCompleted,
	types.StatusFailed,
	types.StatusPaused,
	types.StatusPartial,
}

// Dispatch runs a sync trigger. The status slot is claimed with a
// compare-and-swap before anything else happens, so two concurrent triggers
// for the same slot cannot both proceed. Page 1 of the first entity is
// fetched and reconciled inline; pages from 2 onward, and any chained
// entities, go through the durable queue.
func (c *Coordinator) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	chain := []types.EntityType{req.Entity}
	statusSlot := req.Entity
	if req.FirstLogin {
		chain = types.FirstLoginChain()
		statusSlot = types.EntityOverall
	}
	if !statusSlot.Valid() {
		return nil, &types.ServiceError{
			Code:    "invalid_entity",
			Message: fmt.Sprintf("unknown entity type %q", req.Entity),
		}
	}
	if req.BearerToken == "" {
		return nil, &types.ServiceError{
			Code:    "missing_token",
			Message: "a registry bearer token is required to dispatch a sync",
		}
	}

	sealed, err := c.sealer.Seal(req.BearerToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal bearer token: %w", err)
	}

	prior, err := c.entities.StatusFor(ctx, req.LegalEntityID, statusSlot)
	if err != nil {
		return nil, err
	}

	err = c.entities.TransitionStatus(ctx, req.LegalEntityID, statusSlot, dispatchableFrom, types.StatusProcessing)
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return nil, ErrSyncAlreadyRunning
		}
		return nil, err
	}

	syncCtx := types.SyncContext{
		LegalEntityID: req.LegalEntityID,
		ActingUserID:  req.ActingUserID,
		SealedToken:   sealed,
		FirstLogin:    req.FirstLogin,
	}

	result, err := c.processFirstPage(ctx, syncCtx, req, chain, statusSlot, sealed)
	if err != nil {
		// Transient failures hand the slot back to its prior state so the
		// trigger can simply be retried; permanent rejections mark it failed.
		rollbackTo := types.StatusFailed
		if retryable(err) {
			rollbackTo = prior
		}
		if rollbackErr := c.entities.SetStatus(ctx, req.LegalEntityID, statusSlot, rollbackTo); rollbackErr != nil {
			logging.FromContext(ctx).WithError(rollbackErr).Error("Failed to release status slot after dispatch failure")
		}
		return nil, err
	}
	return result, nil
}

// processFirstPage fetches and reconciles page 1 inline, then either settles
// the sync or persists the batch carrying the remainder.
func (c *Coordinator) processFirstPage(
	ctx context.Context,
	syncCtx types.SyncContext,
	req DispatchRequest,
	chain []types.EntityType,
	statusSlot types.EntityType,
	sealed string,
) (*DispatchResult, error) {
	entity := chain[0]

	if err := c.limiter.Wait(ctx, req.ActingUserID, entity); err != nil {
		return nil, err
	}

	page, err := c.client.GetMany(ctx, req.BearerToken, entity, registry.Filters{}, 1)
	if err != nil {
		return nil, err
	}

	reconciler, err := c.reconcilers.ForEntity(entity)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	batchID := uuid.NewString()
	for i := range page.Data {
		record := &page.Data[i]
		if rerr := reconciler.Reconcile(ctx, syncCtx, batchID, record); rerr != nil {
			// One bad record never poisons the rest of the page.
			logger.WithError(rerr).WithField("record", record.ID).Error("Record reconciliation failed")
		}
	}

	if page.IsLast && len(chain) == 1 {
		// The whole sync fit in one page.
		if entity == types.EntityEmployeeRequest {
			processor := c.reconcilers.RequestProcessor()
			pending, perr := processor.PendingWithoutUUID(ctx, syncCtx)
			if perr != nil {
				return nil, perr
			}
			if len(pending) > 0 {
				if perr := processor.ResolvePending(ctx, syncCtx, c.client, req.BearerToken, batchID, pending); perr != nil {
					return nil, perr
				}
			}
		}

		if err := c.entities.TransitionStatus(ctx, req.LegalEntityID, statusSlot,
			[]types.JobStatus{types.StatusProcessing}, types.StatusCompleted); err != nil {
			return nil, err
		}
		c.notifier.Notify(ctx, req.ActingUserID, statusSlot, notify.EventCompleted,
			fmt.Sprintf("Synchronization of %s has completed.", statusSlot))
		return &DispatchResult{Records: len(page.Data)}, nil
	}

	// Build the queued remainder: next page of this entity, or page 1 of the
	// next entity in the chain.
	firstJob := &models.SyncJobRecord{
		ID:            uuid.NewString(),
		BatchID:       batchID,
		LegalEntityID: req.LegalEntityID,
		Chain:         chain,
	}
	if !page.IsLast {
		firstJob.Entity = entity
		firstJob.Page = 2
		firstJob.ChainIndex = 0
	} else {
		firstJob.Entity = chain[1]
		firstJob.Page = 1
		firstJob.ChainIndex = 1
		if err := c.entities.SetStatus(ctx, req.LegalEntityID, entity, types.StatusCompleted); err != nil {
			logger.WithError(err).Warn("Failed to mark chained entity completed")
		}
		if err := c.entities.SetStatus(ctx, req.LegalEntityID, chain[1], types.StatusProcessing); err != nil {
			logger.WithError(err).Warn("Failed to mark next chained entity processing")
		}
	}

	batch := &models.SyncBatch{
		ID:            batchID,
		Name:          fmt.Sprintf("%s sync for legal entity %d", statusSlot, req.LegalEntityID),
		LegalEntityID: req.LegalEntityID,
		Entity:        statusSlot,
		Status:        models.BatchStatusPending,
		Options: models.BatchOptions{
			LegalEntityID: req.LegalEntityID,
			SealedToken:   sealed,
			ActingUserID:  req.ActingUserID,
			FirstLogin:    req.FirstLogin,
		},
	}

	if err := c.batches.CreateBatch(ctx, batch, []*models.SyncJobRecord{firstJob}); err != nil {
		return nil, err
	}

	c.recordAudit(ctx, batch, models.AuditBatchStarted,
		fmt.Sprintf("page 1 processed inline (%d records), %d-step chain queued", len(page.Data), len(chain)))
	c.notifier.Notify(ctx, req.ActingUserID, statusSlot, notify.EventStarted,
		fmt.Sprintf("Synchronization of %s has started.", statusSlot))

	return &DispatchResult{Records: len(page.Data), Batch: batch}, nil
}

// Status reports the current sync state for every entity slot of a legal
// entity.
func (c *Coordinator) Status(ctx context.Context, legalEntityID int64) (map[types.EntityType]types.JobStatus, error) {
	le, err := c.entities.Get(ctx, legalEntityID)
	if err != nil {
		return nil, err
	}
	if le == nil {
		return nil, &types.ServiceError{
			Code:    "not_found",
			Message: fmt.Sprintf("legal entity %d not found", legalEntityID),
		}
	}

	statuses := make(map[types.EntityType]types.JobStatus, len(types.AllEntityTypes())+1)
	for _, entity := range append(types.AllEntityTypes(), types.EntityOverall) {
		statuses[entity] = le.StatusFor(entity)
	}
	return statuses, nil
}

func (c *Coordinator) recordAudit(ctx context.Context, batch *models.SyncBatch, event, detail string) {
	if c.audit == nil {
		return
	}
	err := c.audit.Record(ctx, &models.AuditEvent{
		Timestamp:     time.Now().UTC(),
		LegalEntityID: batch.LegalEntityID,
		Entity:        batch.Entity,
		Event:         event,
		BatchID:       batch.ID,
		Detail:        detail,
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record audit event")
	}
}
