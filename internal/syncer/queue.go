package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehealth-sync/internal/config"
	"github.com/ehealth-sync/internal/logging"
	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/notify"
	"github.com/ehealth-sync/internal/ratelimit"
	"github.com/ehealth-sync/internal/reconcile"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/retry"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/token"
	"github.com/ehealth-sync/internal/types"
)

// Queue polls the durable job queue and executes claimed jobs on a bounded
// worker pool. One job fetches one page, reconciles its records, and chains
// the successor job; jobs are never mutated into their successors.
type Queue struct {
	cfg         *config.SyncConfig
	batches     *storage.BatchRepository
	entities    *storage.LegalEntityRepository
	client      registry.Client
	reconcilers *reconcile.Set
	limiter     *ratelimit.Limiter
	sealer      *token.Sealer
	retryCfg    *retry.Config
	audit       storage.AuditSink
	notifier    notify.Notifier

	sem  chan struct{}
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewQueue creates the sync worker pool.
func NewQueue(
	cfg *config.SyncConfig,
	batches *storage.BatchRepository,
	entities *storage.LegalEntityRepository,
	client registry.Client,
	reconcilers *reconcile.Set,
	limiter *ratelimit.Limiter,
	sealer *token.Sealer,
	audit storage.AuditSink,
	notifier notify.Notifier,
) *Queue {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MaxAttempts

	return &Queue{
		cfg:         cfg,
		batches:     batches,
		entities:    entities,
		client:      client,
		reconcilers: reconcilers,
		limiter:     limiter,
		sealer:      sealer,
		retryCfg:    retryCfg,
		audit:       audit,
		notifier:    notifier,
		sem:         make(chan struct{}, cfg.Workers),
		stop:        make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or the context is cancelled.
// Blocks; run it in its own goroutine.
func (q *Queue) Start(ctx context.Context) {
	logger := logging.FromContext(ctx)
	logger.WithFields(map[string]interface{}{
		"workers":      q.cfg.Workers,
		"pollInterval": q.cfg.PollInterval.String(),
	}).Info("Sync queue started")

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// Stop halts the poll loop and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// drain claims jobs while worker slots are free. Claimed jobs run
// concurrently; the semaphore bounds them at cfg.Workers.
func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case q.sem <- struct{}{}:
		default:
			return
		}

		job, err := q.batches.ClaimNextJob(ctx)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Error("Failed to claim sync job")
			<-q.sem
			return
		}
		if job == nil {
			<-q.sem
			return
		}

		q.wg.Add(1)
		go func(job *models.SyncJobRecord) {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			q.execute(ctx, job)
		}(job)
	}
}

// execute runs one claimed job end to end.
func (q *Queue) execute(ctx context.Context, job *models.SyncJobRecord) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"job":    job.ID,
		"batch":  job.BatchID,
		"entity": job.Entity,
		"page":   job.Page,
	})
	ctx = logging.WithLogger(ctx, logger)

	batch, err := q.batches.GetBatch(ctx, job.BatchID)
	if err != nil || batch == nil {
		if err == nil {
			err = fmt.Errorf("batch %s not found", job.BatchID)
		}
		q.settleFailure(ctx, job, nil, err)
		return
	}

	syncCtx := types.SyncContext{
		LegalEntityID: batch.Options.LegalEntityID,
		ActingUserID:  batch.Options.ActingUserID,
		SealedToken:   batch.Options.SealedToken,
		FirstLogin:    batch.Options.FirstLogin,
	}

	bearerToken, err := q.sealer.Open(syncCtx.SealedToken)
	if err != nil {
		// An unopenable token can never succeed; fail the job outright.
		q.settleFailure(ctx, job, batch, fmt.Errorf("failed to unseal bearer token: %w", err))
		return
	}

	reconciler, err := q.reconcilers.ForEntity(job.Entity)
	if err != nil {
		q.settleFailure(ctx, job, batch, err)
		return
	}

	if err := q.limiter.Wait(ctx, syncCtx.ActingUserID, job.Entity); err != nil {
		q.settleFailure(ctx, job, batch, err)
		return
	}

	page, err := q.fetchPage(ctx, bearerToken, job)
	if err != nil {
		q.settleFailure(ctx, job, batch, err)
		return
	}

	failedRecords := 0
	for i := range page.Data {
		record := &page.Data[i]
		if err := reconciler.Reconcile(ctx, syncCtx, job.BatchID, record); err != nil {
			// One bad record never poisons the rest of the page.
			failedRecords++
			logger.WithError(err).WithField("record", record.ID).Error("Record reconciliation failed")
			q.recordAudit(ctx, batch, job, record.ID, models.AuditRecordFailed, err.Error())
		}
	}

	q.recordAudit(ctx, batch, job, "", models.AuditPageProcessed,
		fmt.Sprintf("%d records, %d failed", len(page.Data), failedRecords))

	if err := q.chainSuccessor(ctx, syncCtx, job, page, bearerToken); err != nil {
		q.settleFailure(ctx, job, batch, err)
		return
	}

	batchDone, err := q.batches.CompleteJob(ctx, job)
	if err != nil {
		logger.WithError(err).Error("Failed to complete sync job")
		return
	}
	if batchDone {
		q.settleSuccess(ctx, batch)
	}
}

// fetchPage calls the registry with bounded backoff. Validation errors and
// other non-retryable responses abort immediately.
func (q *Queue) fetchPage(ctx context.Context, bearerToken string, job *models.SyncJobRecord) (*registry.Page, error) {
	var page *registry.Page

	err := retry.Do(ctx, q.retryCfg, func(ctx context.Context, attempt int) error {
		p, err := q.client.GetMany(ctx, bearerToken, job.Entity, registry.Filters{}, job.Page)
		if err != nil {
			if !retryable(err) {
				return retry.Stop(err)
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// retryable reports whether a registry error is worth another attempt.
// Connection failures and server-side errors are; validation errors and
// other client-side rejections are not. 429 is retried since the shared
// budget may simply be exhausted this minute.
func retryable(err error) bool {
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var rerr *registry.ResponseError
	if errors.As(err, &rerr) {
		if rerr.Status == http.StatusTooManyRequests {
			return true
		}
		return rerr.Status >= http.StatusInternalServerError
	}
	return true
}

// chainSuccessor enqueues the follow-up job: the next page of the same
// entity, or page 1 of the next entity in the chain. A fresh job record is
// created either way.
func (q *Queue) chainSuccessor(ctx context.Context, syncCtx types.SyncContext, job *models.SyncJobRecord, page *registry.Page, bearerToken string) error {
	if !page.IsLast {
		return q.batches.EnqueueJob(ctx, &models.SyncJobRecord{
			ID:            uuid.NewString(),
			BatchID:       job.BatchID,
			LegalEntityID: job.LegalEntityID,
			Entity:        job.Entity,
			Page:          job.Page + 1,
			Chain:         job.Chain,
			ChainIndex:    job.ChainIndex,
		})
	}

	// Terminal page: this entity's list sync is finished.
	if job.Entity == types.EntityEmployeeRequest {
		// Outbound identity resolution runs once the inbound pass has
		// delivered every page.
		processor := q.reconcilers.RequestProcessor()
		pending, err := processor.PendingWithoutUUID(ctx, syncCtx)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			if err := processor.ResolvePending(ctx, syncCtx, q.client, bearerToken, job.BatchID, pending); err != nil {
				return err
			}
		}
	}

	next := job.NextInChain()
	if next == "" {
		// A chained batch settles against the aggregate slot; close out the
		// final entity's own slot here.
		if len(job.Chain) > 1 {
			if err := q.entities.SetStatus(ctx, job.LegalEntityID, job.Entity, types.StatusCompleted); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("Failed to mark chained entity completed")
			}
		}
		return nil
	}

	// Chained provisioning: mark the finished entity's slot and move on.
	if err := q.entities.SetStatus(ctx, job.LegalEntityID, job.Entity, types.StatusCompleted); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to mark chained entity completed")
	}
	if err := q.entities.SetStatus(ctx, job.LegalEntityID, next, types.StatusProcessing); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to mark next chained entity processing")
	}

	return q.batches.EnqueueJob(ctx, &models.SyncJobRecord{
		ID:            uuid.NewString(),
		BatchID:       job.BatchID,
		LegalEntityID: job.LegalEntityID,
		Entity:        next,
		Page:          1,
		Chain:         job.Chain,
		ChainIndex:    job.ChainIndex + 1,
	})
}

// settleSuccess closes out a finished batch: status slot, audit, user event.
func (q *Queue) settleSuccess(ctx context.Context, batch *models.SyncBatch) {
	err := q.entities.TransitionStatus(ctx, batch.LegalEntityID, batch.Entity,
		[]types.JobStatus{types.StatusProcessing}, types.StatusCompleted)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to mark sync completed")
	}

	q.recordAudit(ctx, batch, nil, "", models.AuditBatchCompleted, "all jobs completed")
	q.notifier.Notify(ctx, batch.Options.ActingUserID, batch.Entity, notify.EventCompleted,
		fmt.Sprintf("Synchronization of %s has completed.", batch.Entity))
}

// settleFailure either requeues a transiently failed job or, when attempts
// are exhausted or the error is permanent, fails the job and flags the batch
// for resume.
func (q *Queue) settleFailure(ctx context.Context, job *models.SyncJobRecord, batch *models.SyncBatch, cause error) {
	logger := logging.FromContext(ctx).WithError(cause)

	if job.Attempts < q.cfg.MaxAttempts && retryable(cause) && batch != nil {
		logger.WithField("attempt", job.Attempts).Warn("Sync job failed, requeueing")
		if err := q.batches.RequeueJob(ctx, job.ID, cause.Error()); err != nil {
			logger.WithError(err).Error("Failed to requeue sync job")
		}
		return
	}

	logger.Error("Sync job failed terminally")
	if err := q.batches.FailJob(ctx, job, cause.Error()); err != nil {
		logger.WithError(err).Error("Failed to mark sync job failed")
	}

	if batch == nil {
		return
	}

	if err := q.entities.SetStatus(ctx, batch.LegalEntityID, batch.Entity, types.StatusFailed); err != nil {
		logger.WithError(err).Error("Failed to mark sync failed")
	}
	// A chained batch settles against the aggregate slot; the entity that
	// was actually in flight must not be left processing.
	if job.Entity != batch.Entity {
		if err := q.entities.SetStatus(ctx, batch.LegalEntityID, job.Entity, types.StatusFailed); err != nil {
			logger.WithError(err).Error("Failed to mark chained entity failed")
		}
	}

	q.recordAudit(ctx, batch, job, "", models.AuditBatchFailed, cause.Error())
	q.notifier.Notify(ctx, batch.Options.ActingUserID, batch.Entity, notify.EventFailed,
		notify.FormatError(cause))
}

func (q *Queue) recordAudit(ctx context.Context, batch *models.SyncBatch, job *models.SyncJobRecord, recordUUID, event, detail string) {
	if q.audit == nil {
		return
	}

	audit := &models.AuditEvent{
		Timestamp:     time.Now().UTC(),
		LegalEntityID: batch.LegalEntityID,
		Entity:        batch.Entity,
		Event:         event,
		BatchID:       batch.ID,
		RecordUUID:    recordUUID,
		Detail:        detail,
	}
	if job != nil {
		audit.Entity = job.Entity
		audit.Page = job.Page
	}

	if err := q.audit.Record(ctx, audit); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record audit event")
	}
}
