package models

import (
	"time"

	"github.com/ehealth-sync/internal/types"
)

// Batch lifecycle statuses.
const (
	BatchStatusPending   = "pending"
	BatchStatusFinished  = "finished"
	BatchStatusCancelled = "cancelled"
)

// Job lifecycle statuses.
const (
	JobStatusQueued     = "queued"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// BatchOptions is the shared options bag persisted with a batch. The bearer
// token is sealed before it gets here; jobs unseal at the point of use.
type BatchOptions struct {
	LegalEntityID int64  `json:"legal_entity_id"`
	SealedToken   string `json:"sealed_token"`
	ActingUserID  string `json:"acting_user_id"`
	FirstLogin    bool   `json:"first_login"`
}

// SyncBatch is a named, durable group of queued sync jobs with shared
// options and completion/failure accounting. The legal_entity_id column
// exists for fast failed-batch discovery at resume time.
type SyncBatch struct {
	ID            string           `json:"id" db:"id"`
	Name          string           `json:"name" db:"name"`
	LegalEntityID int64            `json:"legalEntityId" db:"legal_entity_id"`
	Entity        types.EntityType `json:"entity" db:"entity"`
	Status        string           `json:"status" db:"status"`
	Failed        bool             `json:"failed" db:"failed"`
	TotalJobs     int              `json:"totalJobs" db:"total_jobs"`
	ProcessedJobs int              `json:"processedJobs" db:"processed_jobs"`
	Options       BatchOptions     `json:"options" db:"options"`

	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
}

// Done reports whether every job in the batch has been accounted for.
func (b *SyncBatch) Done() bool {
	return b.ProcessedJobs >= b.TotalJobs
}

// SyncJobRecord is one queued unit of work: fetch one page of one entity
// type, upsert it, and chain the successor. A fresh record is created per
// page; records are never mutated into their successors.
//
// The chain is an ordered list of entity types plus a cursor index, not a
// linked object graph: job N for the last page of Chain[ChainIndex] enqueues
// page 1 of Chain[ChainIndex+1].
type SyncJobRecord struct {
	ID            string             `json:"id" db:"id"`
	BatchID       string             `json:"batchId" db:"batch_id"`
	LegalEntityID int64              `json:"legalEntityId" db:"legal_entity_id"`
	Entity        types.EntityType   `json:"entity" db:"entity"`
	Page          int                `json:"page" db:"page"`
	Chain         []types.EntityType `json:"chain,omitempty" db:"chain"`
	ChainIndex    int                `json:"chainIndex" db:"chain_index"`
	Status        string             `json:"status" db:"status"`
	Attempts      int                `json:"attempts" db:"attempts"`
	Error         *string            `json:"error,omitempty" db:"error"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// NextInChain returns the entity type that follows this job's position in
// the chain, or "" when the chain is exhausted.
func (j *SyncJobRecord) NextInChain() types.EntityType {
	if j.ChainIndex+1 < len(j.Chain) {
		return j.Chain[j.ChainIndex+1]
	}
	return ""
}

// Notification is a persisted user-facing sync event.
type Notification struct {
	ID        int64            `json:"id" db:"id"`
	UserID    string           `json:"userId" db:"user_id"`
	Entity    types.EntityType `json:"entity" db:"entity"`
	Event     string           `json:"event" db:"event"`
	Message   string           `json:"message" db:"message"`
	CreatedAt time.Time        `json:"createdAt" db:"created_at"`
}

// AuditEvent is one row of the append-only sync audit trail.
type AuditEvent struct {
	Timestamp     time.Time        `json:"timestamp"`
	LegalEntityID int64            `json:"legalEntityId"`
	Entity        types.EntityType `json:"entity"`
	Event         string           `json:"event"`
	BatchID       string           `json:"batchId"`
	Page          int              `json:"page"`
	RecordUUID    string           `json:"recordUuid"`
	Detail        string           `json:"detail"`
}

// Audit event names.
const (
	AuditPageProcessed  = "page_processed"
	AuditRecordFailed   = "record_failed"
	AuditFuzzyMatch     = "fuzzy_match_accepted"
	AuditBatchStarted   = "batch_started"
	AuditBatchFailed    = "batch_failed"
	AuditBatchCompleted = "batch_completed"
	AuditBatchResumed   = "batch_resumed"
)
