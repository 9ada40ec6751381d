package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehealth-sync/internal/logging"
	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/types"
)

// ErrAmbiguousMatch is returned when identity resolution cannot single out
// one counterpart. The reconciler fails closed rather than guessing.
var ErrAmbiguousMatch = errors.New("ambiguous identity match")

// EmployeeRequestProcessor reconciles registry employee requests against
// local state. The registry's user-token-scoped creation flow does not echo
// the created resource's uuid, so identity is resolved by secondary keys
// with a documented fuzzy fallback.
type EmployeeRequestProcessor struct {
	db        *storage.PostgresDB
	employees *storage.EmployeeRepository
	divisions *storage.DivisionRepository
	requests  *storage.EmployeeRequestRepository
	audit     storage.AuditSink
}

// NewEmployeeRequestProcessor creates a new processor.
func NewEmployeeRequestProcessor(
	db *storage.PostgresDB,
	employees *storage.EmployeeRepository,
	divisions *storage.DivisionRepository,
	requests *storage.EmployeeRequestRepository,
	audit storage.AuditSink,
) *EmployeeRequestProcessor {
	return &EmployeeRequestProcessor{
		db:        db,
		employees: employees,
		divisions: divisions,
		requests:  requests,
		audit:     audit,
	}
}

// ProcessRecord reconciles one remote employee request. Approved records are
// matched against local pending requests and applied; records with no local
// counterpart become stub rows so later detail syncs have an anchor.
func (p *EmployeeRequestProcessor) ProcessRecord(ctx context.Context, syncCtx types.SyncContext, batchID string, record *registry.Record) error {
	if record.ID == "" {
		return fmt.Errorf("remote record has no id")
	}

	// A record we already track by uuid just gets its status refreshed.
	existing, err := p.requests.GetByUUID(ctx, p.requests.Pool(), syncCtx.LegalEntityID, record.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Applied() {
			// Already applied; re-delivery is a no-op.
			return nil
		}
		if record.Status == models.RequestStatusApproved {
			return p.ApplyApproved(ctx, syncCtx, existing, record)
		}
		return p.refreshStatus(ctx, existing.ID, record.Status)
	}

	if record.Status != models.RequestStatusApproved {
		return p.insertStub(ctx, syncCtx, record)
	}

	pending, err := p.requests.FindPendingByTaxID(ctx, p.requests.Pool(), syncCtx.LegalEntityID, record.TaxID)
	if err != nil {
		return err
	}

	local, outcome, fuzzy, err := selectLocalRequest(pending, record)
	if err != nil {
		p.recordAudit(ctx, syncCtx, batchID, record.ID, models.AuditRecordFailed,
			fmt.Sprintf("identity resolution failed for tax_id=%s: %v", record.TaxID, err))
		return err
	}
	if local == nil {
		return p.insertStub(ctx, syncCtx, record)
	}
	if fuzzy {
		p.recordAudit(ctx, syncCtx, batchID, record.ID, models.AuditFuzzyMatch,
			fmt.Sprintf("sole candidate accepted without full predicate match: %s (request %d)", outcome, local.ID))
	}

	return p.ApplyApproved(ctx, syncCtx, local, record)
}

// selectLocalRequest picks the local pending request a remote record belongs
// to. Exactly one strict match wins; several strict matches fail closed;
// with no strict match, a sole pending candidate is accepted as the fuzzy
// fallback.
func selectLocalRequest(pending []*models.EmployeeRequest, remote *registry.Record) (*models.EmployeeRequest, matchOutcome, bool, error) {
	var strict []*models.EmployeeRequest
	outcomes := make(map[int64]matchOutcome, len(pending))

	for _, req := range pending {
		outcome := compare(req, remote)
		outcomes[req.ID] = outcome
		if outcome.Strict() {
			strict = append(strict, req)
		}
	}

	switch {
	case len(strict) == 1:
		return strict[0], outcomes[strict[0].ID], false, nil
	case len(strict) > 1:
		return nil, matchOutcome{}, false,
			fmt.Errorf("%w: %d local requests match remote %s strictly", ErrAmbiguousMatch, len(strict), remote.ID)
	case len(pending) == 1:
		// Fuzzy fallback: the filtered search narrowed to one candidate
		// even though not every predicate held.
		return pending[0], outcomes[pending[0].ID], true, nil
	case len(pending) > 1:
		return nil, matchOutcome{}, false,
			fmt.Errorf("%w: %d loose candidates for remote %s, none strict", ErrAmbiguousMatch, len(pending), remote.ID)
	default:
		return nil, matchOutcome{}, false, nil
	}
}

// ApplyApproved merges an approved remote record into local state. All
// writes for the record happen in one transaction; any failure rolls back
// the record without touching the rest of the page. Re-applying an applied
// request is a no-op.
func (p *EmployeeRequestProcessor) ApplyApproved(ctx context.Context, syncCtx types.SyncContext, req *models.EmployeeRequest, remote *registry.Record) error {
	if req.Applied() {
		return nil
	}

	var revision *models.RevisionContent
	if len(req.Revision) > 0 {
		revision = &models.RevisionContent{}
		if err := json.Unmarshal(req.Revision, revision); err != nil {
			return fmt.Errorf("failed to decode request revision: %w", err)
		}
	}

	tx, err := p.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	// Translate the registry's division uuid to the local row id.
	var divisionID *int64
	if remote.DivisionID != "" {
		divisionID, err = p.divisions.LocalIDByUUID(ctx, tx, syncCtx.LegalEntityID, remote.DivisionID)
		if err != nil {
			return err
		}
	}
	if divisionID == nil {
		divisionID = req.DivisionID
	}

	// Resolve the employee row: by registry uuid first, then by the
	// request's local foreign key.
	var existing *models.Employee
	if remote.EmployeeID != "" {
		existing, err = p.employees.GetByUUID(ctx, tx, syncCtx.LegalEntityID, remote.EmployeeID)
		if err != nil {
			return err
		}
	}
	if existing == nil && req.EmployeeID != nil {
		existing, err = p.employees.GetByID(ctx, tx, *req.EmployeeID)
		if err != nil {
			return err
		}
	}

	merged := mergeEmployee(existing, revision, remote, syncCtx.LegalEntityID, divisionID)
	if merged.ID != 0 {
		err = p.employees.Update(ctx, tx, merged)
	} else {
		err = p.employees.Upsert(ctx, tx, merged)
	}
	if err != nil {
		return err
	}

	if err := p.requests.ApplyOutcome(ctx, tx, req.ID, remote.ID, merged.ID, remote.Status); err != nil {
		return err
	}

	// Every local user account attached to the underlying party picks up
	// the resulting role.
	if merged.PartyID != nil && merged.EmployeeType != "" {
		if err := p.employees.AssignRoleToPartyUsers(ctx, tx, *merged.PartyID, merged.EmployeeType); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reconcile transaction: %w", err)
	}
	return nil
}

// ResolvePending searches the registry for local pending requests whose
// uuid is still unknown, applying the same strict-then-fuzzy matching in
// the outbound direction. Called after the terminal page of a request sync.
func (p *EmployeeRequestProcessor) ResolvePending(ctx context.Context, syncCtx types.SyncContext, client registry.Client, bearerToken, batchID string, pending []*models.EmployeeRequest) error {
	logger := logging.FromContext(ctx)

	for _, req := range pending {
		if req.UUID != nil || req.Applied() {
			continue
		}

		filters := registry.Filters{
			TaxID:       req.TaxID,
			Status:      models.RequestStatusApproved,
			LegalEntity: legalEntityFilter(syncCtx),
		}
		if req.EmployeeType != "" {
			filters.EmployeeType = req.EmployeeType
		}
		if req.DivisionUUID != nil {
			filters.DivisionID = *req.DivisionUUID
		}

		page, err := client.GetMany(ctx, bearerToken, types.EntityEmployeeRequest, filters, 1)
		if err != nil {
			return fmt.Errorf("identity search failed for request %d: %w", req.ID, err)
		}

		remote, outcome, fuzzy, err := selectRemoteCandidate(req, page.Data)
		if err != nil {
			p.recordAudit(ctx, syncCtx, batchID, "", models.AuditRecordFailed,
				fmt.Sprintf("outbound identity resolution failed for request %d (tax_id=%s): %v", req.ID, req.TaxID, err))
			logger.WithError(err).WithField("request", req.ID).Error("Identity resolution failed")
			continue
		}
		if remote == nil {
			continue
		}
		if fuzzy {
			p.recordAudit(ctx, syncCtx, batchID, remote.ID, models.AuditFuzzyMatch,
				fmt.Sprintf("sole remote candidate accepted without full predicate match: %s (request %d)", outcome, req.ID))
		}

		if err := p.ApplyApproved(ctx, syncCtx, req, remote); err != nil {
			logger.WithError(err).WithField("request", req.ID).Error("Failed to apply resolved request")
		}
	}

	return nil
}

// selectRemoteCandidate mirrors selectLocalRequest for the outbound search
// direction: one local request against the registry's candidate list.
func selectRemoteCandidate(req *models.EmployeeRequest, candidates []registry.Record) (*registry.Record, matchOutcome, bool, error) {
	var strict []*registry.Record
	outcomes := make(map[string]matchOutcome, len(candidates))

	for i := range candidates {
		remote := &candidates[i]
		outcome := compare(req, remote)
		outcomes[remote.ID] = outcome
		if outcome.Strict() {
			strict = append(strict, remote)
		}
	}

	switch {
	case len(strict) == 1:
		return strict[0], outcomes[strict[0].ID], false, nil
	case len(strict) > 1:
		return nil, matchOutcome{}, false,
			fmt.Errorf("%w: %d remote candidates match request %d strictly", ErrAmbiguousMatch, len(strict), req.ID)
	case len(candidates) == 1:
		return &candidates[0], outcomes[candidates[0].ID], true, nil
	case len(candidates) > 1:
		return nil, matchOutcome{}, false,
			fmt.Errorf("%w: %d loose remote candidates for request %d, none strict", ErrAmbiguousMatch, len(candidates), req.ID)
	default:
		return nil, matchOutcome{}, false, nil
	}
}

// PendingWithoutUUID lists the legal entity's requests still awaiting
// outbound identity resolution.
func (p *EmployeeRequestProcessor) PendingWithoutUUID(ctx context.Context, syncCtx types.SyncContext) ([]*models.EmployeeRequest, error) {
	return p.requests.FindPendingWithoutUUID(ctx, p.requests.Pool(), syncCtx.LegalEntityID)
}

func (p *EmployeeRequestProcessor) insertStub(ctx context.Context, syncCtx types.SyncContext, record *registry.Record) error {
	remoteUUID := record.ID
	stub := &models.EmployeeRequest{
		UUID:          &remoteUUID,
		LegalEntityID: syncCtx.LegalEntityID,
		TaxID:         record.TaxID,
		Position:      record.Position,
		EmployeeType:  record.EmployeeType,
		Status:        record.Status,
	}
	if record.StartDate != "" {
		if parsed, err := parseDate(record.StartDate); err == nil {
			stub.StartDate = &parsed
		}
	}
	return p.requests.InsertStub(ctx, p.requests.Pool(), stub)
}

func (p *EmployeeRequestProcessor) refreshStatus(ctx context.Context, requestID int64, status string) error {
	return p.requests.RefreshStatus(ctx, p.requests.Pool(), requestID, status)
}

func (p *EmployeeRequestProcessor) recordAudit(ctx context.Context, syncCtx types.SyncContext, batchID, recordUUID, event, detail string) {
	if p.audit == nil {
		return
	}
	err := p.audit.Record(ctx, &models.AuditEvent{
		Timestamp:     time.Now().UTC(),
		LegalEntityID: syncCtx.LegalEntityID,
		Entity:        types.EntityEmployeeRequest,
		Event:         event,
		BatchID:       batchID,
		RecordUUID:    recordUUID,
		Detail:        detail,
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record audit event")
	}
}

func legalEntityFilter(syncCtx types.SyncContext) string {
	return fmt.Sprintf("%d", syncCtx.LegalEntityID)
}
