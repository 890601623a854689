package approval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ihoward40/SintraPrime-sub001/pkg/clock"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/ledger"
	"github.com/ihoward40/SintraPrime-sub001/pkg/observability"
)

// DefaultTTL is how long a request may stay pending before ExpireStale
// rejects it.
const DefaultTTL = 72 * time.Hour

// ExpiredReason is the rejection reason recorded by ExpireStale.
const ExpiredReason = "approval window elapsed"

// Workflow drives approval requests through their state machine and
// receipts every transition.
type Workflow struct {
	store  Store
	ledger *ledger.Ledger
	ttl    time.Duration
	clock  clock.Clock
	newID  func() string
	obs    *observability.Provider
	logger *slog.Logger
}

// NewWorkflow creates a workflow over store.
func NewWorkflow(store Store, l *ledger.Ledger) *Workflow {
	return &Workflow{
		store:  store,
		ledger: l,
		ttl:    DefaultTTL,
		clock:  clock.System,
		newID:  uuid.NewString,
		obs:    observability.Disabled(),
		logger: slog.Default().With("component", "approval"),
	}
}

// WithClock overrides the time source.
func (w *Workflow) WithClock(c clock.Clock) *Workflow {
	w.clock = clock.OrSystem(c)
	return w
}

// WithTTL sets the pending lifetime used by ExpireStale. Values <= 0 are
// ignored.
func (w *Workflow) WithTTL(d time.Duration) *Workflow {
	if d > 0 {
		w.ttl = d
	}
	return w
}

// WithIDGenerator overrides request id generation.
func (w *Workflow) WithIDGenerator(f func() string) *Workflow {
	w.newID = f
	return w
}

// WithObservability attaches a telemetry provider.
func (w *Workflow) WithObservability(p *observability.Provider) *Workflow {
	if p != nil {
		w.obs = p
	}
	return w
}

func (w *Workflow) now() time.Time {
	return w.clock().UTC().Truncate(time.Microsecond)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &contracts.ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}

// Create opens a pending request and writes an approval_request_created
// receipt flagged for review.
func (w *Workflow) Create(ctx context.Context, actor, action string, estimatedCost int64, justification string) (_ *contracts.ApprovalRequest, err error) {
	ctx, done := w.obs.TrackOperation(ctx, "approval.create", attribute.String("governance.action", action))
	defer func() { done(err) }()

	if err := required("actor", actor); err != nil {
		return nil, err
	}
	if err := required("action", action); err != nil {
		return nil, err
	}
	if estimatedCost < 0 {
		return nil, &contracts.ValidationError{Field: "estimated_cost", Reason: "must not be negative"}
	}

	req := &contracts.ApprovalRequest{
		ID:            w.newID(),
		Actor:         contracts.ActorIdentity(actor),
		Action:        action,
		EstimatedCost: estimatedCost,
		Justification: justification,
		Status:        contracts.ApprovalPending,
		CreatedAt:     w.now(),
	}
	if err := w.store.Create(ctx, req); err != nil {
		return nil, err
	}

	if _, err := w.ledger.Append(ctx, contracts.Entry{
		Action: contracts.ActionApprovalCreated,
		Actor:  req.Actor,
		Details: map[string]any{
			"request_id":     req.ID,
			"action":         req.Action,
			"estimated_cost": req.EstimatedCost,
			"justification":  req.Justification,
		},
		Outcome:        contracts.OutcomeSuccess,
		Severity:       contracts.SeverityMedium,
		RequiresReview: true,
	}); err != nil {
		return nil, w.undo(ctx, req.ID, "create", err, func(ctx context.Context) error {
			return w.store.Delete(ctx, req.ID)
		})
	}

	w.logger.InfoContext(ctx, "approval requested",
		"request_id", req.ID, "actor", req.Actor, "action", action, "estimated_cost", estimatedCost)
	return req, nil
}

// Approve moves a pending request to approved and writes an
// approval_granted receipt. Chaining the original action is up to the
// caller.
func (w *Workflow) Approve(ctx context.Context, requestID, approverID string) (_ *contracts.ApprovalRequest, err error) {
	ctx, done := w.obs.TrackOperation(ctx, "approval.approve")
	defer func() { done(err) }()

	if err := required("approver_id", approverID); err != nil {
		return nil, err
	}
	decision := contracts.ApprovalDecision{
		Status:    contracts.ApprovalApproved,
		DecidedAt: w.now(),
		DecidedBy: approverID,
	}
	req, err := w.store.Transition(ctx, requestID, decision)
	if err != nil {
		return nil, err
	}

	if _, err := w.ledger.Append(ctx, contracts.Entry{
		Action:   contracts.ActionApprovalGranted,
		Actor:    contracts.ActorIdentity(approverID),
		Details:  decisionDetails(req),
		Outcome:  contracts.OutcomeSuccess,
		Severity: contracts.SeverityHigh,
	}); err != nil {
		return nil, w.undo(ctx, req.ID, "approve", err, func(ctx context.Context) error {
			return w.store.Revert(ctx, req.ID, decision)
		})
	}
	w.logger.InfoContext(ctx, "approval granted", "request_id", req.ID, "approver", approverID)
	return req, nil
}

// Reject moves a pending request to rejected. reason is mandatory.
func (w *Workflow) Reject(ctx context.Context, requestID, approverID, reason string) (_ *contracts.ApprovalRequest, err error) {
	ctx, done := w.obs.TrackOperation(ctx, "approval.reject")
	defer func() { done(err) }()

	if err := required("approver_id", approverID); err != nil {
		return nil, err
	}
	if err := required("reason", reason); err != nil {
		return nil, err
	}
	return w.reject(ctx, requestID, approverID, reason)
}

func (w *Workflow) reject(ctx context.Context, requestID, approverID, reason string) (*contracts.ApprovalRequest, error) {
	decision := contracts.ApprovalDecision{
		Status:    contracts.ApprovalRejected,
		DecidedAt: w.now(),
		DecidedBy: approverID,
		Reason:    reason,
	}
	req, err := w.store.Transition(ctx, requestID, decision)
	if err != nil {
		return nil, err
	}

	details := decisionDetails(req)
	details["reason"] = reason
	if _, err := w.ledger.Append(ctx, contracts.Entry{
		Action:   contracts.ActionApprovalRejected,
		Actor:    contracts.ActorIdentity(approverID),
		Details:  details,
		Outcome:  contracts.OutcomeFailure,
		Severity: contracts.SeverityMedium,
	}); err != nil {
		return nil, w.undo(ctx, req.ID, "reject", err, func(ctx context.Context) error {
			return w.store.Revert(ctx, req.ID, decision)
		})
	}
	w.logger.InfoContext(ctx, "approval rejected", "request_id", req.ID, "approver", approverID, "reason", reason)
	return req, nil
}

// undo restores the store after a receipt write failed, so no request state
// exists that the ledger does not account for. It returns cause, joined with
// the restore error when the store could not be put back.
func (w *Workflow) undo(ctx context.Context, requestID, step string, cause error, restore func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	if err := restore(ctx); err != nil {
		w.logger.ErrorContext(ctx, "approval state left without receipt",
			"request_id", requestID, "step", step, "cause", cause, "error", err)
		return errors.Join(cause, err)
	}
	w.logger.WarnContext(ctx, "approval change undone after receipt failure",
		"request_id", requestID, "step", step, "error", cause)
	return cause
}

func decisionDetails(req *contracts.ApprovalRequest) map[string]any {
	return map[string]any{
		"request_id":     req.ID,
		"requester":      req.Actor,
		"action":         req.Action,
		"estimated_cost": req.EstimatedCost,
	}
}

// BulkResult tallies a batch operation. Failed maps request id to the error
// message.
type BulkResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
}

func (r *BulkResult) record(id string, err error) {
	if err != nil {
		r.Failed[id] = err.Error()
		return
	}
	r.Succeeded = append(r.Succeeded, id)
}

// BulkApprove approves each id independently. A failure on one id does not
// affect the others.
func (w *Workflow) BulkApprove(ctx context.Context, ids []string, approverID string) (*BulkResult, error) {
	if err := required("approver_id", approverID); err != nil {
		return nil, err
	}
	res := &BulkResult{Succeeded: []string{}, Failed: map[string]string{}}
	for _, id := range ids {
		_, err := w.Approve(ctx, id, approverID)
		res.record(id, err)
	}
	return res, nil
}

// BulkReject rejects each id independently with the same reason.
func (w *Workflow) BulkReject(ctx context.Context, ids []string, approverID, reason string) (*BulkResult, error) {
	if err := required("approver_id", approverID); err != nil {
		return nil, err
	}
	if err := required("reason", reason); err != nil {
		return nil, err
	}
	res := &BulkResult{Succeeded: []string{}, Failed: map[string]string{}}
	for _, id := range ids {
		_, err := w.Reject(ctx, id, approverID, reason)
		res.record(id, err)
	}
	return res, nil
}

// Get returns a request by id.
func (w *Workflow) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	return w.store.Get(ctx, id)
}

// List returns requests matching f, newest first.
func (w *Workflow) List(ctx context.Context, f Filter) ([]*contracts.ApprovalRequest, error) {
	if f.Limit < 0 {
		return nil, &contracts.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return w.store.List(ctx, f)
}

// ExpireStale rejects every request that has been pending longer than the
// TTL, on behalf of the system actor. Requests decided concurrently are
// skipped. It returns how many requests it expired.
func (w *Workflow) ExpireStale(ctx context.Context) (int, error) {
	stale, err := w.store.List(ctx, Filter{
		Status:        contracts.ApprovalPending,
		CreatedBefore: w.clock().Add(-w.ttl),
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range stale {
		_, err := w.reject(ctx, req.ID, contracts.ActorSystem, ExpiredReason)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, contracts.ErrInvalidStateTransition):
			// decided while we were sweeping
		default:
			return expired, err
		}
	}
	if expired > 0 {
		w.logger.InfoContext(ctx, "expired stale approval requests", "count", expired)
	}
	return expired, nil
}
