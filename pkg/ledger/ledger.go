// Package ledger is the append-only store of signed receipts. Every governed
// action leaves one receipt; the ledger hashes its details, signs its
// identity fields and persists it atomically. Verification recomputes both
// and never trusts the stored values.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ihoward40/SintraPrime-sub001/pkg/canonicalize"
	"github.com/ihoward40/SintraPrime-sub001/pkg/clock"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/crypto"
	"github.com/ihoward40/SintraPrime-sub001/pkg/observability"
)

// Ledger appends and verifies receipts.
type Ledger struct {
	store   Store
	keyring *crypto.Keyring
	clock   clock.Clock
	newID   func() string
	obs     *observability.Provider
	logger  *slog.Logger
}

// New creates a ledger over store, signing with keyring.
func New(store Store, keyring *crypto.Keyring) *Ledger {
	return &Ledger{
		store:   store,
		keyring: keyring,
		clock:   clock.System,
		newID:   uuid.NewString,
		obs:     observability.Disabled(),
		logger:  slog.Default().With("component", "ledger"),
	}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(c clock.Clock) *Ledger {
	l.clock = clock.OrSystem(c)
	return l
}

// WithIDGenerator overrides receipt id generation.
func (l *Ledger) WithIDGenerator(f func() string) *Ledger {
	l.newID = f
	return l
}

// WithObservability attaches a telemetry provider.
func (l *Ledger) WithObservability(p *observability.Provider) *Ledger {
	if p != nil {
		l.obs = p
	}
	return l
}

// Keyring exposes the verifier used by this ledger.
func (l *Ledger) Keyring() *crypto.Keyring {
	return l.keyring
}

// Append finalizes e into a signed receipt and persists it. The returned
// receipt is exactly what was stored.
func (l *Ledger) Append(ctx context.Context, e contracts.Entry) (_ *contracts.Receipt, err error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.append", attribute.String("governance.action", e.Action))
	defer func() { done(err) }()

	if err := e.Validate(); err != nil {
		return nil, err
	}
	// Details are frozen to their JSON form so later caller mutations cannot
	// diverge from the hash, and every store hands back the same shapes.
	details, err := contracts.CloneDetails(e.Details)
	if err != nil {
		return nil, &contracts.ValidationError{Field: "details", Reason: "must be JSON serializable"}
	}
	canonical, err := canonicalize.JCS(details)
	if errors.Is(err, canonicalize.ErrKeyCollision) {
		return nil, &contracts.ValidationError{Field: "details", Reason: "keys must stay distinct after unicode normalization"}
	}
	if err != nil {
		return nil, &contracts.ValidationError{Field: "details", Reason: "must be JSON serializable"}
	}

	outcome := e.Outcome
	if outcome == "" {
		outcome = contracts.OutcomeSuccess
	}

	r := &contracts.Receipt{
		ID:             l.newID(),
		Timestamp:      l.clock().UTC().Truncate(time.Microsecond),
		Action:         e.Action,
		Actor:          e.Actor,
		Details:        details,
		EvidenceHash:   canonicalize.HashBytes(canonical),
		Outcome:        outcome,
		Severity:       e.Severity,
		RequiresReview: e.RequiresReview,
	}
	if err := crypto.SignReceipt(l.keyring, r); err != nil {
		return nil, err
	}

	seq, err := l.store.Append(ctx, r)
	if err != nil {
		l.logger.ErrorContext(ctx, "receipt append failed",
			"receipt_id", r.ID, "action", r.Action, "actor", r.Actor, "error", err)
		return nil, err
	}
	r.Sequence = seq
	l.obs.RecordReceipt(ctx, string(r.Outcome))
	l.logger.DebugContext(ctx, "receipt appended",
		"receipt_id", r.ID, "sequence", seq, "action", r.Action, "actor", r.Actor, "outcome", r.Outcome)
	return r.Clone(), nil
}

// Get returns the receipt with id, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*contracts.Receipt, error) {
	return l.store.Get(ctx, id)
}

// Query returns receipts matching f, oldest first unless f.Descending.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*contracts.Receipt, error) {
	if f.Limit < 0 {
		return nil, &contracts.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return nil, &contracts.ValidationError{Field: "until", Reason: "must not precede since"}
	}
	return l.store.Query(ctx, f)
}

// MarkReviewed completes the review of a receipt. It is the only mutation a
// persisted receipt ever sees.
func (l *Ledger) MarkReviewed(ctx context.Context, id, reviewer string) (err error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.mark_reviewed")
	defer func() { done(err) }()

	if strings.TrimSpace(reviewer) == "" {
		return &contracts.ValidationError{Field: "reviewer", Reason: "must not be empty"}
	}
	at := l.clock().UTC().Truncate(time.Microsecond)
	if err := l.store.MarkReviewed(ctx, id, contracts.ActorIdentity(reviewer), at); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "receipt reviewed", "receipt_id", id, "reviewer", reviewer)
	return nil
}
