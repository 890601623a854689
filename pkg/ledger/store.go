package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// Store is the append-only persistence behind a Ledger. Implementations must
// make Append atomic and assign strictly increasing sequence numbers.
type Store interface {
	// Append persists r and returns the assigned sequence.
	Append(ctx context.Context, r *contracts.Receipt) (uint64, error)
	Get(ctx context.Context, id string) (*contracts.Receipt, error)
	Query(ctx context.Context, f Filter) ([]*contracts.Receipt, error)
	// MarkReviewed stamps the review fields of a receipt that has not been
	// reviewed yet. It returns ErrNotFound for unknown ids and
	// ErrInvalidStateTransition for receipts already reviewed.
	MarkReviewed(ctx context.Context, id, reviewer string, at time.Time) error
}

// Filter selects receipts. Zero-valued fields match everything.
type Filter struct {
	// Action matches exactly, or as a prefix when it ends in "*".
	Action string
	Actor  string
	// Since is inclusive, Until exclusive.
	Since          time.Time
	Until          time.Time
	RequiresReview *bool
	// Descending returns newest first.
	Descending bool
	Limit      int
}

// actionPrefix reports the prefix for wildcard action filters.
func (f Filter) actionPrefix() (string, bool) {
	return strings.CutSuffix(f.Action, "*")
}

// Matches reports whether r satisfies every set field of f.
func (f Filter) Matches(r *contracts.Receipt) bool {
	if f.Action != "" {
		if prefix, ok := f.actionPrefix(); ok {
			if !strings.HasPrefix(r.Action, prefix) {
				return false
			}
		} else if r.Action != f.Action {
			return false
		}
	}
	if f.Actor != "" && r.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	if f.RequiresReview != nil && r.RequiresReview != *f.RequiresReview {
		return false
	}
	return true
}
