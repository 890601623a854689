// Package contracts defines the shared data model of the governance core:
// receipts, approval requests, spending windows, idempotency records and
// alert state, together with the error taxonomy every component reports.
package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outcome is the result recorded on a Receipt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	}
	return false
}

// Severity is an optional ordinal attached to a Receipt.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: none < low < medium < high < critical.
// Unknown values rank as -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityNone:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return -1
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Well-known receipt actions.
const (
	ActionSpendingRecorded   = "spending_recorded"
	ActionApprovalCreated    = "approval_request_created"
	ActionApprovalGranted    = "approval_granted"
	ActionApprovalRejected   = "approval_rejected"
	ActionAlertDispatched    = "alert_dispatched"
	ActionBlockedPrefix      = "blocked:"
	ActionBlockedDuplicateOp = ActionBlockedPrefix + "duplicate_operation"
	ActorSystem              = "system"
	actorUserScheme          = "user:"
)

// BlockedAction returns the action name recorded when action is denied.
func BlockedAction(action string) string {
	return ActionBlockedPrefix + action
}

// ActorIdentity normalizes a caller-supplied actor id into the identity
// string stored on receipts. Bare ids become "user:<id>"; ids that already
// carry a scheme, and the system actor, are returned unchanged.
func ActorIdentity(id string) string {
	if id == "" || id == ActorSystem || strings.Contains(id, ":") {
		return id
	}
	return actorUserScheme + id
}

// Receipt is the atomic unit of audit evidence. Every field is write-once
// except RequiresReview, ReviewedAt and ReviewedBy, which change exactly once
// when the review is completed.
type Receipt struct {
	ID             string         `json:"id"`
	Sequence       uint64         `json:"sequence"`
	Timestamp      time.Time      `json:"timestamp"`
	Action         string         `json:"action"`
	Actor          string         `json:"actor"`
	Details        map[string]any `json:"details"`
	EvidenceHash   string         `json:"evidence_hash"`
	Outcome        Outcome        `json:"outcome"`
	Severity       Severity       `json:"severity,omitempty"`
	Signature      string         `json:"signature"`
	RequiresReview bool           `json:"requires_review"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	ReviewedBy     string         `json:"reviewed_by,omitempty"`
}

// SignedFields returns the identity fields covered by the receipt signature.
// Mutable review fields and the raw details are deliberately absent; the
// evidence hash already binds the details.
func (r *Receipt) SignedFields() map[string]any {
	return map[string]any{
		"id":            r.ID,
		"timestamp":     r.Timestamp.UTC().Format(time.RFC3339Nano),
		"action":        r.Action,
		"actor":         r.Actor,
		"evidence_hash": r.EvidenceHash,
		"outcome":       string(r.Outcome),
	}
}

// Clone returns a copy that shares no mutable state with r, so receipts can
// cross the store boundary safely.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	c := *r
	if r.Details != nil {
		details, err := CloneDetails(r.Details)
		if err != nil {
			details = cloneMap(r.Details)
		}
		c.Details = details
	}
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}

// Entry is the caller-supplied part of a receipt. The ledger fills in the
// identity, timestamp, hash and signature.
type Entry struct {
	Action         string
	Actor          string
	Details        map[string]any
	Outcome        Outcome
	Severity       Severity
	RequiresReview bool
}

// Validate checks the entry before anything is persisted.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Action) == "" {
		return &ValidationError{Field: "action", Reason: "must not be empty"}
	}
	if strings.TrimSpace(e.Actor) == "" {
		return &ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	if e.Outcome != "" && !e.Outcome.Valid() {
		return &ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", e.Outcome)}
	}
	if e.Severity.Rank() < 0 {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", e.Severity)}
	}
	return nil
}

// CloneDetails deep-copies receipt details through their JSON form. Numbers
// come back as json.Number, matching what the SQL stores decode.
func CloneDetails(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// cloneMap copies details that cannot round-trip through JSON. Values other
// than nested objects and arrays are shared.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			out[k] = cloneSlice(t)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		switch t := v.(type) {
		case map[string]any:
			out[i] = cloneMap(t)
		case []any:
			out[i] = cloneSlice(t)
		default:
			out[i] = v
		}
	}
	return out
}
