// Package budget is the spending policy gate. It keeps rolling daily, weekly
// and monthly counters per actor, denies actions that would exceed a limit,
// escalates costly actions to human approval and receipts every denial and
// every recorded spend in the ledger. All amounts are in cents.
package budget

import (
	"fmt"
	"sync"
)

// Policy holds the limits applied to one actor. A limit <= 0 disables that
// window.
type Policy struct {
	DailyLimit        int64 `json:"daily_limit" yaml:"daily_limit"`
	WeeklyLimit       int64 `json:"weekly_limit" yaml:"weekly_limit"`
	MonthlyLimit      int64 `json:"monthly_limit" yaml:"monthly_limit"`
	ApprovalThreshold int64 `json:"approval_threshold" yaml:"approval_threshold"`
	RequiresApproval  bool  `json:"requires_approval" yaml:"requires_approval"`
	// ApprovalCondition is an optional CEL expression over actor, action,
	// cost, daily, weekly and monthly. When it evaluates to true the action
	// needs approval regardless of the threshold.
	ApprovalCondition string `json:"approval_condition,omitempty" yaml:"approval_condition,omitempty"`
}

// DefaultPolicy is used when no policy file is configured: $100/day,
// $500/week, $2,000/month, approval at $50.
func DefaultPolicy() Policy {
	return Policy{
		DailyLimit:        10000,
		WeeklyLimit:       50000,
		MonthlyLimit:      200000,
		ApprovalThreshold: 5000,
		RequiresApproval:  true,
	}
}

// Validate rejects negative thresholds.
func (p Policy) Validate() error {
	if p.ApprovalThreshold < 0 {
		return fmt.Errorf("approval_threshold must not be negative")
	}
	return nil
}

// needsApprovalByThreshold applies the static threshold rule.
func (p Policy) needsApprovalByThreshold(cost int64) bool {
	return p.RequiresApproval && cost >= p.ApprovalThreshold
}

// PolicySource resolves the policy for an actor.
type PolicySource interface {
	PolicyFor(actorID string) Policy
}

// StaticPolicies resolves per-actor overrides, falling back to Default.
type StaticPolicies struct {
	mu        sync.RWMutex
	Default   Policy
	Overrides map[string]Policy
}

// NewStaticPolicies creates a source with the given default.
func NewStaticPolicies(def Policy) *StaticPolicies {
	return &StaticPolicies{Default: def, Overrides: make(map[string]Policy)}
}

// Set installs an override for actorID.
func (s *StaticPolicies) Set(actorID string, p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Overrides == nil {
		s.Overrides = make(map[string]Policy)
	}
	s.Overrides[actorID] = p
}

func (s *StaticPolicies) PolicyFor(actorID string) Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.Overrides[actorID]; ok {
		return p
	}
	return s.Default
}
