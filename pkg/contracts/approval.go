package contracts

import "time"

// ApprovalStatus is the state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Terminal reports whether no further transition is possible from s.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// ApprovalRequest tracks human review of a gated action.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	Actor           string         `json:"actor"`
	Action          string         `json:"action"`
	EstimatedCost   int64          `json:"estimated_cost"` // cents
	Justification   string         `json:"justification"`
	Status          ApprovalStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
}

// ApprovalDecision is the terminal transition applied to a pending request.
type ApprovalDecision struct {
	Status    ApprovalStatus
	DecidedAt time.Time
	DecidedBy string
	Reason    string
}
