package contracts

import "time"

// AlertThresholds are the conditions an alert config watches. A zero value
// disables that condition.
type AlertThresholds struct {
	// ViolationCount fires when at least this many blocked receipts were
	// written for the actor within ViolationWindow.
	ViolationCount  int           `json:"violation_count" yaml:"violation_count"`
	ViolationWindow time.Duration `json:"violation_window" yaml:"violation_window"`

	// ComplianceScoreMin fires when a supplied score drops below it.
	ComplianceScoreMin float64 `json:"compliance_score_min" yaml:"compliance_score_min"`
}

// AlertConfig is the per-actor alert state. LastAlertSentAt is the only
// field that changes at runtime, once per dispatched alert.
type AlertConfig struct {
	ActorID         string          `json:"actor_id"`
	Channel         string          `json:"channel"`
	Thresholds      AlertThresholds `json:"thresholds"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	LastAlertSentAt *time.Time      `json:"last_alert_sent_at,omitempty"`
}
