// Package alert raises notifications when an actor breaches its alert
// thresholds, at most once per cooldown.
package alert

import "time"

// ShouldFire reports whether an alert may be sent at now. It is true when no
// alert was ever sent or when at least cooldownMinutes have elapsed since
// the last one.
func ShouldFire(now time.Time, lastAlertSentAt *time.Time, cooldownMinutes int) bool {
	if lastAlertSentAt == nil {
		return true
	}
	return now.Sub(*lastAlertSentAt) >= time.Duration(cooldownMinutes)*time.Minute
}
