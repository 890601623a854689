package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub001/pkg/budget"
	"github.com/ihoward40/SintraPrime-sub001/pkg/config"
)

const samplePolicy = `
schema_version: "1.2.0"
default:
  daily_limit: 20000
  approval_threshold: 7500
actors:
  treasury:
    daily_limit: 500000
    requires_approval: false
  intern:
    daily_limit: 1000
    approval_condition: 'action == "wire_transfer"'
alerts:
  - actor_id: intern
    channel: ops
    cooldown_minutes: 30
    thresholds:
      violation_count: 3
      violation_window: 1h
      compliance_score_min: 80
`

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	pf, err := config.LoadPolicyFile(writePolicy(t, samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", pf.SchemaVersion.String())

	def := budget.DefaultPolicy()
	assert.Equal(t, int64(20000), pf.Default.DailyLimit)
	assert.Equal(t, def.WeeklyLimit, pf.Default.WeeklyLimit, "unset fields keep built-in defaults")
	assert.Equal(t, int64(7500), pf.Default.ApprovalThreshold)
	assert.True(t, pf.Default.RequiresApproval)

	treasury := pf.Actors["treasury"]
	assert.Equal(t, int64(500000), treasury.DailyLimit)
	assert.False(t, treasury.RequiresApproval)
	assert.Equal(t, int64(7500), treasury.ApprovalThreshold, "actors inherit the file default")

	src := pf.Policies()
	assert.Equal(t, int64(1000), src.PolicyFor("intern").DailyLimit)
	assert.Equal(t, int64(20000), src.PolicyFor("someone-else").DailyLimit)

	alerts := pf.AlertConfigs()
	require.Len(t, alerts, 1)
	assert.Equal(t, "intern", alerts[0].ActorID)
	assert.Equal(t, time.Hour, alerts[0].Thresholds.ViolationWindow)
	assert.Equal(t, 3, alerts[0].Thresholds.ViolationCount)
	assert.Equal(t, 80.0, alerts[0].Thresholds.ComplianceScoreMin)
	assert.Nil(t, alerts[0].LastAlertSentAt)
}

func TestParsePolicy_MinimalDocumentUsesDefaults(t *testing.T) {
	pf, err := config.ParsePolicy([]byte(`schema_version: "1.0.0"`))
	require.NoError(t, err)
	assert.Equal(t, budget.DefaultPolicy(), pf.Default)
	assert.Empty(t, pf.Actors)
}

func TestParsePolicy_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing version":      `default: {daily_limit: 1}`,
		"unsupported major":    `schema_version: "2.0.0"`,
		"not semver":           `schema_version: "latest"`,
		"unknown field":        "schema_version: \"1.0.0\"\ndefault:\n  daly_limit: 5\n",
		"fractional cents":     "schema_version: \"1.0.0\"\ndefault:\n  daily_limit: 10.5\n",
		"negative threshold":   "schema_version: \"1.0.0\"\ndefault:\n  approval_threshold: -1\n",
		"bad condition":        "schema_version: \"1.0.0\"\nactors:\n  a:\n    approval_condition: 'cost +'\n",
		"non-bool condition":   "schema_version: \"1.0.0\"\nactors:\n  a:\n    approval_condition: 'cost + 1'\n",
		"bad window":           "schema_version: \"1.0.0\"\nalerts:\n  - actor_id: a\n    channel: ops\n    thresholds:\n      violation_window: soon\n",
		"alert without chan":   "schema_version: \"1.0.0\"\nalerts:\n  - actor_id: a\n",
		"duplicate alert":      "schema_version: \"1.0.0\"\nalerts:\n  - {actor_id: a, channel: x}\n  - {actor_id: a, channel: y}\n",
		"empty document":       ``,
		"malformed yaml":       "schema_version: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyFile_Missing(t *testing.T) {
	_, err := config.LoadPolicyFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
