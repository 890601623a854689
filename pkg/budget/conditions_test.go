package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluator(t *testing.T) {
	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	in := ConditionInput{Actor: "user:7", Action: "wire_transfer", Cost: 2500, Daily: 9000}

	tests := []struct {
		expr string
		want bool
	}{
		{`cost > 2000`, true},
		{`daily + cost > 10000`, true},
		{`actor.startsWith("svc:")`, false},
		{`action in ["wire_transfer", "ach_push"] && weekly == 0`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluator_Rejects(t *testing.T) {
	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	assert.Error(t, e.Compile(`cost +`), "syntax error")
	assert.Error(t, e.Compile(`cost + 1`), "non-boolean result")
	assert.Error(t, e.Compile(`unknown_var > 1`), "undeclared variable")
	assert.NoError(t, e.Compile(`monthly >= 0`))

	_, err = e.Evaluate(`cost / daily > 1`, ConditionInput{Cost: 5})
	assert.Error(t, err, "division by zero surfaces as an evaluation error")
}

func TestConditionEvaluator_CachesPrograms(t *testing.T) {
	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	require.NoError(t, e.Compile(`cost > 1`))
	require.NoError(t, e.Compile(`cost > 1`))
	assert.Len(t, e.prgCache, 1)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{ApprovalThreshold: -1}.Validate())
}

func TestStaticPolicies(t *testing.T) {
	src := NewStaticPolicies(DefaultPolicy())
	src.Set("vip", Policy{DailyLimit: 1})

	assert.Equal(t, int64(1), src.PolicyFor("vip").DailyLimit)
	assert.Equal(t, DefaultPolicy(), src.PolicyFor("anyone"))
}

func TestActorLocksReleased(t *testing.T) {
	l := newActorLocks()
	unlockA := l.lock("a")
	unlockB := l.lock("b")
	assert.Equal(t, 2, l.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, l.size())
}
