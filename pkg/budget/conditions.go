package budget

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionInput is the activation passed to approval conditions.
type ConditionInput struct {
	Actor   string
	Action  string
	Cost    int64
	Daily   int64
	Weekly  int64
	Monthly int64
}

// ConditionEvaluator compiles and caches CEL approval conditions.
type ConditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewConditionEvaluator declares the condition variables.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("cost", cel.IntType),
		cel.Variable("daily", cel.IntType),
		cel.Variable("weekly", cel.IntType),
		cel.Variable("monthly", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ConditionEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Compile checks that expr is a valid boolean condition and caches it.
func (e *ConditionEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: condition must be boolean, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// Evaluate runs expr against in.
func (e *ConditionEvaluator) Evaluate(expr string, in ConditionInput) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"actor":   in.Actor,
		"action":  in.Action,
		"cost":    in.Cost,
		"daily":   in.Daily,
		"weekly":  in.Weekly,
		"monthly": in.Monthly,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
