package state

import (
	"context"
	"fmt"
)

// GuardInput is what a guard predicate sees: the current user text plus turn
// metadata supplied by the caller.
type GuardInput struct {
	UserQuery string
	Metadata  map[string]any
}

// GuardDecision is the outcome of evaluating a guard.
type GuardDecision struct {
	Allowed bool
	Message string
}

// GuardFunc is an async predicate gating entry to or exit from a state.
type GuardFunc func(ctx context.Context, in GuardInput) (GuardDecision, error)

// EvaluateGuard runs a guard and fails closed: a nil guard allows, while an
// error or panic denies with the condition reported in the decision message
// rather than propagated.
func EvaluateGuard(ctx context.Context, guard GuardFunc, in GuardInput) GuardDecision {
	if guard == nil {
		return GuardDecision{Allowed: true}
	}

	decision, err := runGuard(ctx, guard, in)
	if err != nil {
		return GuardDecision{Allowed: false, Message: fmt.Sprintf("guard evaluation failed: %v", err)}
	}
	return decision
}

func runGuard(ctx context.Context, guard GuardFunc, in GuardInput) (decision GuardDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guard panicked: %v", r)
		}
	}()
	return guard(ctx, in)
}
