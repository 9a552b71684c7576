package unitfsm

import (
	"context"
	"time"
)

// ConditionResult is the outcome of evaluating one start condition, in the
// vocabulary of unit start conditions (ConditionPathExists=,
// AssertPathExists=, etc.).
type ConditionResult struct {
	Satisfied bool
	Message   string
	CheckedAt time.Time
}

// Condition is a single named precondition a unit file may declare. A
// Condition failure skips the unit's start (and is not itself a failure of
// the unit); an Assertion failure fails the unit outright.
type Condition interface {
	Evaluate(ctx context.Context) ConditionResult
	Name() string
}

// Assertion is a Condition whose failure is fatal to the transaction
// rather than merely skipping the unit.
type Assertion interface {
	Condition
	IsAssertion() bool
}

// FuncCondition adapts a plain function to the Condition interface, for
// the small built-in checks (path existence, file non-empty) the manager
// evaluates itself without a full collaborator.
type FuncCondition struct {
	NameStr string
	Fn      func(ctx context.Context) (bool, string)
	Assert  bool
}

func (c *FuncCondition) Name() string { return c.NameStr }

func (c *FuncCondition) Evaluate(ctx context.Context) ConditionResult {
	ok, msg := c.Fn(ctx)
	return ConditionResult{Satisfied: ok, Message: msg, CheckedAt: time.Now()}
}

func (c *FuncCondition) IsAssertion() bool { return c.Assert }

// EvaluateAll runs every condition in order and stops at the first failure,
// reporting whether it was an Assertion (hard failure) or a plain
// Condition (soft skip).
func EvaluateAll(ctx context.Context, conditions []Condition) (ok bool, hardFailure bool, failed string) {
	for _, c := range conditions {
		res := c.Evaluate(ctx)
		if res.Satisfied {
			continue
		}
		a, isAssert := c.(Assertion)
		return false, isAssert && a.IsAssertion(), c.Name()
	}
	return true, false, ""
}
