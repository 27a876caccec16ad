// Package validators implements the independent, stateless compliance checks
// the gate runs after an action clears semantic authority. Each check is a
// pure Rule wrapped once by New, which owns timing and failure conversion.
package validators

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// DefaultTimeout is the advisory per-validator budget. The engine enforces the
// shared fan-out deadline, not this value.
const DefaultTimeout = 50 * time.Millisecond

const notApplicable = "Not applicable to this action"

// Validator checks one domain rule against one action.
type Validator interface {
	Name() string
	Timeout() time.Duration
	Validate(ctx context.Context, action contracts.ActionPrimitive) contracts.ValidatorResult
}

// Outcome is what a Rule decides. Citation is kept only on failure.
type Outcome struct {
	Pass     bool
	Reason   string
	Citation string
}

// Pass builds a passing outcome.
func Pass(format string, args ...any) Outcome {
	return Outcome{Pass: true, Reason: fmt.Sprintf(format, args...)}
}

// Fail builds a failing outcome citing a regulation.
func Fail(citation, format string, args ...any) Outcome {
	return Outcome{Reason: fmt.Sprintf(format, args...), Citation: citation}
}

// NotApplicable is returned by rules for verbs they do not govern.
func NotApplicable() Outcome {
	return Outcome{Pass: true, Reason: notApplicable}
}

// Rule is the pure decision function behind a validator.
type Rule func(ctx context.Context, action contracts.ActionPrimitive) (Outcome, error)

type ruleValidator struct {
	name    string
	timeout time.Duration
	rule    Rule
	now     func() time.Time
}

// New wraps rule with latency measurement and panic/error conversion. A rule
// that errors or panics yields FAIL with no citation; nothing escapes.
func New(name string, timeout time.Duration, rule Rule) Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ruleValidator{name: name, timeout: timeout, rule: rule, now: time.Now}
}

func (v *ruleValidator) Name() string           { return v.name }
func (v *ruleValidator) Timeout() time.Duration { return v.timeout }

func (v *ruleValidator) Validate(ctx context.Context, action contracts.ActionPrimitive) (res contracts.ValidatorResult) {
	start := v.now()
	res.ValidatorName = v.name

	defer func() {
		if r := recover(); r != nil {
			res.Decision = contracts.ValidatorFail
			res.Reason = fmt.Sprintf("Validator exception: %v", r)
			res.RuleViolated = ""
		}
		res.LatencyMs = elapsedMs(start, v.now())
	}()

	out, err := v.rule(ctx, action)
	if err != nil {
		res.Decision = contracts.ValidatorFail
		res.Reason = fmt.Sprintf("Validator exception: %v", err)
		return res
	}

	res.Reason = out.Reason
	if out.Pass {
		res.Decision = contracts.ValidatorPass
		return res
	}
	res.Decision = contracts.ValidatorFail
	res.RuleViolated = out.Citation
	return res
}

func elapsedMs(start, end time.Time) float64 {
	ms := float64(end.Sub(start).Microseconds()) / 1000.0
	if ms < 0 {
		return 0
	}
	return ms
}
