package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// ConstraintName is the registered name of the CEL constraint validator.
const ConstraintName = "ConstraintValidator"

// Constraint is a declarative rule attached to a verb in the ontology, for
// example `params.amount <= 15000.0`.
type Constraint struct {
	ID          string `json:"id" yaml:"id"`
	Expression  string `json:"expression" yaml:"expression"`
	Citation    string `json:"citation,omitempty" yaml:"citation,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ConstraintSource supplies the constraints for a verb.
type ConstraintSource interface {
	Constraints(ctx context.Context, domain, verb string) ([]Constraint, error)
}

// ConstraintChecker evaluates ontology constraints with CEL. Compiled programs
// are cached by expression.
type ConstraintChecker struct {
	source   ConstraintSource
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewConstraintChecker builds the CEL environment. Expressions see verb,
// resource, domain, confidence and params.
func NewConstraintChecker(source ConstraintSource) (*ConstraintChecker, error) {
	env, err := cel.NewEnv(
		cel.Variable("verb", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("domain", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ConstraintChecker{
		source:   source,
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// NewConstraint wraps a ConstraintChecker as a Validator.
func NewConstraint(source ConstraintSource) (Validator, error) {
	c, err := NewConstraintChecker(source)
	if err != nil {
		return nil, err
	}
	return New(ConstraintName, DefaultTimeout, c.Check), nil
}

// Check implements Rule. The first violated constraint fails the action.
func (c *ConstraintChecker) Check(ctx context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	constraints, err := c.source.Constraints(ctx, a.Domain, a.Verb)
	if err != nil {
		return Outcome{}, fmt.Errorf("load constraints: %w", err)
	}
	if len(constraints) == 0 {
		return NotApplicable(), nil
	}

	params, err := jsonParams(a.Parameters)
	if err != nil {
		return Outcome{}, err
	}
	input := map[string]any{
		"verb":       a.Verb,
		"resource":   a.Resource,
		"domain":     a.Domain,
		"confidence": a.Confidence,
		"params":     params,
	}

	for _, k := range constraints {
		ok, err := c.evaluateExpr(k.Expression, input)
		if err != nil {
			return Outcome{}, fmt.Errorf("constraint %s: %w", k.ID, err)
		}
		if !ok {
			return Fail(k.Citation, "Constraint %s violated: %s", k.ID, k.Expression), nil
		}
	}
	return Pass("All %d constraints satisfied", len(constraints)), nil
}

func (c *ConstraintChecker) evaluateExpr(expr string, input map[string]any) (bool, error) {
	c.mu.RLock()
	prg, hit := c.prgCache[expr]
	c.mu.RUnlock()

	if !hit {
		c.mu.Lock()
		if prg, hit = c.prgCache[expr]; !hit {
			ast, issues := c.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				c.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := c.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				c.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			c.prgCache[expr] = p
			prg = p
		}
		c.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// jsonParams normalizes parameters to the shapes encoding/json produces, so
// numbers are always float64 for CEL and JSON Schema.
func jsonParams(p map[string]any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return out, nil
}
