// Package audit persists verdicts before the actions they govern may run.
// Every sink reports failure as *contracts.AuditWriteError and a verdict that
// could not be written never authorizes anything.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// ErrNotAuthorized is returned by Guard when the verdict is not ALLOW.
var ErrNotAuthorized = errors.New("action not authorized by verdict")

// Sink persists a verdict.
type Sink interface {
	Write(ctx context.Context, v *contracts.Verdict) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, v *contracts.Verdict) error

func (f SinkFunc) Write(ctx context.Context, v *contracts.Verdict) error { return f(ctx, v) }

// Guard writes the verdict and then runs action, but only when the verdict is
// ALLOW and the write succeeded. Audit failures are returned as
// *contracts.AuditWriteError; non-ALLOW verdicts wrap ErrNotAuthorized.
func Guard(ctx context.Context, sink Sink, v *contracts.Verdict, action func(context.Context) error) error {
	if v == nil {
		return contracts.NewAuditWriteError("", "nil verdict", nil)
	}
	if sink == nil {
		return contracts.NewAuditWriteError(v.TraceID, "audit sink not configured", nil)
	}
	if err := sink.Write(ctx, v); err != nil {
		return asWriteError(v.TraceID, err)
	}
	if v.Decision != contracts.DecisionAllow {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, v.Decision)
	}
	if action == nil {
		return nil
	}
	return action(ctx)
}

// MultiSink writes to every sink in order and fails on the first error.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, v *contracts.Verdict) error {
	for _, s := range m {
		if err := s.Write(ctx, v); err != nil {
			return asWriteError(v.TraceID, err)
		}
	}
	return nil
}

func asWriteError(traceID string, err error) error {
	var we *contracts.AuditWriteError
	if errors.As(err, &we) {
		return err
	}
	return contracts.NewAuditWriteError(traceID, "sink write failed", err)
}
