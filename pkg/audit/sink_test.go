package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

var fixedTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func verdict(trace string, d contracts.Decision, latency float64) *contracts.Verdict {
	return &contracts.Verdict{
		TraceID:         trace,
		Decision:        d,
		Reason:          "test",
		AuthorityLevel:  contracts.ActionableAgency,
		SemanticVerdict: contracts.NewSemanticVerdict(contracts.DecisionAllow, "ok", true, true),
		ValidatorResults: []contracts.ValidatorResult{
			{ValidatorName: "FuelReserveValidator", Decision: contracts.ValidatorPass, Reason: "ok", LatencyMs: 1.5},
		},
		TotalLatencyMs: latency,
		Timestamp:      fixedTime,
		Action: contracts.ActionPrimitive{
			Verb:       "reroute_flight",
			Resource:   "flight:IB3202",
			Domain:     "aviation",
			Parameters: map[string]any{"current_fuel_kg": 6000.0},
			Confidence: 0.95,
		},
		AgentID:   "agent-7",
		Signature: "ed25519:k1:abcd",
	}
}

type recordingSink struct {
	got []*contracts.Verdict
	err error
}

func (r *recordingSink) Write(_ context.Context, v *contracts.Verdict) error {
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, v)
	return nil
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("allow runs action after write", func(t *testing.T) {
		sink := &recordingSink{}
		ran := false
		err := Guard(ctx, sink, verdict("t1", contracts.DecisionAllow, 10), func(context.Context) error {
			require.Len(t, sink.got, 1)
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("deny is written but not executed", func(t *testing.T) {
		sink := &recordingSink{}
		err := Guard(ctx, sink, verdict("t2", contracts.DecisionDeny, 10), func(context.Context) error {
			t.Fatal("action must not run")
			return nil
		})
		assert.ErrorIs(t, err, ErrNotAuthorized)
		assert.Len(t, sink.got, 1)
	})

	t.Run("escalate is not executed", func(t *testing.T) {
		err := Guard(ctx, &recordingSink{}, verdict("t3", contracts.DecisionEscalate, 10), func(context.Context) error {
			t.Fatal("action must not run")
			return nil
		})
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("failed write blocks allow", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("disk full")}
		err := Guard(ctx, sink, verdict("t4", contracts.DecisionAllow, 10), func(context.Context) error {
			t.Fatal("action must not run")
			return nil
		})
		var we *contracts.AuditWriteError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, "t4", we.TraceID)
	})

	t.Run("nil sink fails closed", func(t *testing.T) {
		err := Guard(ctx, nil, verdict("t5", contracts.DecisionAllow, 10), nil)
		var we *contracts.AuditWriteError
		assert.ErrorAs(t, err, &we)
	})

	t.Run("action error propagates", func(t *testing.T) {
		boom := errors.New("actuator offline")
		err := Guard(ctx, &recordingSink{}, verdict("t6", contracts.DecisionAllow, 10), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestMultiSink_StopsOnFirstFailure(t *testing.T) {
	first := &recordingSink{}
	broken := &recordingSink{err: errors.New("broker down")}
	last := &recordingSink{}

	err := MultiSink{first, broken, last}.Write(context.Background(), verdict("m1", contracts.DecisionAllow, 10))
	var we *contracts.AuditWriteError
	require.ErrorAs(t, err, &we)
	assert.Len(t, first.got, 1)
	assert.Empty(t, last.got)

	// Existing AuditWriteErrors are not wrapped twice.
	inner := contracts.NewAuditWriteError("m2", "ledger", nil)
	err = MultiSink{SinkFunc(func(context.Context, *contracts.Verdict) error { return inner })}.
		Write(context.Background(), verdict("m2", contracts.DecisionAllow, 10))
	assert.Same(t, inner, err)
}

func TestJSONLSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf)
	require.NoError(t, sink.Write(context.Background(), verdict("j1", contracts.DecisionAllow, 10)))
	require.NoError(t, sink.Write(context.Background(), verdict("j2", contracts.DecisionDeny, 10)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, LinePrefix))
	}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[0], LinePrefix)), &decoded))
	assert.Equal(t, "j1", decoded["trace_id"])
	assert.Equal(t, true, decoded["is_certifiable"])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestJSONLSink_WriteFailure(t *testing.T) {
	err := NewJSONLSink(failingWriter{}).Write(context.Background(), verdict("j3", contracts.DecisionAllow, 10))
	var we *contracts.AuditWriteError
	assert.ErrorAs(t, err, &we)
}
