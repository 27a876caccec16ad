// Package engine implements the Decision Engine: the fail-closed orchestrator
// that turns a proposed action into a signed ALLOW, DENY or ESCALATE verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
	"github.com/Mindburn-Labs/helm-gate/pkg/health"
	"github.com/Mindburn-Labs/helm-gate/pkg/observability"
	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
	"github.com/Mindburn-Labs/helm-gate/pkg/semantic"
)

// Config holds the engine's hard time budgets.
type Config struct {
	// ValidationTimeout is the end-to-end budget a verdict must meet to be
	// certifiable. Exceeding it is logged; the verdict is still returned.
	ValidationTimeout time.Duration
	// ValidatorTimeout is the shared deadline for the whole validator fan-out.
	ValidatorTimeout time.Duration
	// SemanticTimeout bounds each call to the semantic authority backend.
	SemanticTimeout time.Duration
}

// DefaultConfig returns the production budgets.
func DefaultConfig() Config {
	return Config{
		ValidationTimeout: 200 * time.Millisecond,
		ValidatorTimeout:  150 * time.Millisecond,
		SemanticTimeout:   500 * time.Millisecond,
	}
}

// HealthChecker reports whether the semantic backend is reachable.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Recorder receives every verdict the engine returns.
type Recorder interface {
	Begin(ctx context.Context) func()
	RecordVerdict(ctx context.Context, v *contracts.Verdict)
}

type nopRecorder struct{}

func (nopRecorder) Begin(context.Context) func()                         { return func() {} }
func (nopRecorder) RecordVerdict(context.Context, *contracts.Verdict) {}

// Engine orchestrates semantic authority, validators and signing.
type Engine struct {
	cfg      Config
	semantic semantic.Client
	registry *registry.Registry
	health   HealthChecker
	signer   crypto.Signer
	recorder Recorder
	tracer   trace.Tracer
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the time budgets. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.ValidationTimeout > 0 {
			e.cfg.ValidationTimeout = cfg.ValidationTimeout
		}
		if cfg.ValidatorTimeout > 0 {
			e.cfg.ValidatorTimeout = cfg.ValidatorTimeout
		}
		if cfg.SemanticTimeout > 0 {
			e.cfg.SemanticTimeout = cfg.SemanticTimeout
		}
	}
}

// WithHealthChecker replaces the default monitor built over the client.
func WithHealthChecker(h HealthChecker) Option { return func(e *Engine) { e.health = h } }

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithClock overrides the verdict timestamp source.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New builds an engine. The health monitor defaults to a health.Monitor that
// pings client.
func New(client semantic.Client, reg *registry.Registry, signer crypto.Signer, opts ...Option) *Engine {
	e := &Engine{
		cfg:      DefaultConfig(),
		semantic: client,
		registry: reg,
		signer:   signer,
		recorder: nopRecorder{},
		tracer:   otel.Tracer(observability.InstrumentationName),
		clock:    time.Now,
		logger:   slog.Default().With("component", "decision_engine"),
	}
	for _, o := range opts {
		o(e)
	}
	if e.health == nil {
		e.health = health.NewMonitor(client)
	}
	return e
}

// Config returns the effective budgets.
func (e *Engine) Config() Config { return e.cfg }

// request carries the per-evaluation inputs through the pipeline.
type request struct {
	action  contracts.ActionPrimitive
	level   contracts.AuthorityLevel
	traceID string
	agentID string

	received time.Time // request receipt, kept for operational timeouts
	start    time.Time // reported latency clock, restarted after the health check
}

func (r *request) elapsedMs() float64 {
	return float64(time.Since(r.start).Microseconds()) / 1000.0
}

func (r *request) wallMs() float64 {
	return float64(time.Since(r.received).Microseconds()) / 1000.0
}

// Evaluate runs the full pipeline. It never panics and never returns nil;
// every failure mode resolves to a DENY verdict. An empty traceID is replaced
// with a generated UUID.
func (e *Engine) Evaluate(ctx context.Context, action contracts.ActionPrimitive, level contracts.AuthorityLevel, traceID, agentID string) (v *contracts.Verdict) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	now := time.Now()
	req := &request{action: action, level: level, traceID: traceID, agentID: agentID, received: now, start: now}

	ctx, span := e.tracer.Start(ctx, "gate.evaluate",
		trace.WithAttributes(observability.ActionAttributes(action, level)...),
		trace.WithAttributes(observability.AttrTraceID.String(traceID)),
	)
	done := e.recorder.Begin(ctx)

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "gate internal error",
				"trace_id", traceID,
				"verb", action.Verb,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			v = e.failClosed(req,
				fmt.Sprintf("%s | Unexpected exception: %v", contracts.TagGateInternalError, r),
				"Validation Gate internal error - fail-closed for safety")
		}
		done()
		e.recorder.RecordVerdict(ctx, v)
		span.SetAttributes(
			observability.AttrDecision.String(string(v.Decision)),
			observability.AttrCertifiable.Bool(v.IsCertifiable()),
		)
		if v.Decision == contracts.DecisionDeny && v.Signature == "" {
			span.SetStatus(codes.Error, v.Reason)
		}
		span.End()
	}()

	return e.evaluate(ctx, req)
}

func (e *Engine) evaluate(ctx context.Context, req *request) *contracts.Verdict {
	if !e.health.IsHealthy(ctx) {
		e.logger.ErrorContext(ctx, "validation denied: backend unhealthy",
			"trace_id", req.traceID, "wall_ms", req.wallMs())
		return e.failClosed(req,
			contracts.TagValidatorUnhealthy+" | Semantic authority backend unreachable",
			"Health check failed")
	}
	// Health-check time is not charged to the reported latency.
	req.start = time.Now()

	e.logger.InfoContext(ctx, "validation started",
		"trace_id", req.traceID,
		"domain", req.action.Domain,
		"verb", req.action.Verb,
		"amm_level", int(req.level),
	)

	sv, err := callWithDeadline(ctx, e.cfg.SemanticTimeout,
		func(ctx context.Context) (contracts.SemanticVerdict, error) {
			return e.semantic.ValidateSemanticAuthority(ctx, req.action, req.level)
		})
	if err != nil {
		return e.semanticFailure(ctx, req, err)
	}

	if sv.Decision == contracts.DecisionDeny {
		e.logger.InfoContext(ctx, "validation denied: semantic",
			"trace_id", req.traceID, "reason", sv.Reason, "latency_ms", req.elapsedMs())
		return e.sign(ctx, req, e.verdict(req, contracts.DecisionDeny, sv.Reason, sv, nil))
	}

	names, err := callWithDeadline(ctx, e.cfg.SemanticTimeout,
		func(ctx context.Context) ([]string, error) {
			return e.semantic.RequiredValidators(ctx, req.action)
		})
	if err != nil {
		e.logger.ErrorContext(ctx, "required validator lookup failed", "trace_id", req.traceID, "error", err)
		return e.failClosed(req,
			fmt.Sprintf("%s | %v", contracts.TagValidatorLookupFailed, err),
			"Required validator lookup failed")
	}
	if len(names) == 0 {
		e.logger.InfoContext(ctx, "validation allowed: no validators",
			"trace_id", req.traceID, "latency_ms", req.elapsedMs())
		return e.sign(ctx, req, e.verdict(req, contracts.DecisionAllow, "No validators required for this action", sv, nil))
	}

	vs, err := e.registry.Resolve(names)
	if err != nil {
		e.logger.ErrorContext(ctx, "validator resolution failed", "trace_id", req.traceID, "error", err)
		return e.failClosed(req,
			fmt.Sprintf("%s | %v", contracts.TagValidatorNotFound, err),
			"Validator registry lookup failed")
	}

	results, timedOut := runValidators(ctx, vs, req.action, e.cfg.ValidatorTimeout)
	if timedOut {
		e.logger.ErrorContext(ctx, "validators timed out",
			"trace_id", req.traceID, "timeout_ms", e.cfg.ValidatorTimeout.Milliseconds())
		reason := fmt.Sprintf("Validation timeout: exceeded %dms budget", e.cfg.ValidatorTimeout.Milliseconds())
		return e.sign(ctx, req, e.verdict(req, contracts.DecisionDeny, reason, sv, timeoutResults(vs, e.cfg.ValidatorTimeout)))
	}

	decision, reason := Aggregate(sv, results)
	return e.sign(ctx, req, e.verdict(req, decision, reason, sv, results))
}

func (e *Engine) semanticFailure(ctx context.Context, req *request, err error) *contracts.Verdict {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.ErrorContext(ctx, "semantic validation timeout",
			"trace_id", req.traceID, "timeout_ms", e.cfg.SemanticTimeout.Milliseconds())
		return e.failClosed(req,
			fmt.Sprintf("%s | Semantic authority query exceeded %dms", contracts.TagSemanticTimeout, e.cfg.SemanticTimeout.Milliseconds()),
			"Semantic validation timeout")
	case errors.Is(err, contracts.ErrOntologyNotFound):
		e.logger.ErrorContext(ctx, "ontology not found",
			"trace_id", req.traceID, "domain", req.action.Domain, "error", err)
		return e.failClosed(req,
			fmt.Sprintf("%s | %s | %v", contracts.TagSemanticError, contracts.TagOntologyNotFound, err),
			fmt.Sprintf("Semantic validation failed: %v", err))
	default:
		e.logger.ErrorContext(ctx, "semantic validation error", "trace_id", req.traceID, "error", err)
		return e.failClosed(req,
			fmt.Sprintf("%s | %v", contracts.TagSemanticError, err),
			fmt.Sprintf("Semantic validation failed: %v", err))
	}
}

func (e *Engine) verdict(req *request, d contracts.Decision, reason string, sv contracts.SemanticVerdict, results []contracts.ValidatorResult) *contracts.Verdict {
	return &contracts.Verdict{
		TraceID:          req.traceID,
		Decision:         d,
		Reason:           reason,
		AuthorityLevel:   req.level,
		SemanticVerdict:  sv,
		ValidatorResults: results,
		TotalLatencyMs:   req.elapsedMs(),
		Timestamp:        e.clock().UTC(),
		Action:           req.action,
		AgentID:          req.agentID,
	}
}

// failClosed builds an unsigned DENY with a synthesized semantic denial and
// no validator results.
func (e *Engine) failClosed(req *request, reason, semanticReason string) *contracts.Verdict {
	return &contracts.Verdict{
		TraceID:          req.traceID,
		Decision:         contracts.DecisionDeny,
		Reason:           reason,
		AuthorityLevel:   req.level,
		SemanticVerdict:  contracts.DeniedSemanticVerdict(semanticReason),
		ValidatorResults: []contracts.ValidatorResult{},
		TotalLatencyMs:   req.elapsedMs(),
		Timestamp:        e.clock().UTC(),
		Action:           req.action,
		AgentID:          req.agentID,
	}
}

// sign attaches the signature, or discards v for a fresh DENY when signing
// fails. An unsigned ALLOW never leaves the engine.
func (e *Engine) sign(ctx context.Context, req *request, v *contracts.Verdict) *contracts.Verdict {
	if err := crypto.SignVerdict(e.signer, v); err != nil {
		e.logger.ErrorContext(ctx, "signature generation failed",
			"trace_id", req.traceID, "discarded_decision", string(v.Decision), "error", err)
		return e.failClosed(req,
			fmt.Sprintf("%s | Integrity cannot be guaranteed: %v", contracts.TagSignatureFailed, err),
			"Signature generation failed - system integrity compromised")
	}

	if v.TotalLatencyMs > float64(e.cfg.ValidationTimeout.Milliseconds()) {
		e.logger.WarnContext(ctx, "validation exceeded latency budget",
			"trace_id", req.traceID,
			"latency_ms", v.TotalLatencyMs,
			"wall_ms", req.wallMs(),
			"budget_ms", e.cfg.ValidationTimeout.Milliseconds(),
		)
	}
	e.logger.InfoContext(ctx, "validation complete",
		"trace_id", req.traceID,
		"decision", string(v.Decision),
		"latency_ms", v.TotalLatencyMs,
		"wall_ms", req.wallMs(),
		"validator_count", len(v.ValidatorResults),
		"is_certifiable", v.IsCertifiable(),
	)
	return v
}
