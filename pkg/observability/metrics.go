package observability

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Gate semantic attributes.
var (
	AttrDecision          = attribute.Key("gate.decision")
	AttrDomain            = attribute.Key("gate.domain")
	AttrVerb              = attribute.Key("gate.verb")
	AttrAuthorityLevel    = attribute.Key("gate.amm_level")
	AttrValidator         = attribute.Key("gate.validator")
	AttrValidatorDecision = attribute.Key("gate.validator.decision")
	AttrCertifiable       = attribute.Key("gate.certifiable")
	AttrTraceID           = attribute.Key("gate.trace_id")
)

// ActionAttributes describes an action on spans and metrics.
func ActionAttributes(a contracts.ActionPrimitive, level contracts.AuthorityLevel) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDomain.String(a.Domain),
		AttrVerb.String(a.Verb),
		AttrAuthorityLevel.Int(int(level)),
	}
}

// GateMetrics holds the evaluation RED instruments.
type GateMetrics struct {
	evaluations metric.Int64Counter
	latency     metric.Float64Histogram
	validators  metric.Int64Counter
	inFlight    metric.Int64UpDownCounter
	slo         *SLOTracker
}

// NewGateMetrics registers the instruments on meter. slo may be nil.
func NewGateMetrics(meter metric.Meter, slo *SLOTracker) (*GateMetrics, error) {
	m := &GateMetrics{slo: slo}
	var err error

	m.evaluations, err = meter.Int64Counter("gate.evaluations",
		metric.WithDescription("Verdicts produced, by decision"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, err
	}

	m.latency, err = meter.Float64Histogram("gate.evaluation.duration",
		metric.WithDescription("Total evaluation latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 150, 200, 300, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	m.validators, err = meter.Int64Counter("gate.validator.outcomes",
		metric.WithDescription("Validator results, by validator and outcome"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		return nil, err
	}

	m.inFlight, err = meter.Int64UpDownCounter("gate.evaluations.active",
		metric.WithDescription("Evaluations currently in progress"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Begin marks an evaluation in flight; call the returned func when it ends.
func (m *GateMetrics) Begin(ctx context.Context) func() {
	m.inFlight.Add(ctx, 1)
	return func() { m.inFlight.Add(ctx, -1) }
}

// RecordVerdict records the outcome of one evaluation.
func (m *GateMetrics) RecordVerdict(ctx context.Context, v *contracts.Verdict) {
	attrs := metric.WithAttributes(
		AttrDecision.String(string(v.Decision)),
		AttrDomain.String(v.Action.Domain),
		AttrCertifiable.Bool(v.IsCertifiable()),
	)
	m.evaluations.Add(ctx, 1, attrs)
	m.latency.Record(ctx, v.TotalLatencyMs, attrs)

	for _, r := range v.ValidatorResults {
		m.validators.Add(ctx, 1, metric.WithAttributes(
			AttrValidator.String(r.ValidatorName),
			AttrValidatorDecision.String(string(r.Decision)),
		))
	}

	if m.slo != nil {
		m.slo.Record(SLOObservation{
			Operation: OperationEvaluate,
			Latency:   time.Duration(v.TotalLatencyMs * float64(time.Millisecond)),
			Success:   !isFailClosed(v),
		})
	}
}

// isFailClosed reports whether a verdict was produced by an infrastructure
// failure or a blown budget. Policy denials count as SLO successes.
func isFailClosed(v *contracts.Verdict) bool {
	for _, tag := range []string{
		contracts.TagGateInternalError,
		contracts.TagValidatorUnhealthy,
		contracts.TagSemanticTimeout,
		contracts.TagSemanticError,
		contracts.TagSignatureFailed,
		contracts.TagValidatorLookupFailed,
	} {
		if strings.HasPrefix(v.Reason, tag) {
			return true
		}
	}
	for _, r := range v.ValidatorResults {
		if r.Decision == contracts.ValidatorTimeout {
			return true
		}
	}
	return false
}
