package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/crypto"
	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
	"github.com/Mindburn-Labs/helm-gate/pkg/semantic"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

type fakeClient struct {
	verdict    contracts.SemanticVerdict
	err        error
	delay      time.Duration
	panicMsg   string
	validators []string
	lookupErr  error

	authorityCalls atomic.Int32
	lookupCalls    atomic.Int32
}

func allowing(names ...string) *fakeClient {
	return &fakeClient{
		verdict:    contracts.NewSemanticVerdict(contracts.DecisionAllow, "Action authorized: reroute_flight @ AMM L3", true, true),
		validators: names,
	}
}

func (f *fakeClient) ValidateSemanticAuthority(context.Context, contracts.ActionPrimitive, contracts.AuthorityLevel) (contracts.SemanticVerdict, error) {
	f.authorityCalls.Add(1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.verdict, f.err
}

func (f *fakeClient) RequiredValidators(context.Context, contracts.ActionPrimitive) ([]string, error) {
	f.lookupCalls.Add(1)
	return f.validators, f.lookupErr
}

func (f *fakeClient) Ping(context.Context) error { return nil }

type staticHealth bool

func (h staticHealth) IsHealthy(context.Context) bool { return bool(h) }

type failingSigner struct{}

func (failingSigner) Sign([]byte) (string, error) { return "", errors.New("hsm offline") }
func (failingSigner) KeyID() string               { return "broken" }

type captureRecorder struct {
	mu       sync.Mutex
	verdicts []*contracts.Verdict
	active   int
}

func (r *captureRecorder) Begin(context.Context) func() {
	r.mu.Lock()
	r.active++
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}
}

func (r *captureRecorder) RecordVerdict(_ context.Context, v *contracts.Verdict) {
	r.mu.Lock()
	r.verdicts = append(r.verdicts, v)
	r.mu.Unlock()
}

func passing(name string, delay time.Duration) validators.Validator {
	return validators.New(name, 0, func(context.Context, contracts.ActionPrimitive) (validators.Outcome, error) {
		time.Sleep(delay)
		return validators.Pass("%s ok", name), nil
	})
}

func failing(name, citation string) validators.Validator {
	return validators.New(name, 0, func(context.Context, contracts.ActionPrimitive) (validators.Outcome, error) {
		return validators.Fail(citation, "%s rejected", name), nil
	})
}

// rawPanicker implements Validator directly, without the validators.New guard.
type rawPanicker struct{ name string }

func (p rawPanicker) Name() string           { return p.name }
func (p rawPanicker) Timeout() time.Duration { return validators.DefaultTimeout }
func (p rawPanicker) Validate(context.Context, contracts.ActionPrimitive) contracts.ValidatorResult {
	panic("nil map write")
}

func newRegistry(t *testing.T, vs ...validators.Validator) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, v := range vs {
		require.NoError(t, r.RegisterValidator(v))
	}
	return r
}

func testSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519SignerFromSeed("test", []byte("engine test seed"))
	require.NoError(t, err)
	return s
}

func action(t *testing.T) contracts.ActionPrimitive {
	t.Helper()
	a, err := contracts.NewActionPrimitive("reroute_flight", "flight:IB3456", "aviation",
		map[string]any{"current_fuel_kg": 6000, "new_distance_nm": 40}, 0.95)
	require.NoError(t, err)
	return a
}

func newEngine(t *testing.T, c semantic.Client, r *registry.Registry, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithHealthChecker(staticHealth(true))}, opts...)
	return New(c, r, testSigner(t), opts...)
}

func TestEvaluate_AllPassIsCertifiable(t *testing.T) {
	c := allowing("FuelReserveValidator", "CrewRestValidator")
	e := newEngine(t, c, newRegistry(t, passing("FuelReserveValidator", 0), passing("CrewRestValidator", 0)))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "trace-ok", "agent-7")

	assert.Equal(t, contracts.DecisionAllow, v.Decision)
	assert.Equal(t, "All validators passed: FuelReserveValidator, CrewRestValidator | Semantic coverage: 1.0", v.Reason)
	assert.Equal(t, 1.0, v.SemanticVerdict.Coverage)
	assert.True(t, v.IsCertifiable())
	assert.Less(t, v.TotalLatencyMs, 150.0)
	assert.Equal(t, "trace-ok", v.TraceID)
	assert.Equal(t, "agent-7", v.AgentID)
	assert.Equal(t, contracts.ActionableAgency, v.AuthorityLevel)
	require.NotEmpty(t, v.Signature)
	assert.NoError(t, crypto.VerifyVerdict(testSigner(t), v))
}

func TestEvaluate_InsufficientAuthority(t *testing.T) {
	c := &fakeClient{verdict: contracts.NewSemanticVerdict(contracts.DecisionDeny,
		"Action requires AMM Level 3, but agent is Level 2", true, false)}
	e := newEngine(t, c, newRegistry(t))

	v := e.Evaluate(context.Background(), action(t), contracts.HumanTeaming, "t", "")

	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.False(t, v.SemanticVerdict.AuthorityAuthorized)
	assert.Empty(t, v.ValidatorResults)
	assert.Equal(t, int32(0), c.lookupCalls.Load(), "validators never run after a semantic denial")
	assert.NotEmpty(t, v.Signature)
}

func TestEvaluate_UngovernedVerb(t *testing.T) {
	c := &fakeClient{verdict: contracts.NewSemanticVerdict(contracts.DecisionDeny,
		"Verb 'launch_missile' not found in ontology 'aviation' v2.1.0", false, false)}
	e := newEngine(t, c, newRegistry(t))

	v := e.Evaluate(context.Background(), action(t), contracts.FullSystemicAutonomy, "t", "")

	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.False(t, v.SemanticVerdict.OntologyMatch)
	assert.Less(t, v.SemanticVerdict.Coverage, 1.0)
	assert.Empty(t, v.ValidatorResults)
	assert.Less(t, v.TotalLatencyMs, 50.0)
}

func TestEvaluate_ValidatorException(t *testing.T) {
	boom := validators.New("DosageValidator", 0, func(context.Context, contracts.ActionPrimitive) (validators.Outcome, error) {
		return validators.Outcome{}, errors.New("formulary unavailable")
	})
	c := allowing("FuelReserveValidator", "DosageValidator", "RawValidator")
	e := newEngine(t, c, newRegistry(t, passing("FuelReserveValidator", 0), boom, rawPanicker{name: "RawValidator"}))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	require.Len(t, v.ValidatorResults, 3)
	for _, r := range v.ValidatorResults[1:] {
		assert.Equal(t, contracts.ValidatorFail, r.Decision)
		assert.Contains(t, r.Reason, "exception")
		assert.Empty(t, r.RuleViolated)
	}
	assert.Equal(t, "Validators failed: DosageValidator, RawValidator", v.Reason)
}

func TestEvaluate_SemanticTimeout(t *testing.T) {
	c := allowing()
	c.delay = 600 * time.Millisecond
	e := newEngine(t, c, newRegistry(t))

	start := time.Now()
	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.Contains(t, v.Reason, contracts.TagSemanticTimeout)
	assert.Empty(t, v.Signature)
	assert.Less(t, time.Since(start), 590*time.Millisecond, "the engine does not wait for a slow backend")
}

func TestEvaluate_Unhealthy(t *testing.T) {
	c := allowing("FuelReserveValidator")
	e := New(c, newRegistry(t, passing("FuelReserveValidator", 0)), testSigner(t),
		WithHealthChecker(staticHealth(false)))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.Contains(t, v.Reason, contracts.TagValidatorUnhealthy)
	assert.Equal(t, int32(0), c.authorityCalls.Load())
	assert.Equal(t, int32(0), c.lookupCalls.Load())
	assert.Equal(t, 0.0, v.SemanticVerdict.Coverage)
	assert.Empty(t, v.Signature)
}

func TestEvaluate_ResultsKeepDispatchOrder(t *testing.T) {
	names := []string{"Slow", "Medium", "Fast"}
	c := allowing(names...)
	e := newEngine(t, c, newRegistry(t,
		passing("Slow", 40*time.Millisecond),
		passing("Medium", 20*time.Millisecond),
		passing("Fast", 0),
	))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	require.Len(t, v.ValidatorResults, 3)
	for i, r := range v.ValidatorResults {
		assert.Equal(t, names[i], r.ValidatorName)
	}
	assert.Less(t, v.TotalLatencyMs, 100.0, "validators run concurrently")
}

func TestEvaluate_FanOutDeadlineTimesOutEveryValidator(t *testing.T) {
	c := allowing("Fast", "Stuck")
	e := newEngine(t, c, newRegistry(t, passing("Fast", 0), passing("Stuck", 300*time.Millisecond)),
		WithConfig(Config{ValidatorTimeout: 30 * time.Millisecond}))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.Equal(t, "Validation timeout: exceeded 30ms budget", v.Reason)
	require.Len(t, v.ValidatorResults, 2)
	for _, r := range v.ValidatorResults {
		assert.Equal(t, contracts.ValidatorTimeout, r.Decision)
		assert.Equal(t, "Validator exceeded timeout of 30ms", r.Reason)
		assert.Equal(t, 30.0, r.LatencyMs)
	}
	assert.Equal(t, "Fast", v.ValidatorResults[0].ValidatorName)
}

func TestEvaluate_PartialCoverageEscalates(t *testing.T) {
	c := allowing("FuelReserveValidator")
	c.verdict = contracts.SemanticVerdict{Decision: contracts.DecisionAllow, Reason: "partial", OntologyMatch: true, Coverage: 0.5}
	e := newEngine(t, c, newRegistry(t, passing("FuelReserveValidator", 0)))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	assert.Equal(t, contracts.DecisionEscalate, v.Decision)
	assert.Equal(t, "Semantic coverage 0.50 < 1.0 | Human review required for edge case", v.Reason)
	assert.False(t, v.IsCertifiable())
	assert.NotEmpty(t, v.Signature)
}

func TestEvaluate_NoValidatorsAllows(t *testing.T) {
	c := allowing()
	e := newEngine(t, c, newRegistry(t))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "", "")

	assert.Equal(t, contracts.DecisionAllow, v.Decision)
	assert.Equal(t, "No validators required for this action", v.Reason)
	assert.NotEmpty(t, v.TraceID, "a trace id is generated")
	assert.NotEmpty(t, v.Signature)
}

func TestEvaluate_SignatureFailureDiscardsAllow(t *testing.T) {
	c := allowing("FuelReserveValidator")
	e := New(c, newRegistry(t, passing("FuelReserveValidator", 0)), failingSigner{},
		WithHealthChecker(staticHealth(true)))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.Contains(t, v.Reason, contracts.TagSignatureFailed)
	assert.Contains(t, v.Reason, "hsm offline")
	assert.Empty(t, v.ValidatorResults)
	assert.Empty(t, v.Signature)
	assert.Equal(t, contracts.DecisionDeny, v.SemanticVerdict.Decision)
	assert.Equal(t, 0.0, v.SemanticVerdict.Coverage)
}

func TestEvaluate_FailClosedPaths(t *testing.T) {
	tests := []struct {
		name        string
		client      *fakeClient
		nilRegistry bool
		want        []string
	}{
		{
			name:   "ontology not found",
			client: &fakeClient{err: &contracts.OntologyNotFoundError{Domain: "maritime"}},
			want:   []string{contracts.TagSemanticError, contracts.TagOntologyNotFound, "maritime"},
		},
		{
			name:   "semantic error",
			client: &fakeClient{err: errors.New("bolt: connection reset")},
			want:   []string{contracts.TagSemanticError, "connection reset"},
		},
		{
			name:   "semantic panic",
			client: &fakeClient{panicMsg: "driver bug"},
			want:   []string{contracts.TagSemanticError, "driver bug"},
		},
		{
			name: "lookup failure",
			client: func() *fakeClient {
				c := allowing()
				c.lookupErr = errors.New("relation does not exist")
				return c
			}(),
			want: []string{contracts.TagValidatorLookupFailed, "relation does not exist"},
		},
		{
			name:   "unknown validator",
			client: allowing("GhostValidator"),
			want:   []string{contracts.TagValidatorNotFound, "GhostValidator"},
		},
		{
			name:        "internal error",
			client:      allowing("FuelReserveValidator"),
			nilRegistry: true,
			want:        []string{contracts.TagGateInternalError},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry(t)
			if tt.nilRegistry {
				reg = nil
			}
			e := newEngine(t, tt.client, reg)
			v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

			require.NotNil(t, v)
			assert.Equal(t, contracts.DecisionDeny, v.Decision)
			for _, w := range tt.want {
				assert.Contains(t, v.Reason, w)
			}
			assert.Empty(t, v.Signature)
			assert.Empty(t, v.ValidatorResults)
			assert.Equal(t, "t", v.TraceID)
		})
	}
}

func TestEvaluate_RecorderAndClock(t *testing.T) {
	rec := &captureRecorder{}
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	e := newEngine(t, allowing(), newRegistry(t), WithRecorder(rec), WithClock(func() time.Time { return fixed }))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	assert.Equal(t, fixed.UTC(), v.Timestamp)
	assert.Equal(t, time.UTC, v.Timestamp.Location())
	require.Len(t, rec.verdicts, 1)
	assert.Same(t, v, rec.verdicts[0])
	assert.Equal(t, 0, rec.active)
}

func TestEvaluate_DefaultHealthMonitorPingsClient(t *testing.T) {
	e := New(allowing(), newRegistry(t), testSigner(t))
	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")
	assert.Equal(t, contracts.DecisionAllow, v.Decision)

	e = New(nil, newRegistry(t), testSigner(t))
	v = e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")
	assert.Contains(t, v.Reason, contracts.TagValidatorUnhealthy)
}

func TestEvaluate_WithDefaultOntologyAndRegistry(t *testing.T) {
	client := semantic.NewMemoryClient(mustCatalog(t))
	reg, err := registry.Default(registry.Options{Constraints: client, Schemas: client.Catalog().Schemas()})
	require.NoError(t, err)
	e := newEngine(t, client, reg)
	ctx := context.Background()

	v := e.Evaluate(ctx, action(t), contracts.ActionableAgency, "t1", "")
	assert.Equal(t, contracts.DecisionAllow, v.Decision, v.Reason)
	require.Len(t, v.ValidatorResults, 3)
	assert.Equal(t, validators.SchemaName, v.ValidatorResults[0].ValidatorName)

	low, err := contracts.NewActionPrimitive("reroute_flight", "flight:IB3456", "aviation",
		map[string]any{"current_fuel_kg": 500, "new_distance_nm": 40}, 0.95)
	require.NoError(t, err)
	v = e.Evaluate(ctx, low, contracts.ActionableAgency, "t2", "")
	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.Contains(t, v.Reason, "FuelReserveValidator")
	assert.Contains(t, v.Reason, "Regulations violated: FAA-14-CFR-91.151")

	pay, err := contracts.NewActionPrimitive("initiate_payment", "account:ES91", "fintech",
		map[string]any{"amount": 20000.0, "currency": "EUR", "sca_completed": true, "beneficiary_whitelisted": true, "prior_approval": true}, 0.9)
	require.NoError(t, err)
	v = e.Evaluate(ctx, pay, contracts.ActionableAgency, "t3", "")
	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.Contains(t, v.Reason, validators.ConstraintName)
}

func mustCatalog(t *testing.T) *semantic.Catalog {
	t.Helper()
	c, err := semantic.DefaultCatalog()
	require.NoError(t, err)
	return c
}

func TestEvaluate_CitationsInDenyReason(t *testing.T) {
	c := allowing("PSD2SCAValidator", "BeneficiaryValidator", "AMLThresholdValidator")
	e := newEngine(t, c, newRegistry(t,
		failing("PSD2SCAValidator", "PSD2 RTS (EU) 2018/389 Art. 97"),
		passing("BeneficiaryValidator", 0),
		failing("AMLThresholdValidator", "EU Directive 2018/843 (5AMLD) Art. 11, 13"),
	))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "t", "")

	assert.Equal(t, contracts.DecisionDeny, v.Decision)
	assert.Equal(t, "Validators failed: PSD2SCAValidator, AMLThresholdValidator | "+
		"Regulations violated: PSD2 RTS (EU) 2018/389 Art. 97, EU Directive 2018/843 (5AMLD) Art. 11, 13", v.Reason)
	assert.Equal(t, []string{"PSD2SCAValidator", "AMLThresholdValidator"}, v.FailedValidators())
	assert.NotEmpty(t, v.Signature)
}

type slowHealth time.Duration

func (h slowHealth) IsHealthy(context.Context) bool {
	time.Sleep(time.Duration(h))
	return true
}

func TestEvaluate_WallClockKeepsHealthCheckTime(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := New(allowing(), newRegistry(t), testSigner(t),
		WithHealthChecker(slowHealth(40*time.Millisecond)), WithLogger(logger))

	v := e.Evaluate(context.Background(), action(t), contracts.ActionableAgency, "wall-1", "")
	require.Equal(t, contracts.DecisionAllow, v.Decision)
	assert.Less(t, v.TotalLatencyMs, 40.0, "health check is not charged to reported latency")

	var complete map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line["msg"] == "validation complete" {
			complete = line
		}
	}
	require.NotNil(t, complete)
	assert.GreaterOrEqual(t, complete["wall_ms"], 40.0)
	assert.Equal(t, v.TotalLatencyMs, complete["latency_ms"])
}
