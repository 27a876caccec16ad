package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/audit"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/escalation"
	"github.com/Mindburn-Labs/helm-gate/pkg/health"
	"github.com/Mindburn-Labs/helm-gate/pkg/semantic"
)

type fakeEngine struct {
	decision contracts.Decision
	calls    int
	level    contracts.AuthorityLevel
	agentID  string
}

func (f *fakeEngine) Evaluate(_ context.Context, a contracts.ActionPrimitive, level contracts.AuthorityLevel, traceID, agentID string) *contracts.Verdict {
	f.calls++
	f.level = level
	f.agentID = agentID
	return &contracts.Verdict{
		TraceID:         traceID,
		Decision:        f.decision,
		Reason:          "test",
		AuthorityLevel:  level,
		SemanticVerdict: contracts.SemanticVerdict{Decision: f.decision, Coverage: 1.0},
		TotalLatencyMs:  12,
		Timestamp:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Action:          a,
		AgentID:         agentID,
	}
}

type fakeKPIs struct {
	hours int
	level contracts.AuthorityLevel
}

func (f *fakeKPIs) Dashboard(context.Context) (audit.Dashboard, error) {
	return audit.Dashboard{ActionsLast24h: 4, DenyRatePct: 25}, nil
}

func (f *fakeKPIs) MTTV(_ context.Context, hours int) (float64, error) {
	f.hours = hours
	return 38.5, nil
}

func (f *fakeKPIs) PassRate(_ context.Context, level contracts.AuthorityLevel) (float64, error) {
	f.level = level
	return 66.67, nil
}

type fakeHealth struct{ ok bool }

func (f fakeHealth) Probe(context.Context) bool { return f.ok }
func (f fakeHealth) Status() health.Status     { return health.Status{Healthy: f.ok} }

type memorySink struct{ written []*contracts.Verdict }

func (m *memorySink) Write(_ context.Context, v *contracts.Verdict) error {
	m.written = append(m.written, v)
	return nil
}

const validBody = `{"action":{"verb":"reroute_flight","resource":"flight:IB3202","domain":"aviation","parameters":{"fuel_margin":0.2},"confidence":0.9},"agent_amm_level":3,"agent_id":"agent-7"}`

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestValidate_AllowIsAuditedAndReturned(t *testing.T) {
	eng := &fakeEngine{decision: contracts.DecisionAllow}
	sink := &memorySink{}
	h := NewServer(Options{Engine: eng, Sink: sink}).Handler()

	w := do(t, h, http.MethodPost, "/v1/validate", validBody, map[string]string{HeaderTraceID: "trace-abc"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "trace-abc", w.Header().Get(HeaderTraceID))

	var resp struct {
		Verdict       map[string]any `json:"verdict"`
		TraceID       string         `json:"trace_id"`
		IsCertifiable bool           `json:"is_certifiable"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "trace-abc", resp.TraceID)
	assert.True(t, resp.IsCertifiable)
	assert.Equal(t, "ALLOW", resp.Verdict["decision"])

	require.Len(t, sink.written, 1)
	assert.Equal(t, "trace-abc", sink.written[0].TraceID)
	assert.Equal(t, contracts.ActionableAgency, eng.level)
	assert.Equal(t, "agent-7", eng.agentID)
}

func TestValidate_GeneratesTraceID(t *testing.T) {
	h := NewServer(Options{Engine: &fakeEngine{decision: contracts.DecisionDeny}, Sink: &memorySink{}}).Handler()

	w := do(t, h, http.MethodPost, "/v1/validate", validBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(HeaderTraceID), 36)
}

func TestValidate_AuditFailureIsUnavailable(t *testing.T) {
	sink := audit.SinkFunc(func(context.Context, *contracts.Verdict) error {
		return errors.New("connection refused")
	})
	h := NewServer(Options{Engine: &fakeEngine{decision: contracts.DecisionAllow}, Sink: sink}).Handler()

	w := do(t, h, http.MethodPost, "/v1/validate", validBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "ALLOW")
}

func TestValidate_IncludesGoverningRegulations(t *testing.T) {
	cat, err := semantic.DefaultCatalog()
	require.NoError(t, err)
	h := NewServer(Options{
		Engine:      &fakeEngine{decision: contracts.DecisionAllow},
		Sink:        &memorySink{},
		Regulations: semantic.NewMemoryClient(cat),
	}).Handler()

	w := do(t, h, http.MethodPost, "/v1/validate", validBody, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp validateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	ids := make([]string, 0, len(resp.Regulations))
	for _, r := range resp.Regulations {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"FAA-14-CFR-91.151", "FAA-14-CFR-121.471"}, ids)
}

func TestValidate_RejectsBadInput(t *testing.T) {
	eng := &fakeEngine{decision: contracts.DecisionAllow}
	h := NewServer(Options{Engine: eng, Sink: &memorySink{}}).Handler()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"uppercase verb", `{"action":{"verb":"Reroute","resource":"x","domain":"aviation"}}`, http.StatusUnprocessableEntity},
		{"bad domain", `{"action":{"verb":"reroute_flight","resource":"x","domain":"Aviation-1"}}`, http.StatusUnprocessableEntity},
		{"level out of range", `{"action":{"verb":"reroute_flight","resource":"x","domain":"aviation"},"agent_amm_level":9}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v1/validate", tt.body, nil)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
	assert.Zero(t, eng.calls, "invalid requests never reach the engine")
}

func TestValidate_EscalateOpensIntent(t *testing.T) {
	mgr := escalation.NewManager(time.Minute)
	h := NewServer(Options{
		Engine:      &fakeEngine{decision: contracts.DecisionEscalate},
		Sink:        &memorySink{},
		Escalations: mgr,
	}).Handler()

	w := do(t, h, http.MethodPost, "/v1/validate", validBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		EscalationID string `json:"escalation_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.EscalationID)
	assert.Equal(t, 1, mgr.PendingCount())

	w = do(t, h, http.MethodGet, "/v1/escalations/"+resp.EscalationID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PENDING"`)

	body := `{"operator_id":"ops-1","outcome":"denied_maintained","decision_rationale":"unsafe"}`
	w = do(t, h, http.MethodPost, "/v1/escalations/"+resp.EscalationID+"/resolve", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Zero(t, mgr.PendingCount())

	w = do(t, h, http.MethodPost, "/v1/escalations/"+resp.EscalationID+"/resolve", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/v1/escalations/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/v1/escalations/missing/resolve", `{"outcome":"maybe"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHealth(t *testing.T) {
	h := NewServer(Options{Environment: "test", Version: "1.2.0", Health: fakeHealth{ok: true}}).Handler()
	w := do(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Environment)
	assert.Equal(t, "1.2.0", resp.Version)

	h = NewServer(Options{Health: fakeHealth{ok: false}}).Handler()
	w = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestMetricsRoutes(t *testing.T) {
	kpis := &fakeKPIs{}
	h := NewServer(Options{KPIs: kpis}).Handler()

	w := do(t, h, http.MethodGet, "/v1/metrics/dashboard", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"actions_last_24h":4`)

	w = do(t, h, http.MethodGet, "/v1/metrics/mttv", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"mttv_ms":38.5,"hours":24}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/metrics/mttv?hours=6", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 6, kpis.hours)

	w = do(t, h, http.MethodGet, "/v1/metrics/mttv?hours=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/v1/metrics/pass-rate", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pass_rate_pct":66.67,"amm_level":null}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/metrics/pass-rate?amm_level=4", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, contracts.AutonomousOrchestration, kpis.level)

	w = do(t, h, http.MethodGet, "/v1/metrics/pass-rate?amm_level=7", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsRoutes_NoBackend(t *testing.T) {
	h := NewServer(Options{}).Handler()
	w := do(t, h, http.MethodGet, "/v1/metrics/dashboard", "", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestAuditExport(t *testing.T) {
	store := audit.NewChainStore()
	eng := &fakeEngine{decision: contracts.DecisionAllow}
	h := NewServer(Options{Engine: eng, Sink: store, Exporter: audit.NewExporter(store)}).Handler()

	w := do(t, h, http.MethodPost, "/v1/validate", validBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, store.Len())

	w = do(t, h, http.MethodGet, "/v1/audit/export", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Len(t, w.Header().Get("X-Evidence-Sha256"), 64)
	assert.Equal(t, []byte("PK"), w.Body.Bytes()[:2])

	w = do(t, h, http.MethodGet, "/v1/audit/export?start=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/v1/audit/export?start=2026-03-15T00:00:00Z&end=2026-03-14T00:00:00Z", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h = NewServer(Options{}).Handler()
	w = do(t, h, http.MethodGet, "/v1/audit/export", "", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
