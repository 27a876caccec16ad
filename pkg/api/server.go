package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Mindburn-Labs/helm-gate/pkg/audit"
	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/escalation"
	"github.com/Mindburn-Labs/helm-gate/pkg/health"
	"github.com/Mindburn-Labs/helm-gate/pkg/semantic"
)

const maxBodyBytes = 1 << 20

// Evaluator produces a verdict for one action. *engine.Engine satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, action contracts.ActionPrimitive, level contracts.AuthorityLevel, traceID, agentID string) *contracts.Verdict
}

// KPIs answers the dashboard queries. *audit.Metrics satisfies it.
type KPIs interface {
	Dashboard(ctx context.Context) (audit.Dashboard, error)
	MTTV(ctx context.Context, hours int) (float64, error)
	PassRate(ctx context.Context, level contracts.AuthorityLevel) (float64, error)
}

// HealthReporter exposes the semantic authority health. *health.Monitor
// satisfies it.
type HealthReporter interface {
	Probe(ctx context.Context) bool
	Status() health.Status
}

// Options wires the server's collaborators. Engine and Sink are required.
// Optional collaborators left nil disable their routes or middleware.
type Options struct {
	Engine      Evaluator
	Sink        audit.Sink
	KPIs        KPIs
	Escalations *escalation.Manager
	Exporter    *audit.Exporter
	Regulations semantic.RegulationSource
	Health      HealthReporter
	Auth        *JWTValidator
	Limiter     *RateLimiter
	Environment string
	Version     string
	Logger      *slog.Logger
}

// Server is the HTTP front of the gate.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// NewServer builds a server from opts.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{opts: opts, logger: logger.With("component", "api")}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/validate", s.handleValidate)
	mux.HandleFunc("GET /v1/metrics/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /v1/metrics/mttv", s.handleMTTV)
	mux.HandleFunc("GET /v1/metrics/pass-rate", s.handlePassRate)
	mux.HandleFunc("GET /v1/escalations/{id}", s.handleGetEscalation)
	mux.HandleFunc("POST /v1/escalations/{id}/resolve", s.handleResolveEscalation)
	mux.HandleFunc("GET /v1/audit/export", s.handleExport)

	var h http.Handler = mux
	if s.opts.Limiter != nil {
		h = s.opts.Limiter.Middleware(h)
	}
	if s.opts.Auth != nil {
		h = NewAuthMiddleware(s.opts.Auth)(h)
	}
	h = TraceMiddleware(h)
	return otelhttp.NewHandler(h, "helm-gate")
}

type actionRequest struct {
	Verb       string         `json:"verb"`
	Resource   string         `json:"resource"`
	Domain     string         `json:"domain"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence"`
}

type validateRequest struct {
	Action        actionRequest `json:"action"`
	AgentAMMLevel int           `json:"agent_amm_level"`
	AgentID       string        `json:"agent_id"`
}

type validateResponse struct {
	Verdict       *contracts.Verdict    `json:"verdict"`
	TraceID       string                `json:"trace_id"`
	IsCertifiable bool                  `json:"is_certifiable"`
	EscalationID  string                `json:"escalation_id,omitempty"`
	Regulations   []semantic.Regulation `json:"regulations,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := TraceID(ctx)

	var req validateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if req.AgentAMMLevel == 0 {
		req.AgentAMMLevel = int(contracts.ActionableAgency)
	}
	level, err := contracts.ParseAuthorityLevel(req.AgentAMMLevel)
	if err != nil {
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
		return
	}
	action, err := contracts.NewActionPrimitive(req.Action.Verb, req.Action.Resource, req.Action.Domain,
		req.Action.Parameters, req.Action.Confidence)
	if err != nil {
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
		return
	}

	if p, ok := PrincipalFrom(ctx); ok {
		if p.AuthorityLevel != 0 && level > p.AuthorityLevel {
			WriteErrorR(w, r, http.StatusForbidden, "Forbidden",
				"requested amm_level "+level.String()+" exceeds token grant "+p.AuthorityLevel.String())
			return
		}
		if req.AgentID == "" {
			req.AgentID = p.Subject
		}
	}

	s.logger.InfoContext(ctx, "validation request received",
		"trace_id", traceID, "amm_level", int(level), "verb", action.Verb, "domain", action.Domain)

	v := s.opts.Engine.Evaluate(ctx, action, level, traceID, req.AgentID)

	// The verdict is only released once it is on the record.
	if err := audit.Guard(ctx, s.opts.Sink, v, nil); err != nil && !errors.Is(err, audit.ErrNotAuthorized) {
		s.logger.ErrorContext(ctx, "audit write failed", "trace_id", traceID, "error", err)
		WriteServiceUnavailable(w, r, "Audit ledger unavailable; action not authorized")
		return
	}

	resp := validateResponse{Verdict: v, TraceID: v.TraceID, IsCertifiable: v.IsCertifiable()}
	if s.opts.Regulations != nil {
		regs, err := s.opts.Regulations.Regulations(ctx, action)
		if err != nil && !errors.Is(err, contracts.ErrOntologyNotFound) {
			s.logger.WarnContext(ctx, "regulations lookup failed", "trace_id", traceID, "error", err)
		}
		resp.Regulations = regs
	}
	if v.Decision == contracts.DecisionEscalate && s.opts.Escalations != nil {
		intent, err := s.opts.Escalations.Open(ctx, v)
		if err != nil {
			s.logger.WarnContext(ctx, "escalation not opened", "trace_id", traceID, "error", err)
		} else {
			resp.EscalationID = intent.IntentID
		}
	}

	s.logger.InfoContext(ctx, "validation request completed",
		"trace_id", traceID,
		"decision", v.Decision,
		"latency_ms", v.TotalLatencyMs,
		"is_certifiable", resp.IsCertifiable,
	)
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status      string         `json:"status"`
	Environment string         `json:"environment"`
	Version     string         `json:"version"`
	Semantic    *health.Status `json:"semantic,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Environment: s.opts.Environment, Version: s.opts.Version}
	code := http.StatusOK
	if s.opts.Health != nil {
		if !s.opts.Health.Probe(r.Context()) {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		st := s.opts.Health.Status()
		resp.Semantic = &st
	}
	writeJSON(w, code, resp)
}

func (s *Server) kpis(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.KPIs == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "metrics require a SQL audit backend")
		return false
	}
	return true
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !s.kpis(w, r) {
		return
	}
	d, err := s.opts.KPIs.Dashboard(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleMTTV(w http.ResponseWriter, r *http.Request) {
	if !s.kpis(w, r) {
		return
	}
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "hours must be a positive integer")
			return
		}
		hours = n
	}
	mttv, err := s.opts.KPIs.MTTV(r.Context(), hours)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mttv_ms": mttv, "hours": hours})
}

func (s *Server) handlePassRate(w http.ResponseWriter, r *http.Request) {
	if !s.kpis(w, r) {
		return
	}
	var level contracts.AuthorityLevel
	var levelOut any
	if raw := r.URL.Query().Get("amm_level"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err == nil {
			level, err = contracts.ParseAuthorityLevel(n)
		}
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "amm_level must be an integer in [1,5]")
			return
		}
		levelOut = n
	}
	rate, err := s.opts.KPIs.PassRate(r.Context(), level)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pass_rate_pct": rate, "amm_level": levelOut})
}

func (s *Server) escalations(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.Escalations == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "escalations are disabled")
		return false
	}
	return true
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	if !s.escalations(w, r) {
		return
	}
	intent, err := s.opts.Escalations.GetIntent(r.PathValue("id"))
	if err != nil {
		s.writeEscalationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	if !s.escalations(w, r) {
		return
	}
	var req escalation.ResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if p, ok := PrincipalFrom(r.Context()); ok && req.OperatorID == "" {
		req.OperatorID = p.Subject
	}
	res, err := s.opts.Escalations.Resolve(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeEscalationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeEscalationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escalation.ErrIntentNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, escalation.ErrNotPending), errors.Is(err, escalation.ErrExpired):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	default:
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Exporter == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "evidence export requires the chain audit backend")
		return
	}
	var req audit.ExportRequest
	for name, dst := range map[string]*time.Time{"start": &req.StartTime, "end": &req.EndTime} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", name+" must be RFC 3339")
			return
		}
		*dst = t
	}

	pack, sum, err := s.opts.Exporter.GeneratePack(r.Context(), req)
	switch {
	case errors.Is(err, audit.ErrInvalidTimeRange):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="evidence-pack.zip"`)
	w.Header().Set("X-Evidence-Sha256", sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
