package contracts

import (
	"encoding/json"
	"errors"
	"time"
)

// Decision is the aggregate outcome of an evaluation.
type Decision string

// Decision constants.
const (
	DecisionAllow    Decision = "ALLOW"
	DecisionDeny     Decision = "DENY"
	DecisionEscalate Decision = "ESCALATE"
)

// ValidatorDecision is the outcome of a single validator.
type ValidatorDecision string

// Validator decision constants.
const (
	ValidatorPass    ValidatorDecision = "PASS"
	ValidatorFail    ValidatorDecision = "FAIL"
	ValidatorTimeout ValidatorDecision = "TIMEOUT"
)

// Reason tags prefix every fail-closed DENY so operators can classify the
// failure mode by grepping.
const (
	TagGateInternalError     = "GATE_INTERNAL_ERROR"
	TagValidatorUnhealthy    = "VALIDATOR_UNHEALTHY"
	TagSemanticTimeout       = "SEMANTIC_VALIDATION_TIMEOUT"
	TagSemanticError         = "SEMANTIC_VALIDATION_ERROR"
	TagSignatureFailed       = "SIGNATURE_GENERATION_FAILED"
	TagOntologyNotFound      = "ONTOLOGY_NOT_FOUND"
	TagValidatorNotFound     = "VALIDATOR_NOT_FOUND"
	TagValidatorLookupFailed = "VALIDATOR_LOOKUP_FAILED"
)

// CertificationLatencyBudgetMs bounds TotalLatencyMs for a certifiable verdict.
const CertificationLatencyBudgetMs = 200.0

// SemanticVerdict is the outcome of the semantic authority check.
type SemanticVerdict struct {
	Decision            Decision `json:"decision"`
	Reason              string   `json:"reason"`
	OntologyMatch       bool     `json:"ontology_match"`
	AuthorityAuthorized bool     `json:"amm_authorized"`
	Coverage            float64  `json:"semantic_coverage"`
}

// NewSemanticVerdict builds a verdict whose coverage is derived from the two
// flags: 0.5 for an ontology match plus 0.5 for sufficient authority.
func NewSemanticVerdict(decision Decision, reason string, ontologyMatch, authorized bool) SemanticVerdict {
	coverage := 0.0
	if ontologyMatch {
		coverage += 0.5
	}
	if authorized {
		coverage += 0.5
	}
	return SemanticVerdict{
		Decision:            decision,
		Reason:              reason,
		OntologyMatch:       ontologyMatch,
		AuthorityAuthorized: authorized,
		Coverage:            coverage,
	}
}

// DeniedSemanticVerdict is the synthesized verdict attached to fail-closed paths.
func DeniedSemanticVerdict(reason string) SemanticVerdict {
	return NewSemanticVerdict(DecisionDeny, reason, false, false)
}

// ValidatorResult is the outcome of one independent validator.
type ValidatorResult struct {
	ValidatorName string            `json:"validator_name"`
	Decision      ValidatorDecision `json:"decision"`
	Reason        string            `json:"reason"`
	LatencyMs     float64           `json:"latency_ms"`
	RuleViolated  string            `json:"rule_violated,omitempty"`
}

// Passed reports whether the result is a PASS.
func (r ValidatorResult) Passed() bool { return r.Decision == ValidatorPass }

// ErrSignatureAssigned is returned when a verdict is signed twice.
var ErrSignatureAssigned = errors.New("verdict signature already assigned")

// Verdict is the final, auditable record of one evaluation. It is owned by the
// engine until Evaluate returns and by the caller afterwards.
//
//nolint:govet // fieldalignment: struct layout mirrors the audit_log columns
type Verdict struct {
	TraceID          string            `json:"trace_id"`
	Decision         Decision          `json:"decision"`
	Reason           string            `json:"reason"`
	AuthorityLevel   AuthorityLevel    `json:"amm_level"`
	SemanticVerdict  SemanticVerdict   `json:"semantic_verdict"`
	ValidatorResults []ValidatorResult `json:"validator_results"`
	TotalLatencyMs   float64           `json:"total_latency_ms"`
	Timestamp        time.Time         `json:"timestamp"`
	Action           ActionPrimitive   `json:"action"`
	AgentID          string            `json:"agent_id,omitempty"`
	Signature        string            `json:"signature"`
}

// IsCertifiable is recomputed from the other fields on every call.
func (v *Verdict) IsCertifiable() bool {
	if v.Decision != DecisionAllow {
		return false
	}
	if v.SemanticVerdict.Coverage != 1.0 {
		return false
	}
	for _, r := range v.ValidatorResults {
		if !r.Passed() {
			return false
		}
	}
	return v.TotalLatencyMs <= CertificationLatencyBudgetMs
}

// SetSignature assigns the signature exactly once.
func (v *Verdict) SetSignature(sig string) error {
	if v.Signature != "" {
		return ErrSignatureAssigned
	}
	v.Signature = sig
	return nil
}

// FailedValidators returns the names of validators that did not pass.
func (v *Verdict) FailedValidators() []string {
	var names []string
	for _, r := range v.ValidatorResults {
		if !r.Passed() {
			names = append(names, r.ValidatorName)
		}
	}
	return names
}

// MarshalJSON adds the derived is_certifiable field.
func (v Verdict) MarshalJSON() ([]byte, error) {
	type plain Verdict
	results := v.ValidatorResults
	if results == nil {
		results = []ValidatorResult{}
	}
	p := plain(v)
	p.ValidatorResults = results
	return json.Marshal(struct {
		plain
		IsCertifiable bool `json:"is_certifiable"`
	}{plain: p, IsCertifiable: v.IsCertifiable()})
}
