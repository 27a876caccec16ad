package escalation

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Status is the lifecycle state of an Intent.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	// StatusExpired intents were never reviewed and count as denied.
	StatusExpired Status = "EXPIRED"
)

// Outcome is the human reviewer's resolution of an escalated action.
type Outcome string

const (
	OutcomeApprovedNewRule   Outcome = "approved_new_rule"
	OutcomeApprovedException Outcome = "approved_exception"
	OutcomeDeniedMaintained  Outcome = "denied_maintained"
	OutcomeAmendedApproved   Outcome = "amended_approved"
)

// ParseOutcome validates a wire value.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeApprovedNewRule, OutcomeApprovedException, OutcomeDeniedMaintained, OutcomeAmendedApproved:
		return o, nil
	default:
		return "", fmt.Errorf("unknown resolution outcome %q", s)
	}
}

// Status maps an outcome to the intent state it produces.
func (o Outcome) Status() Status {
	if o == OutcomeDeniedMaintained {
		return StatusDenied
	}
	return StatusApproved
}

// Intent is one ESCALATE verdict awaiting human review.
type Intent struct {
	IntentID  string            `json:"intent_id"`
	TraceID   string            `json:"trace_id"`
	AgentID   string            `json:"agent_id,omitempty"`
	Domain    string            `json:"domain"`
	Verb      string            `json:"verb"`
	Reason    string            `json:"reason"`
	Verdict   contracts.Verdict `json:"verdict"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    Status            `json:"status"`
	Resolved  *Resolution       `json:"resolution,omitempty"`
}

// Receipt is the immutable record of an intent leaving PENDING.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	IntentID    string    `json:"intent_id"`
	Outcome     Status    `json:"outcome"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ApprovedBy  []string  `json:"approved_by,omitempty"`
	DeniedBy    string    `json:"denied_by,omitempty"`
	DenyReason  string    `json:"deny_reason,omitempty"`
	ContentHash string    `json:"content_hash"`
}

// ResolveRequest is a reviewer's decision on an intent.
type ResolveRequest struct {
	OperatorID string  `json:"operator_id"`
	Outcome    Outcome `json:"outcome"`
	Rationale  string  `json:"decision_rationale"`
	NewRuleID  string  `json:"new_rule_created,omitempty"`
}

// Resolution records how a reviewer resolved an intent and how that decision
// compares with earlier resolutions of the same verb.
type Resolution struct {
	IntentID         string    `json:"escalation_id"`
	OperatorID       string    `json:"operator_id"`
	ResolutionTimeMs int64     `json:"resolution_time_ms"`
	Outcome          Outcome   `json:"outcome"`
	Rationale        string    `json:"decision_rationale"`
	NewRuleID        string    `json:"new_rule_created,omitempty"`
	SimilarCases     []string  `json:"similar_cases"`
	ConsistencyScore float64   `json:"consistency_score"`
	Timestamp        time.Time `json:"timestamp"`
	Signature        string    `json:"signature,omitempty"`
	Receipt          *Receipt  `json:"receipt,omitempty"`
}

// Stats summarizes resolution times and how often reviews created rules.
type Stats struct {
	TotalResolutions int     `json:"total_resolutions"`
	MeanMs           float64 `json:"mean_ms"`
	MedianMs         int64   `json:"median_ms"`
	P95Ms            int64   `json:"p95_ms"`
	MinMs            int64   `json:"min_ms"`
	MaxMs            int64   `json:"max_ms"`
	NewRulesCreated  int     `json:"new_rules_created"`
	RuleCreationRate float64 `json:"rule_creation_rate"`
}
