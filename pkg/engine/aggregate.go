package engine

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Aggregate applies the decision ladder to a semantic verdict and the
// validator results. The rules are strictly ordered:
//
//  1. any FAIL or TIMEOUT result denies;
//  2. otherwise semantic coverage below 1.0 escalates;
//  3. otherwise the action is allowed.
func Aggregate(sv contracts.SemanticVerdict, results []contracts.ValidatorResult) (contracts.Decision, string) {
	var failed, citations []string
	for _, r := range results {
		if r.Passed() {
			continue
		}
		failed = append(failed, r.ValidatorName)
		if r.RuleViolated != "" {
			citations = append(citations, r.RuleViolated)
		}
	}

	if len(failed) > 0 {
		reason := "Validators failed: " + strings.Join(failed, ", ")
		if len(citations) > 0 {
			reason += " | Regulations violated: " + strings.Join(citations, ", ")
		}
		return contracts.DecisionDeny, reason
	}

	if sv.Coverage < 1.0 {
		return contracts.DecisionEscalate,
			fmt.Sprintf("Semantic coverage %.2f < 1.0 | Human review required for edge case", sv.Coverage)
	}

	passed := make([]string, len(results))
	for i, r := range results {
		passed[i] = r.ValidatorName
	}
	return contracts.DecisionAllow,
		fmt.Sprintf("All validators passed: %s | Semantic coverage: 1.0", strings.Join(passed, ", "))
}
