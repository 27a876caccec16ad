package contracts

import "fmt"

// AuthorityLevel is the Agentic Maturity Model tier of a caller. Levels are
// monotonic: a caller at level N satisfies any requirement at or below N.
type AuthorityLevel int

// Authority level constants.
const (
	PassiveKnowledge        AuthorityLevel = 1 // read-only
	HumanTeaming            AuthorityLevel = 2 // human-assisted
	ActionableAgency        AuthorityLevel = 3 // autonomous with validation
	AutonomousOrchestration AuthorityLevel = 4 // multi-agent orchestration
	FullSystemicAutonomy    AuthorityLevel = 5 // full self-regulation
)

// ParseAuthorityLevel converts an integer to an AuthorityLevel.
func ParseAuthorityLevel(n int) (AuthorityLevel, error) {
	l := AuthorityLevel(n)
	if !l.Valid() {
		return 0, fmt.Errorf("authority level %d out of range [1,5]", n)
	}
	return l, nil
}

// Valid reports whether l is one of the five defined tiers.
func (l AuthorityLevel) Valid() bool {
	return l >= PassiveKnowledge && l <= FullSystemicAutonomy
}

// Satisfies reports whether l meets the required level.
func (l AuthorityLevel) Satisfies(required AuthorityLevel) bool {
	return l >= required
}

func (l AuthorityLevel) String() string {
	switch l {
	case PassiveKnowledge:
		return "PASSIVE_KNOWLEDGE"
	case HumanTeaming:
		return "HUMAN_TEAMING"
	case ActionableAgency:
		return "ACTIONABLE_AGENCY"
	case AutonomousOrchestration:
		return "AUTONOMOUS_ORCHESTRATION"
	case FullSystemicAutonomy:
		return "FULL_SYSTEMIC_AUTONOMY"
	default:
		return fmt.Sprintf("AuthorityLevel(%d)", int(l))
	}
}
