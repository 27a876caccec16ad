// Package semantic answers the semantic authority questions the gate asks of
// a domain ontology: is the verb governed, does the caller's authority level
// suffice, and which validators must run. Backends are interchangeable behind
// Client.
package semantic

import (
	"context"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

// Client is the narrow interface the decision engine consumes.
type Client interface {
	// ValidateSemanticAuthority returns a DENY verdict for ungoverned or
	// unauthorized actions. It fails with contracts.OntologyNotFoundError
	// when no active ontology exists for the domain.
	ValidateSemanticAuthority(ctx context.Context, action contracts.ActionPrimitive, level contracts.AuthorityLevel) (contracts.SemanticVerdict, error)
	// RequiredValidators returns validator names in dispatch order. An empty
	// list means no additional checks.
	RequiredValidators(ctx context.Context, action contracts.ActionPrimitive) ([]string, error)
	// Ping is a trivial round-trip used by the health monitor.
	Ping(ctx context.Context) error
}

// RegulationSource lists the regulations governing an action.
type RegulationSource interface {
	Regulations(ctx context.Context, action contracts.ActionPrimitive) ([]Regulation, error)
}

// Backend is what every bundled client implements.
type Backend interface {
	Client
	RegulationSource
	validators.ConstraintSource
}
