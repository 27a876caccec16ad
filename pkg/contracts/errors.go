package contracts

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Concrete errors wrap these so callers can use errors.Is.
var (
	ErrOntologyNotFound  = errors.New("ontology not found")
	ErrValidatorNotFound = errors.New("validator not found")
	ErrValidationTimeout = errors.New("validation timeout")
)

// OntologyNotFoundError reports that no ontology is configured for a domain.
// A verb missing from an existing ontology is a normal DENY, not this error.
type OntologyNotFoundError struct {
	Domain string
}

func (e *OntologyNotFoundError) Error() string {
	return fmt.Sprintf("no active ontology for domain %q", e.Domain)
}

// Is reports a match against ErrOntologyNotFound.
func (e *OntologyNotFoundError) Is(target error) bool {
	return target == ErrOntologyNotFound
}

// AuditWriteError is returned by audit sinks. A governed action must not run
// when the verdict that authorizes it could not be persisted.
type AuditWriteError struct {
	TraceID string
	Reason  string
	Err     error
}

func (e *AuditWriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audit write failed for %s: %s: %v", e.TraceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("audit write failed for %s: %s", e.TraceID, e.Reason)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// NewAuditWriteError wraps err for the given trace.
func NewAuditWriteError(traceID, reason string, err error) *AuditWriteError {
	return &AuditWriteError{TraceID: traceID, Reason: reason, Err: err}
}
