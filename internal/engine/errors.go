package engine

import (
	"fmt"

	"apbdes/internal/domain"
)

// AuthorizationError indicates the caller's role or village does not permit
// the operation. Never retried.
type AuthorizationError struct {
	Op      string
	Village string
}

func (e AuthorizationError) Error() string {
	if e.Village != "" {
		return fmt.Sprintf("%s not permitted for village %s", e.Op, e.Village)
	}
	return fmt.Sprintf("%s not permitted for this role", e.Op)
}

// InvalidStateError indicates the requested transition is illegal from the
// line's current status, including the case where a concurrent caller
// transitioned it first.
type InvalidStateError struct {
	LineID string
	Status domain.Status
	Op     string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s budget line %s in status %s", e.Op, e.LineID, e.Status)
}

// ValidationError indicates malformed input, rejected before any store write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DependencyError wraps an infrastructure failure from the store. The engine
// never retries the mutation.
type DependencyError struct {
	Op  string
	Err error
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e DependencyError) Unwrap() error { return e.Err }
