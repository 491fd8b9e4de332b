// Package faults defines the invariant-violation error type shared across
// the runtime (spec §7, tier 5). Invariant violations are fatal and never
// papered over: a missing DIVERT edge, a double terminal-outcome write, an
// unknown checkpoint version, or the row processor's work-queue iteration
// cap all surface as InvariantViolation.
package faults

import "fmt"

// InvariantViolation is a fatal, unrecoverable runtime error. The
// Orchestrator maps any InvariantViolation into a single PhaseError and
// ends the run FAILED.
type InvariantViolation struct {
	// Invariant names the violated invariant (e.g. "single-terminal-outcome").
	Invariant string
	// Detail is a human-readable description of the violation.
	Detail string
	// Err wraps the underlying cause, if any (e.g. a unique-constraint error
	// from the Recorder).
	Err error
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invariant violation [%s]: %s: %v", e.Invariant, e.Detail, e.Err)
	}
	return fmt.Sprintf("invariant violation [%s]: %s", e.Invariant, e.Detail)
}

// Unwrap returns the wrapped cause for errors.Is/As.
func (e *InvariantViolation) Unwrap() error { return e.Err }

// New constructs an InvariantViolation without a wrapped cause.
func New(invariant, detail string) *InvariantViolation {
	return &InvariantViolation{Invariant: invariant, Detail: detail}
}

// Wrap constructs an InvariantViolation wrapping an underlying cause.
func Wrap(invariant, detail string, err error) *InvariantViolation {
	return &InvariantViolation{Invariant: invariant, Detail: detail, Err: err}
}
