package hooks

import "time"

// Phase identifies which part of a run raised a fatal error (spec §6:
// "the runtime emits PhaseError(phase ...) exactly once per run failure").
type Phase string

const (
	// PhaseSource indicates the failure originated while reading from the
	// source plugin.
	PhaseSource Phase = "SOURCE"
	// PhaseProcess indicates the failure originated in the row processor or
	// one of its executors.
	PhaseProcess Phase = "PROCESS"
	// PhaseSink indicates the failure originated while writing to a sink.
	PhaseSink Phase = "SINK"
)

// EventType discriminates the kind of pipeline event being published.
type EventType string

const (
	// EventRunStarted fires once when the orchestrator begins a run.
	EventRunStarted EventType = "run_started"
	// EventRunCompleted fires once when a run finishes successfully.
	EventRunCompleted EventType = "run_completed"
	// EventRunFailed fires once when a run ends in FAILED status, paired
	// with exactly one PhaseError.
	EventRunFailed EventType = "run_failed"
	// EventRowProcessed fires after each source row's tokens have all
	// reached a terminal outcome.
	EventRowProcessed EventType = "row_processed"
	// EventBatchFlushed names the completion of an aggregation batch flush.
	// No code in this module publishes it.
	EventBatchFlushed EventType = "batch_flushed"
)

// Event is a single pipeline-phase event published on the Bus.
type Event struct {
	// Type discriminates the event.
	Type EventType
	// RunID identifies the run this event belongs to.
	RunID string
	// Timestamp is the event time.
	Timestamp time.Time
	// Phase is set only for EventRunFailed.
	Phase Phase
	// Err carries the originating error for EventRunFailed.
	Err error
	// Attributes carries event-specific structured data (row index, batch
	// id, etc.) for subscribers that want detail without a type switch.
	Attributes map[string]any
}

// PhaseError is the single fatal error attributed to the phase that raised
// it, surfaced to callers of Orchestrator.Run alongside the EventRunFailed
// event. Exactly one PhaseError is ever produced per failed run (spec §6).
type PhaseError struct {
	Phase Phase
	Err   error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return string(e.Phase) + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *PhaseError) Unwrap() error { return e.Err }
