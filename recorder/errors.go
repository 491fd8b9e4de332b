package recorder

import "errors"

// ErrDuplicateOutcome is returned when a second terminal outcome is written
// for a token that already has one (spec §3 "single terminal outcome"
// invariant; spec §4.1: "a second attempt raises a unique-violation").
// Callers (the Orchestrator) surface this as an invariant-violation fault.
var ErrDuplicateOutcome = errors.New("recorder: token already has a terminal outcome")

// ErrDuplicateNodeState is returned when a (token_id, node_id, attempt)
// triple already has a recorded node_state (spec §3 node_state monotonicity).
var ErrDuplicateNodeState = errors.New("recorder: node_state already recorded for this attempt")

// ErrDuplicateBatchOrdinal is returned when a (batch_id, ordinal) pair
// already has a batch_member (spec §3 batch identity invariant).
var ErrDuplicateBatchOrdinal = errors.New("recorder: batch ordinal already recorded")

// ErrNotFound is returned by query-side operations when the requested
// entity does not exist.
var ErrNotFound = errors.New("recorder: not found")

// ErrInvalidPayload is returned when a Payload has neither Inline data nor a
// content Hash set.
var ErrInvalidPayload = errors.New("recorder: payload must set Inline or Hash")
