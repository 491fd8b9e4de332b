// Package checkpoint implements Checkpoint & Recovery (spec §4.6, §2 item
// 8): durable persistence of an aggregation executor's buffer state at
// run boundaries, and restoration of that state on resume. The runtime
// never reaches into a Store's backend directly; it only ever serializes
// and deserializes the opaque, versioned JSON blob
// executor.AggregationExecutor.GetCheckpointState/RestoreFromCheckpoint
// produce and accept.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Store.Load when no checkpoint has been saved
// for a run yet. Callers treat this as "start from an empty buffer state",
// not as a failure.
var ErrNotFound = errors.New("checkpoint: not found")

// Store persists one opaque checkpoint blob per run. A run's aggregation
// state is small and whole (spec §4.6: the checkpoint covers every
// aggregation node's open batch in one document), so the contract is a
// single save/load pair keyed by run id rather than a per-node API.
type Store interface {
	// Save durably writes data as the current checkpoint for runID,
	// replacing any previous checkpoint for that run.
	Save(ctx context.Context, runID string, data json.RawMessage) error
	// Load returns the most recently saved checkpoint for runID. It
	// returns ErrNotFound if none exists.
	Load(ctx context.Context, runID string) (json.RawMessage, error)
}
