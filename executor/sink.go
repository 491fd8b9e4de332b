package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/telemetry"
)

// SinkExecutor implements the Sink Executor (spec §4.8): batched writes
// per target sink within a source-row cohort.
type SinkExecutor struct {
	r   recorder.Recorder
	tel telemetry.Provider
}

// NewSinkExecutor constructs a SinkExecutor.
func NewSinkExecutor(r recorder.Recorder, tel telemetry.Provider) *SinkExecutor {
	return &SinkExecutor{r: r, tel: tel}
}

// WriteCohort writes a non-empty batch of tokens to sinkNodeID. On success
// the artifact is recorded before node_states close (spec §3
// "artifact-before-outcome"); the caller is responsible for writing
// COMPLETED outcomes afterward. On failure every node_state in the cohort
// closes as failed and no artifact is recorded.
func (e *SinkExecutor) WriteCohort(ctx context.Context, sinkNodeID string, tokens []recorder.Token, sink pluginapi.Sink) (recorder.Artifact, error) {
	if len(tokens) == 0 {
		return recorder.Artifact{}, fmt.Errorf("sink cohort must be non-empty")
	}

	states := make([]recorder.NodeState, 0, len(tokens))
	for _, tok := range tokens {
		st, err := e.r.BeginNodeState(ctx, recorder.NodeState{
			RunID: tok.RunID, TokenID: tok.TokenID, NodeID: sinkNodeID, InputHash: Hash(payloadBytes(tok.RowData)),
		})
		if err != nil {
			return recorder.Artifact{}, fmt.Errorf("begin node state: %w", err)
		}
		states = append(states, st)
	}

	rows := make([]json.RawMessage, len(tokens))
	for i, tok := range tokens {
		rows[i] = payloadBytes(tok.RowData)
	}

	desc, err := sink.Write(ctx, rows)
	if err != nil {
		e.tel.Log.Error(ctx, "sink write failed", "node_id", sinkNodeID, "error", err)
		errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
		for _, st := range states {
			_ = e.r.CompleteNodeState(ctx, st.StateID, recorder.NodeStateFailed, "", 0, errJSON, nil)
		}
		return recorder.Artifact{}, err
	}

	artifact, err := e.r.RecordArtifact(ctx, recorder.Artifact{
		RunID: tokens[0].RunID, SinkNode: sinkNodeID, PathOrURI: desc.PathOrURI,
		SizeBytes: desc.SizeBytes, ContentHash: desc.ContentHash, ProducedByState: states[0].StateID,
	})
	if err != nil {
		return recorder.Artifact{}, fmt.Errorf("record artifact: %w", err)
	}

	for _, st := range states {
		if err := e.r.CompleteNodeState(ctx, st.StateID, recorder.NodeStateCompleted, desc.ContentHash, 0, nil, nil); err != nil {
			return artifact, fmt.Errorf("complete node state: %w", err)
		}
	}
	e.tel.Met.IncCounter("sink.cohort_written", 1, "node_id", sinkNodeID)
	return artifact, nil
}
