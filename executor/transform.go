package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pipeflow/corepipe/faults"
	"github.com/pipeflow/corepipe/graph"
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/telemetry"
)

// errorEdgeLabel names the DIVERT edge a transform's routed error travels
// over. The label is attempt-independent: retries of the same transform
// route their failures over the same declared error edge (an Open
// Question from spec §9, decided here — see DESIGN.md).
func errorEdgeLabel(_ int) string { return "error" }

func payloadBytes(p recorder.Payload) json.RawMessage {
	if len(p.Inline) > 0 {
		return p.Inline
	}
	return json.RawMessage(p.Hash)
}

// TransformExecutor implements the Transform Executor (spec §4.4).
type TransformExecutor struct {
	rec telemetry.Provider
	r   recorder.Recorder
	g   *graph.Graph
}

// NewTransformExecutor constructs a TransformExecutor writing through r
// and resolving error-routing edges against g.
func NewTransformExecutor(r recorder.Recorder, g *graph.Graph, prov telemetry.Provider) *TransformExecutor {
	return &TransformExecutor{r: r, g: g, rec: prov}
}

// Execute runs one attempt of a transform against tok, recording the
// node_state and any error routing per spec §4.4.
func (e *TransformExecutor) Execute(ctx context.Context, tr pluginapi.Transform, tok recorder.Token, stepIndex, attempt int) (pluginapi.TransformResult, recorder.Token, string, error) {
	desc := tr.Descriptor()
	inputHash := Hash(payloadBytes(tok.RowData))

	ctx, span := e.rec.Trc.Start(ctx, "executor.transform")
	defer span.End()

	state, err := e.r.BeginNodeState(ctx, recorder.NodeState{
		RunID: tok.RunID, TokenID: tok.TokenID, NodeID: desc.NodeID,
		StepIndex: stepIndex, Attempt: attempt, InputHash: inputHash,
	})
	if err != nil {
		span.RecordError(err)
		return pluginapi.TransformResult{}, tok, "", fmt.Errorf("begin node state: %w", err)
	}

	started := time.Now()
	result, procErr := tr.Process(ctx, payloadBytes(tok.RowData))
	duration := time.Since(started).Milliseconds()
	e.rec.Met.RecordTimer("transform.duration_ms", time.Duration(duration)*time.Millisecond, "node_id", desc.NodeID)

	if procErr != nil {
		e.rec.Log.Warn(ctx, "transform raised", "node_id", desc.NodeID, "token_id", tok.TokenID, "attempt", attempt, "error", procErr)
		errJSON, _ := json.Marshal(map[string]string{"error": procErr.Error()})
		_ = e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", duration, errJSON, nil)
		span.RecordError(procErr)
		return pluginapi.TransformResult{}, tok, "", procErr
	}

	switch result.Kind {
	case pluginapi.ResultSuccess:
		outputHash := Hash(result.Row)
		if err := e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateCompleted, outputHash, duration, nil, result.ContextAfter); err != nil {
			return result, tok, "", fmt.Errorf("complete node state: %w", err)
		}
		updated := tok
		updated.RowData = recorder.Payload{Inline: result.Row}
		return result, updated, "", nil

	case pluginapi.ResultSuccessMulti:
		if !desc.CreatesTokens {
			bugErr := &PluginBugError{NodeID: desc.NodeID, Detail: "SuccessMulti returned without creates_tokens = true"}
			errJSON, _ := json.Marshal(map[string]string{"error": bugErr.Error()})
			_ = e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", duration, errJSON, nil)
			return result, tok, "", bugErr
		}
		combined, _ := json.Marshal(result.Rows)
		outputHash := Hash(combined)
		if err := e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateCompleted, outputHash, duration, nil, nil); err != nil {
			return result, tok, "", fmt.Errorf("complete node state: %w", err)
		}
		return result, tok, "", nil

	case pluginapi.ResultError:
		e.rec.Met.IncCounter("transform.error_result", 1, "node_id", desc.NodeID)
		return e.handleErrorResult(ctx, desc, state, tok, result, attempt, duration)

	default:
		bugErr := &PluginBugError{NodeID: desc.NodeID, Detail: fmt.Sprintf("unknown result kind %q", result.Kind)}
		errJSON, _ := json.Marshal(map[string]string{"error": bugErr.Error()})
		_ = e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", duration, errJSON, nil)
		return result, tok, "", bugErr
	}
}

func (e *TransformExecutor) handleErrorResult(ctx context.Context, desc pluginapi.TransformDescriptor, state recorder.NodeState, tok recorder.Token, result pluginapi.TransformResult, attempt int, duration int64) (pluginapi.TransformResult, recorder.Token, string, error) {
	errJSON, _ := json.Marshal(map[string]string{"reason": result.Reason})
	errHash := Hash(errJSON)

	if err := e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", duration, errJSON, nil); err != nil {
		return result, tok, "", fmt.Errorf("complete node state: %w", err)
	}

	if desc.OnError == nil {
		return result, tok, "", &PluginBugError{NodeID: desc.NodeID, Detail: "Error result returned with on_error unset"}
	}

	destination := *desc.OnError
	if err := e.r.RecordTransformError(ctx, recorder.TransformError{
		RunID: tok.RunID, TransformID: desc.NodeID, TokenID: tok.TokenID,
		Destination: destination, ErrorDetails: errJSON, ErrorHash: errHash,
	}); err != nil {
		return result, tok, "", fmt.Errorf("record transform error: %w", err)
	}

	if destination == "discard" {
		return result, tok, "discard", nil
	}

	label := errorEdgeLabel(attempt)
	edgeID, ok := e.g.EdgeID(desc.NodeID, label)
	if !ok {
		return result, tok, "", faults.New("missing_divert_edge", fmt.Sprintf("node %q has no DIVERT edge for label %q", desc.NodeID, label))
	}
	if err := e.r.RecordRoutingEvent(ctx, recorder.RoutingEvent{
		RunID: tok.RunID, FromStateID: state.StateID, EdgeID: edgeID, Mode: recorder.EdgeDivert, ReasonHash: errHash,
	}); err != nil {
		return result, tok, "", fmt.Errorf("record routing event: %w", err)
	}
	return result, tok, destination, nil
}
