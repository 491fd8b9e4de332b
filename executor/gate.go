package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pipeflow/corepipe/faults"
	"github.com/pipeflow/corepipe/graph"
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/pluginapi/gateexpr"
	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/telemetry"
)

// GateDecision is the Gate Executor's uniform result, regardless of
// whether a plugin or config gate produced it (spec §4.5: "identical
// audit surface").
type GateDecision struct {
	Action      pluginapi.GateAction
	Row         json.RawMessage
	SinkTargets []string // ActionRoute: resolved sink names
	Branches    []string // ActionFork: branch names
}

// GateExecutor implements the Gate Executor (spec §4.5) for both plugin
// gates and config-driven expression gates.
type GateExecutor struct {
	r   recorder.Recorder
	g   *graph.Graph
	tel telemetry.Provider
}

// NewGateExecutor constructs a GateExecutor.
func NewGateExecutor(r recorder.Recorder, g *graph.Graph, tel telemetry.Provider) *GateExecutor {
	return &GateExecutor{r: r, g: g, tel: tel}
}

// ExecutePlugin evaluates a plugin gate and records its routing events.
func (e *GateExecutor) ExecutePlugin(ctx context.Context, nodeID string, gatePlugin pluginapi.Gate, tok recorder.Token, stepIndex, attempt int) (GateDecision, error) {
	inputHash := Hash(payloadBytes(tok.RowData))
	state, err := e.r.BeginNodeState(ctx, recorder.NodeState{
		RunID: tok.RunID, TokenID: tok.TokenID, NodeID: nodeID, StepIndex: stepIndex, Attempt: attempt, InputHash: inputHash,
	})
	if err != nil {
		return GateDecision{}, fmt.Errorf("begin node state: %w", err)
	}

	result, err := gatePlugin.Evaluate(ctx, payloadBytes(tok.RowData))
	if err != nil {
		errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
		_ = e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", 0, errJSON, nil)
		return GateDecision{}, err
	}
	if err := e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateCompleted, Hash(result.Row), 0, nil, nil); err != nil {
		return GateDecision{}, fmt.Errorf("complete node state: %w", err)
	}

	switch result.Action {
	case pluginapi.ActionContinue:
		edgeID, ok := e.g.EdgeID(nodeID, "continue")
		if !ok {
			return GateDecision{}, &MissingEdgeError{NodeID: nodeID, Label: "continue"}
		}
		if err := e.recordRouting(ctx, tok.RunID, state.StateID, edgeID, recorder.EdgeMove, "", ""); err != nil {
			return GateDecision{}, err
		}
		return GateDecision{Action: pluginapi.ActionContinue, Row: result.Row}, nil

	case pluginapi.ActionRoute:
		if len(result.Labels) == 0 {
			return GateDecision{}, &PluginBugError{NodeID: nodeID, Detail: "Route action with no labels"}
		}
		reasonHash := Hash([]byte(result.Reason))
		// A single label is a true MOVE: the token travels over exactly one
		// edge. More than one label fans the row out to every resolved
		// destination, the same duplication ActionFork performs, so the
		// edges are recorded as COPY and share a routing_group_id (spec
		// §4.5: the audit trail must reflect every destination the row
		// actually reaches, not just the first).
		mode := recorder.EdgeMove
		var routingGroupID string
		if len(result.Labels) > 1 {
			mode = recorder.EdgeCopy
			routingGroupID = Hash([]byte(fmt.Sprintf("%s/%s/route", tok.TokenID, state.StateID)))
		}
		var sinks []string
		for _, label := range result.Labels {
			target, ok := e.g.RouteResolution(nodeID, label)
			if !ok {
				return GateDecision{}, &MissingRouteError{NodeID: nodeID, Label: label}
			}
			edgeID, ok := e.g.EdgeID(nodeID, label)
			if !ok {
				return GateDecision{}, &MissingEdgeError{NodeID: nodeID, Label: label}
			}
			if err := e.recordRouting(ctx, tok.RunID, state.StateID, edgeID, mode, reasonHash, routingGroupID); err != nil {
				return GateDecision{}, err
			}
			sinks = append(sinks, target)
		}
		return GateDecision{Action: pluginapi.ActionRoute, Row: result.Row, SinkTargets: sinks}, nil

	case pluginapi.ActionFork:
		if len(result.Branches) == 0 {
			return GateDecision{}, &PluginBugError{NodeID: nodeID, Detail: "Fork action with no branches"}
		}
		routingGroupID := Hash([]byte(fmt.Sprintf("%s/%s/fork", tok.TokenID, state.StateID)))
		for _, branch := range result.Branches {
			edgeID, ok := e.g.EdgeID(nodeID, branch)
			if !ok {
				return GateDecision{}, &MissingEdgeError{NodeID: nodeID, Label: branch}
			}
			if err := e.recordRouting(ctx, tok.RunID, state.StateID, edgeID, recorder.EdgeCopy, Hash([]byte(result.Reason)), routingGroupID); err != nil {
				return GateDecision{}, err
			}
		}
		return GateDecision{Action: pluginapi.ActionFork, Row: result.Row, Branches: result.Branches}, nil
	}

	return GateDecision{}, &PluginBugError{NodeID: nodeID, Detail: fmt.Sprintf("unknown gate action %q", result.Action)}
}

// ConfigGateSpec configures a config-driven expression gate (spec §4.5,
// §6.1).
type ConfigGateSpec struct {
	NodeID string
	// When non-empty, the boolean branch is used: the expression must
	// evaluate to true/false, dispatched through Routes["true"]/["false"].
	BooleanExpr string
	// When non-empty (and BooleanExpr is empty), the expression must
	// evaluate to a string route label present in Routes.
	LabelExpr string
}

// ExecuteConfig evaluates a config gate's safe expression and records its
// routing events.
func (e *GateExecutor) ExecuteConfig(ctx context.Context, spec ConfigGateSpec, tok recorder.Token, row map[string]any, stepIndex, attempt int) (GateDecision, error) {
	inputHash := Hash(payloadBytes(tok.RowData))
	state, err := e.r.BeginNodeState(ctx, recorder.NodeState{
		RunID: tok.RunID, TokenID: tok.TokenID, NodeID: spec.NodeID, StepIndex: stepIndex, Attempt: attempt, InputHash: inputHash,
	})
	if err != nil {
		return GateDecision{}, fmt.Errorf("begin node state: %w", err)
	}

	var label string
	if spec.BooleanExpr != "" {
		b, err := gateexpr.EvaluateBool(ctx, spec.BooleanExpr, row)
		if err != nil {
			errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
			_ = e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", 0, errJSON, nil)
			return GateDecision{}, err
		}
		label = fmt.Sprintf("%t", b)
	} else {
		l, err := gateexpr.EvaluateLabel(ctx, spec.LabelExpr, row)
		if err != nil {
			errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
			_ = e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", 0, errJSON, nil)
			return GateDecision{}, err
		}
		label = l
	}

	target, ok := e.g.RouteResolution(spec.NodeID, label)
	if !ok {
		_ = e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", 0, nil, nil)
		return GateDecision{}, &MissingRouteError{NodeID: spec.NodeID, Label: label}
	}
	if err := e.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateCompleted, Hash([]byte(label)), 0, nil, nil); err != nil {
		return GateDecision{}, fmt.Errorf("complete node state: %w", err)
	}

	switch target {
	case "continue":
		edgeID, ok := e.g.EdgeID(spec.NodeID, "continue")
		if !ok {
			return GateDecision{}, &MissingEdgeError{NodeID: spec.NodeID, Label: "continue"}
		}
		if err := e.recordRouting(ctx, tok.RunID, state.StateID, edgeID, recorder.EdgeMove, "", ""); err != nil {
			return GateDecision{}, err
		}
		return GateDecision{Action: pluginapi.ActionContinue}, nil

	case "fork":
		branches := e.g.ForkBranches(spec.NodeID)
		routingGroupID := Hash([]byte(fmt.Sprintf("%s/%s/fork", tok.TokenID, state.StateID)))
		for _, branch := range branches {
			edgeID, ok := e.g.EdgeID(spec.NodeID, branch)
			if !ok {
				return GateDecision{}, &MissingEdgeError{NodeID: spec.NodeID, Label: branch}
			}
			if err := e.recordRouting(ctx, tok.RunID, state.StateID, edgeID, recorder.EdgeCopy, "", routingGroupID); err != nil {
				return GateDecision{}, err
			}
		}
		return GateDecision{Action: pluginapi.ActionFork, Branches: branches}, nil

	default:
		edgeID, ok := e.g.EdgeID(spec.NodeID, label)
		if !ok {
			return GateDecision{}, &MissingEdgeError{NodeID: spec.NodeID, Label: label}
		}
		if err := e.recordRouting(ctx, tok.RunID, state.StateID, edgeID, recorder.EdgeMove, "", ""); err != nil {
			return GateDecision{}, err
		}
		return GateDecision{Action: pluginapi.ActionRoute, SinkTargets: []string{target}}, nil
	}
}

func (e *GateExecutor) recordRouting(ctx context.Context, runID, fromStateID, edgeID string, mode recorder.EdgeMode, reasonHash, routingGroupID string) error {
	if err := e.r.RecordRoutingEvent(ctx, recorder.RoutingEvent{
		RunID: runID, FromStateID: fromStateID, EdgeID: edgeID, Mode: mode, ReasonHash: reasonHash, RoutingGroupID: routingGroupID,
	}); err != nil {
		return faults.Wrap("routing-event-write-failed", fmt.Sprintf("edge %q", edgeID), err)
	}
	return nil
}
