package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow/corepipe/graph"
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/telemetry"
)

type fakeGate struct {
	result pluginapi.GateResult
	err    error
}

func (f *fakeGate) Evaluate(_ context.Context, row json.RawMessage) (pluginapi.GateResult, error) {
	r := f.result
	r.Row = row
	return r, f.err
}

func gateTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	nodes := []graph.NodeConfig{
		{NodeID: "src", Type: recorder.NodeSource},
		{NodeID: "gate1", Type: recorder.NodeGate},
		{NodeID: "sinkA", Type: recorder.NodeSink},
		{NodeID: "sinkB", Type: recorder.NodeSink},
	}
	edges := []graph.EdgeConfig{
		{FromNode: "gate1", ToNode: "sinkA", Label: "continue", Mode: recorder.EdgeMove},
		{FromNode: "gate1", ToNode: "sinkA", Label: "a", Mode: recorder.EdgeMove},
		{FromNode: "gate1", ToNode: "sinkB", Label: "b", Mode: recorder.EdgeCopy},
		{FromNode: "gate1", ToNode: "sinkB", Label: "branch_b", Mode: recorder.EdgeCopy},
	}
	gates := []graph.GateSettings{
		{NodeID: "gate1", Routes: map[string]string{"a": "sinkA", "b": "sinkB", "fork_route": "fork"}, ForkTo: []string{"branch_b"}},
	}
	g, err := graph.Build(nodes, edges, gates)
	require.NoError(t, err)
	return g
}

func TestGateExecutorPluginContinue(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := gateTestGraph(t)
	e := NewGateExecutor(rec, g, telemetry.Noop())

	gate := &fakeGate{result: pluginapi.GateResult{Action: pluginapi.ActionContinue}}
	decision, err := e.ExecutePlugin(context.Background(), "gate1", gate, tok, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, pluginapi.ActionContinue, decision.Action)
}

func TestGateExecutorPluginRoute(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := gateTestGraph(t)
	e := NewGateExecutor(rec, g, telemetry.Noop())

	gate := &fakeGate{result: pluginapi.GateResult{Action: pluginapi.ActionRoute, Labels: []string{"a"}}}
	decision, err := e.ExecutePlugin(context.Background(), "gate1", gate, tok, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"sinkA"}, decision.SinkTargets)
}

func TestGateExecutorPluginRouteMultiLabelRecordsCopyEdgesWithSharedGroup(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := gateTestGraph(t)
	e := NewGateExecutor(rec, g, telemetry.Noop())

	gate := &fakeGate{result: pluginapi.GateResult{Action: pluginapi.ActionRoute, Labels: []string{"a", "b"}}}
	decision, err := e.ExecutePlugin(context.Background(), "gate1", gate, tok, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"sinkA", "sinkB"}, decision.SinkTargets)

	states, err := rec.GetNodeStatesForToken(context.Background(), tok.RunID, tok.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 1)

	events, err := rec.GetRoutingEvents(context.Background(), tok.RunID, states[0].StateID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, recorder.EdgeCopy, ev.Mode)
	}
	assert.Equal(t, events[0].RoutingGroupID, events[1].RoutingGroupID)
	assert.NotEmpty(t, events[0].RoutingGroupID)
}

func TestGateExecutorPluginRouteSingleLabelIsMove(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := gateTestGraph(t)
	e := NewGateExecutor(rec, g, telemetry.Noop())

	gate := &fakeGate{result: pluginapi.GateResult{Action: pluginapi.ActionRoute, Labels: []string{"a"}}}
	_, err := e.ExecutePlugin(context.Background(), "gate1", gate, tok, 0, 1)
	require.NoError(t, err)

	states, err := rec.GetNodeStatesForToken(context.Background(), tok.RunID, tok.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 1)

	events, err := rec.GetRoutingEvents(context.Background(), tok.RunID, states[0].StateID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recorder.EdgeMove, events[0].Mode)
	assert.Empty(t, events[0].RoutingGroupID)
}

func TestGateExecutorPluginForkReturnsBranches(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := gateTestGraph(t)
	e := NewGateExecutor(rec, g, telemetry.Noop())

	gate := &fakeGate{result: pluginapi.GateResult{Action: pluginapi.ActionFork, Branches: []string{"branch_b"}}}
	decision, err := e.ExecutePlugin(context.Background(), "gate1", gate, tok, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"branch_b"}, decision.Branches)
}

func TestGateExecutorConfigLabelRoute(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := gateTestGraph(t)
	e := NewGateExecutor(rec, g, telemetry.Noop())

	spec := ConfigGateSpec{NodeID: "gate1", LabelExpr: "label"}
	decision, err := e.ExecuteConfig(context.Background(), spec, tok, map[string]any{"label": "a"}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"sinkA"}, decision.SinkTargets)
}

func TestGateExecutorConfigMissingRouteFails(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := gateTestGraph(t)
	e := NewGateExecutor(rec, g, telemetry.Noop())

	spec := ConfigGateSpec{NodeID: "gate1", LabelExpr: "label"}
	_, err := e.ExecuteConfig(context.Background(), spec, tok, map[string]any{"label": "nonexistent"}, 0, 1)
	var routeErr *MissingRouteError
	assert.ErrorAs(t, err, &routeErr)
}
