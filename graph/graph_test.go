package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow/corepipe/recorder"
)

func simpleNodes() []NodeConfig {
	return []NodeConfig{
		{NodeID: "src", Type: recorder.NodeSource, PluginName: "csv_source", PluginVersion: "1.0.0"},
		{NodeID: "gate1", Type: recorder.NodeGate, PluginName: "risk_gate", PluginVersion: "1.0.0"},
		{NodeID: "sinkA", Type: recorder.NodeSink, PluginName: "jsonl_sink", PluginVersion: "1.0.0"},
		{NodeID: "sinkB", Type: recorder.NodeSink, PluginName: "jsonl_sink", PluginVersion: "1.0.0"},
	}
}

func TestBuildValidGraph(t *testing.T) {
	edges := []EdgeConfig{
		{FromNode: "src", ToNode: "gate1", Label: "continue", Mode: recorder.EdgeMove},
		{FromNode: "gate1", ToNode: "sinkA", Label: "to_a", Mode: recorder.EdgeMove},
		{FromNode: "gate1", ToNode: "sinkB", Label: "to_b", Mode: recorder.EdgeCopy},
	}
	gates := []GateSettings{
		{NodeID: "gate1", Routes: map[string]string{"a": "sinkA", "b": "sinkB"}},
	}

	g, err := Build(simpleNodes(), edges, gates)
	require.NoError(t, err)

	id, ok := g.EdgeID("gate1", "to_a")
	require.True(t, ok)
	assert.Equal(t, "gate1#to_a", id)

	target, ok := g.RouteResolution("gate1", "a")
	require.True(t, ok)
	assert.Equal(t, "sinkA", target)
}

func TestBuildRejectsMissingSource(t *testing.T) {
	nodes := []NodeConfig{{NodeID: "sink", Type: recorder.NodeSink}}
	_, err := Build(nodes, nil, nil)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBuildRejectsDuplicateNodeID(t *testing.T) {
	nodes := []NodeConfig{
		{NodeID: "src", Type: recorder.NodeSource},
		{NodeID: "src", Type: recorder.NodeSink},
	}
	_, err := Build(nodes, nil, nil)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBuildRejectsRouteToUnregisteredSink(t *testing.T) {
	gates := []GateSettings{
		{NodeID: "gate1", Routes: map[string]string{"a": "missing_sink"}},
	}
	edges := []EdgeConfig{{FromNode: "src", ToNode: "gate1", Label: "continue", Mode: recorder.EdgeMove}}
	_, err := Build(simpleNodes(), edges, gates)
	var routeErr *RouteValidationError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, "gate1", routeErr.NodeID)
}

func TestBuildRejectsForkBranchWithoutEdge(t *testing.T) {
	gates := []GateSettings{
		{NodeID: "gate1", Routes: map[string]string{"x": "fork"}, ForkTo: []string{"branch_a"}},
	}
	_, err := Build(simpleNodes(), nil, gates)
	var routeErr *RouteValidationError
	require.ErrorAs(t, err, &routeErr)
}

func TestBuildRejectsRouteToNonSinkTarget(t *testing.T) {
	edges := []EdgeConfig{{FromNode: "gate1", ToNode: "src", Label: "back", Mode: recorder.EdgeMove}}
	gates := []GateSettings{
		{NodeID: "gate1", Routes: map[string]string{"a": "src"}},
	}
	_, err := Build(simpleNodes(), edges, gates)
	var routeErr *RouteValidationError
	require.ErrorAs(t, err, &routeErr)
}
