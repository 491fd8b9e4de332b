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

type fakeTransform struct {
	desc    pluginapi.TransformDescriptor
	result  pluginapi.TransformResult
	procErr error
}

func (f *fakeTransform) Descriptor() pluginapi.TransformDescriptor { return f.desc }
func (f *fakeTransform) Process(_ context.Context, _ json.RawMessage) (pluginapi.TransformResult, error) {
	return f.result, f.procErr
}
func (f *fakeTransform) ProcessBatch(_ context.Context, rows []json.RawMessage) (pluginapi.TransformResult, error) {
	return pluginapi.TransformResult{Kind: pluginapi.ResultSuccessMulti, Rows: rows}, nil
}

func testGraphWithDiscardTransform(t *testing.T) *graph.Graph {
	t.Helper()
	nodes := []graph.NodeConfig{
		{NodeID: "src", Type: recorder.NodeSource},
		{NodeID: "xform", Type: recorder.NodeTransform},
		{NodeID: "errsink", Type: recorder.NodeSink},
	}
	edges := []graph.EdgeConfig{
		{FromNode: "xform", ToNode: "errsink", Label: "error", Mode: recorder.EdgeDivert},
	}
	g, err := graph.Build(nodes, edges, nil)
	require.NoError(t, err)
	return g
}

func seedToken(t *testing.T, rec recorder.Recorder) recorder.Token {
	t.Helper()
	ctx := context.Background()
	run, err := rec.BeginRun(ctx, "hash", "v1")
	require.NoError(t, err)
	row := recorder.Row{RunID: run.RunID, RowID: "row-1", Data: recorder.Payload{Inline: json.RawMessage(`{"a":1}`)}}
	require.NoError(t, rec.CreateRow(ctx, row))
	tok := recorder.Token{RunID: run.RunID, TokenID: "tok-1", RowID: row.RowID, RowData: row.Data}
	require.NoError(t, rec.CreateToken(ctx, tok))
	return tok
}

func TestTransformExecutorSuccessUpdatesRowData(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := testGraphWithDiscardTransform(t)
	e := NewTransformExecutor(rec, g, telemetry.Noop())

	tr := &fakeTransform{
		desc:   pluginapi.TransformDescriptor{NodeID: "xform"},
		result: pluginapi.TransformResult{Kind: pluginapi.ResultSuccess, Row: json.RawMessage(`{"a":2}`)},
	}

	result, updated, errSink, err := e.Execute(context.Background(), tr, tok, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, errSink)
	assert.Equal(t, pluginapi.ResultSuccess, result.Kind)
	assert.JSONEq(t, `{"a":2}`, string(updated.RowData.Inline))
}

func TestTransformExecutorDiscardError(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := testGraphWithDiscardTransform(t)
	e := NewTransformExecutor(rec, g, telemetry.Noop())

	discard := "discard"
	tr := &fakeTransform{
		desc:   pluginapi.TransformDescriptor{NodeID: "xform", OnError: &discard},
		result: pluginapi.TransformResult{Kind: pluginapi.ResultError, Reason: "bad row"},
	}

	_, _, errSink, err := e.Execute(context.Background(), tr, tok, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "discard", errSink)

	errs, err := rec.GetTransformErrorsForToken(context.Background(), tok.RunID, tok.TokenID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "discard", errs[0].Destination)
}

func TestTransformExecutorRoutesToSinkOverDivertEdge(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := testGraphWithDiscardTransform(t)
	e := NewTransformExecutor(rec, g, telemetry.Noop())

	sink := "errsink"
	tr := &fakeTransform{
		desc:   pluginapi.TransformDescriptor{NodeID: "xform", OnError: &sink},
		result: pluginapi.TransformResult{Kind: pluginapi.ResultError, Reason: "needs review"},
	}

	_, _, errSink, err := e.Execute(context.Background(), tr, tok, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "errsink", errSink)
}

func TestTransformExecutorUnsetOnErrorIsPluginBug(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := testGraphWithDiscardTransform(t)
	e := NewTransformExecutor(rec, g, telemetry.Noop())

	tr := &fakeTransform{
		desc:   pluginapi.TransformDescriptor{NodeID: "xform"},
		result: pluginapi.TransformResult{Kind: pluginapi.ResultError, Reason: "oops"},
	}

	_, _, _, err := e.Execute(context.Background(), tr, tok, 0, 1)
	var bugErr *PluginBugError
	assert.ErrorAs(t, err, &bugErr)
}

func TestTransformExecutorSuccessMultiWithoutCreatesTokensIsPluginBug(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	g := testGraphWithDiscardTransform(t)
	e := NewTransformExecutor(rec, g, telemetry.Noop())

	tr := &fakeTransform{
		desc:   pluginapi.TransformDescriptor{NodeID: "xform", CreatesTokens: false},
		result: pluginapi.TransformResult{Kind: pluginapi.ResultSuccessMulti, Rows: []json.RawMessage{json.RawMessage(`{}`)}},
	}

	_, _, _, err := e.Execute(context.Background(), tr, tok, 0, 1)
	var bugErr *PluginBugError
	assert.ErrorAs(t, err, &bugErr)
}

func TestTransformExecutorMissingDivertEdgeIsInvariantViolation(t *testing.T) {
	rec := recorder.NewMemory()
	tok := seedToken(t, rec)
	nodes := []graph.NodeConfig{{NodeID: "src", Type: recorder.NodeSource}, {NodeID: "xform", Type: recorder.NodeTransform}}
	g, err := graph.Build(nodes, nil, nil)
	require.NoError(t, err)
	e := NewTransformExecutor(rec, g, telemetry.Noop())

	sink := "errsink"
	tr := &fakeTransform{
		desc:   pluginapi.TransformDescriptor{NodeID: "xform", OnError: &sink},
		result: pluginapi.TransformResult{Kind: pluginapi.ResultError, Reason: "oops"},
	}

	_, _, _, err = e.Execute(context.Background(), tr, tok, 0, 1)
	assert.Error(t, err)
}
