package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow/corepipe/checkpoint"
	"github.com/pipeflow/corepipe/executor"
	"github.com/pipeflow/corepipe/graph"
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/processor"
	"github.com/pipeflow/corepipe/recorder"
)

type fakeSource struct {
	rows   []pluginapi.SourceRow
	ch     chan pluginapi.SourceRow
	closed bool
}

func (s *fakeSource) OnStart(context.Context) error { return nil }

func (s *fakeSource) Load(context.Context) (<-chan pluginapi.SourceRow, error) {
	s.ch = make(chan pluginapi.SourceRow, len(s.rows))
	for _, r := range s.rows {
		s.ch <- r
	}
	close(s.ch)
	return s.ch, nil
}

func (s *fakeSource) OnComplete(context.Context) error { return nil }
func (s *fakeSource) Close() error                     { s.closed = true; return nil }

type recordingSink struct {
	writes [][]json.RawMessage
	closed bool
}

func (s *recordingSink) OnStart(context.Context) error { return nil }
func (s *recordingSink) Write(_ context.Context, rows []json.RawMessage) (pluginapi.ArtifactDescriptor, error) {
	s.writes = append(s.writes, rows)
	return pluginapi.ArtifactDescriptor{PathOrURI: "mem://out", ContentHash: "h", SizeBytes: int64(len(rows))}, nil
}
func (s *recordingSink) OnComplete(context.Context) error { return nil }
func (s *recordingSink) Close() error                     { s.closed = true; return nil }
func (s *recordingSink) Idempotent() bool                 { return true }

type passthroughTransform struct{}

func (passthroughTransform) Descriptor() pluginapi.TransformDescriptor {
	return pluginapi.TransformDescriptor{Name: "passthrough", NodeID: "xform"}
}
func (passthroughTransform) Process(_ context.Context, row json.RawMessage) (pluginapi.TransformResult, error) {
	return pluginapi.TransformResult{Kind: pluginapi.ResultSuccess, Row: row}, nil
}
func (passthroughTransform) ProcessBatch(context.Context, []json.RawMessage) (pluginapi.TransformResult, error) {
	return pluginapi.TransformResult{}, nil
}

func baseConfig(t *testing.T) Config {
	t.Helper()
	nodes := []graph.NodeConfig{
		{NodeID: "src", Type: recorder.NodeSource},
		{NodeID: "xform", Type: recorder.NodeTransform},
		{NodeID: "sink1", Type: recorder.NodeSink},
	}
	source := &fakeSource{rows: []pluginapi.SourceRow{
		{Valid: true, Record: json.RawMessage(`{"a":1}`)},
		{Valid: true, Record: json.RawMessage(`{"a":2}`)},
		{Valid: false, Reason: "schema_mismatch", Record: json.RawMessage(`{"bad":true}`)},
	}}
	sink := &recordingSink{}
	return Config{
		ConfigHash: "hash", CanonicalVersion: "v1",
		Nodes: nodes,
		Pipeline: processor.Pipeline{
			Steps:      []processor.Step{{NodeID: "xform", Kind: processor.StepTransform, Transform: passthroughTransform{}}},
			OutputSink: "sink1",
		},
		SourceNodeID: "src",
		Source:       source,
		Sinks:        map[string]pluginapi.Sink{"sink1": sink},
		Recorder:     recorder.NewMemory(),
	}
}

func TestOrchestratorRunWritesAllRowsAndQuarantinesInvalid(t *testing.T) {
	cfg := baseConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RowsRead)
	assert.Equal(t, 2, summary.ResultCounts[recorder.OutcomeCompleted])
	assert.Equal(t, 1, summary.ResultCounts[recorder.OutcomeQuarantined])

	sink := cfg.Sinks["sink1"].(*recordingSink)
	require.Len(t, sink.writes, 1)
	assert.Len(t, sink.writes[0], 2)
	assert.True(t, sink.closed)

	run, err := cfg.Recorder.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, recorder.RunCompleted, run.Status)
}

func TestOrchestratorRunFlushesSinkAtConfiguredCohortSize(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SinkCohortSize = 1
	o, err := New(cfg)
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.NoError(t, err)

	sink := cfg.Sinks["sink1"].(*recordingSink)
	assert.Len(t, sink.writes, 2)
	for _, w := range sink.writes {
		assert.Len(t, w, 1)
	}
}

func TestOrchestratorRunFailsOnMissingSinkPlugin(t *testing.T) {
	cfg := baseConfig(t)
	delete(cfg.Sinks, "sink1")
	o, err := New(cfg)
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.Error(t, err)
}

func TestOrchestratorRunRejectsInvalidGraph(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Edges = []graph.EdgeConfig{{FromNode: "xform", ToNode: "nonexistent", Label: "continue"}}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestOrchestratorSavesAggregationCheckpointAfterRow(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	rec := recorder.NewMemory()

	nodes := []graph.NodeConfig{
		{NodeID: "src", Type: recorder.NodeSource},
		{NodeID: "agg1", Type: recorder.NodeAggregation},
		{NodeID: "sink1", Type: recorder.NodeSink},
	}
	sink := &recordingSink{}
	source := &fakeSource{rows: []pluginapi.SourceRow{
		{Valid: true, Record: json.RawMessage(`{"v":1}`)},
	}}
	cfg := Config{
		ConfigHash: "h", CanonicalVersion: "v1",
		Nodes:               nodes,
		AggregationSettings: []executor.AggregationSettings{{NodeID: "agg1", TriggerCount: 5, TransformMode: false}},
		Pipeline: processor.Pipeline{
			Steps:      []processor.Step{{NodeID: "agg1", Kind: processor.StepAggregation, Transform: passthroughTransform{}}},
			OutputSink: "sink1",
		},
		SourceNodeID: "src",
		Source:       source,
		Sinks:        map[string]pluginapi.Sink{"sink1": sink},
		Recorder:     rec,
		Checkpoint:   store,
	}

	o, err := New(cfg)
	require.NoError(t, err)
	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RowsRead)

	saved, err := store.Load(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "agg1")
}
