// Command pipelinerun wires a trivial in-memory source, an uppercasing
// transform, and a stdout sink through the Orchestrator, demonstrating the
// minimal wiring a host application needs to execute one pipeline run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pipeflow/corepipe/graph"
	"github.com/pipeflow/corepipe/orchestrator"
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/processor"
	"github.com/pipeflow/corepipe/recorder"
)

// memSource yields a fixed slice of rows, declaring one deliberately
// invalid to exercise the quarantine path.
type memSource struct {
	rows []pluginapi.SourceRow
}

func (s *memSource) OnStart(context.Context) error { return nil }

func (s *memSource) Load(context.Context) (<-chan pluginapi.SourceRow, error) {
	ch := make(chan pluginapi.SourceRow, len(s.rows))
	for _, r := range s.rows {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func (s *memSource) OnComplete(context.Context) error { return nil }
func (s *memSource) Close() error                     { return nil }

type upperTransform struct{}

func (upperTransform) Descriptor() pluginapi.TransformDescriptor {
	return pluginapi.TransformDescriptor{Name: "upper", NodeID: "upper", Determinism: pluginapi.Deterministic}
}

func (upperTransform) Process(_ context.Context, row json.RawMessage) (pluginapi.TransformResult, error) {
	var rec struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(row, &rec); err != nil {
		return pluginapi.TransformResult{Kind: pluginapi.ResultError, Reason: err.Error()}, nil
	}
	out, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: strings.ToUpper(rec.Text)})
	if err != nil {
		return pluginapi.TransformResult{}, err
	}
	return pluginapi.TransformResult{Kind: pluginapi.ResultSuccess, Row: out}, nil
}

func (upperTransform) ProcessBatch(context.Context, []json.RawMessage) (pluginapi.TransformResult, error) {
	return pluginapi.TransformResult{}, fmt.Errorf("upper: not batch aware")
}

type stdoutSink struct{}

func (stdoutSink) OnStart(context.Context) error { return nil }

func (stdoutSink) Write(_ context.Context, rows []json.RawMessage) (pluginapi.ArtifactDescriptor, error) {
	for _, r := range rows {
		fmt.Println(string(r))
	}
	return pluginapi.ArtifactDescriptor{PathOrURI: "stdout", Type: "ndjson", SizeBytes: int64(len(rows))}, nil
}

func (stdoutSink) OnComplete(context.Context) error { return nil }
func (stdoutSink) Close() error                     { return nil }
func (stdoutSink) Idempotent() bool                 { return true }

func main() {
	cfg := orchestrator.Config{
		ConfigHash:       "demo",
		CanonicalVersion: "v1",
		Nodes: []graph.NodeConfig{
			{NodeID: "src", Type: recorder.NodeSource},
			{NodeID: "upper", Type: recorder.NodeTransform},
			{NodeID: "out", Type: recorder.NodeSink},
		},
		Pipeline: processor.Pipeline{
			Steps:      []processor.Step{{NodeID: "upper", Kind: processor.StepTransform, Transform: upperTransform{}}},
			OutputSink: "out",
		},
		SourceNodeID: "src",
		Source: &memSource{rows: []pluginapi.SourceRow{
			{Valid: true, Record: json.RawMessage(`{"text":"hello"}`)},
			{Valid: true, Record: json.RawMessage(`{"text":"world"}`)},
			{Valid: false, Reason: "schema_mismatch", Record: json.RawMessage(`{"bad":true}`)},
		}},
		Sinks:    map[string]pluginapi.Sink{"out": stdoutSink{}},
		Recorder: recorder.NewMemory(),
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		panic(err)
	}
	summary, err := o.Run(context.Background())
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s: read=%d processed=%d outcomes=%v\n",
		summary.RunID, summary.RowsRead, summary.RowsProcessed, summary.ResultCounts)
}
