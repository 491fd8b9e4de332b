// Package orchestrator implements the Orchestrator (spec §2 item 7): it
// drives the source, feeds rows to the Row Processor, collects results per
// target sink, invokes sink writes, manages plugin lifecycle (on_start /
// close), runs preflight route validation, and emits pipeline-phase events.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pipeflow/corepipe/checkpoint"
	"github.com/pipeflow/corepipe/executor"
	"github.com/pipeflow/corepipe/faults"
	"github.com/pipeflow/corepipe/graph"
	"github.com/pipeflow/corepipe/hooks"
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/processor"
	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/telemetry"
	"github.com/pipeflow/corepipe/token"
)

// Config describes one run's wiring: the graph configuration, the
// executors' settings, the pipeline shape, and the plugin instances bound
// to each node.
type Config struct {
	ConfigHash       string
	CanonicalVersion string

	Nodes []graph.NodeConfig
	Edges []graph.EdgeConfig
	Gates []graph.GateSettings

	AggregationSettings []executor.AggregationSettings
	CoalesceSettings    []executor.CoalesceSettings

	Pipeline     processor.Pipeline
	SourceNodeID string
	Source       pluginapi.Source
	// Sinks maps a sink node id to its plugin instance. Every sink target
	// reachable from the pipeline (OutputSink, gate routes, on_error
	// destinations) must have an entry.
	Sinks map[string]pluginapi.Sink
	// SinkCohortSize bounds how many tokens accumulate for a sink before
	// the Orchestrator flushes a write cohort (spec §4.8: "the orchestrator
	// decides cohort boundaries"). Zero means "one cohort per sink,
	// flushed only at run end."
	SinkCohortSize int

	Recorder  recorder.Recorder
	Telemetry telemetry.Provider
	Hooks     hooks.Bus

	// Checkpoint, when set, persists the aggregation executor's buffer
	// state after every row and restores it at startup (spec §4.6).
	Checkpoint checkpoint.Store
}

// Summary reports the outcome of one completed run.
type Summary struct {
	RunID         string
	RowsRead      int
	RowsProcessed int
	ResultCounts  map[recorder.Outcome]int
}

// Orchestrator drives one pipeline run end to end.
type Orchestrator struct {
	cfg Config
	g   *graph.Graph
	tel telemetry.Provider
	bus hooks.Bus

	tm       *token.Manager
	aggExec  *executor.AggregationExecutor
	coalExec *executor.CoalesceExecutor
	sinkExec *executor.SinkExecutor
	proc     *processor.Processor
}

// New validates cfg (preflight route validation, spec §2 item 7) and
// wires the executors and Row Processor for a run. Construction fails
// fast on a malformed DAG; no Run row is created until Run is called.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("orchestrator: source is required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("orchestrator: recorder is required")
	}
	if cfg.SourceNodeID == "" {
		return nil, fmt.Errorf("orchestrator: source node id is required")
	}

	g, err := graph.Build(cfg.Nodes, cfg.Edges, cfg.Gates)
	if err != nil {
		return nil, fmt.Errorf("preflight route validation: %w", err)
	}

	tel := cfg.Telemetry
	if tel.Log == nil {
		tel = telemetry.Noop()
	}
	bus := cfg.Hooks
	if bus == nil {
		bus = hooks.NewBus()
	}

	tm := token.New(cfg.Recorder)
	txExec := executor.NewTransformExecutor(cfg.Recorder, g, tel)
	gateExec := executor.NewGateExecutor(cfg.Recorder, g, tel)
	aggExec := executor.NewAggregationExecutor(cfg.Recorder, tel, cfg.AggregationSettings)
	coalExec := executor.NewCoalesceExecutor(tm, tel, cfg.CoalesceSettings)
	proc := processor.New(tm, cfg.Recorder, g, txExec, gateExec, aggExec, coalExec, cfg.Pipeline)
	sinkExec := executor.NewSinkExecutor(cfg.Recorder, tel)

	return &Orchestrator{cfg: cfg, g: g, tel: tel, bus: bus, tm: tm, aggExec: aggExec, coalExec: coalExec, sinkExec: sinkExec, proc: proc}, nil
}

// Run drives the configured source through the Row Processor to
// completion, writing every RowResult to its target sink and returning
// exactly one PhaseError on failure (spec §6).
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	rec := o.cfg.Recorder
	run, err := rec.BeginRun(ctx, o.cfg.ConfigHash, o.cfg.CanonicalVersion)
	if err != nil {
		return Summary{}, fmt.Errorf("begin run: %w", err)
	}
	runID := run.RunID
	o.publish(ctx, hooks.Event{Type: hooks.EventRunStarted, RunID: runID})

	if err := o.registerGraph(ctx, runID); err != nil {
		return o.fail(ctx, runID, hooks.PhaseSource, err)
	}

	if o.cfg.Checkpoint != nil {
		if data, loadErr := o.cfg.Checkpoint.Load(ctx, runID); loadErr == nil {
			if err := o.aggExec.RestoreFromCheckpoint(data); err != nil {
				return o.fail(ctx, runID, hooks.PhaseProcess, fmt.Errorf("restore checkpoint: %w", err))
			}
		} else if loadErr != checkpoint.ErrNotFound {
			return o.fail(ctx, runID, hooks.PhaseProcess, fmt.Errorf("load checkpoint: %w", loadErr))
		}
	}

	summary := Summary{RunID: runID, ResultCounts: map[recorder.Outcome]int{}}
	cohorts := newSinkCohorts(o.cfg.Sinks, o.cfg.SinkCohortSize)

	if err := o.cfg.Source.OnStart(ctx); err != nil {
		return o.fail(ctx, runID, hooks.PhaseSource, fmt.Errorf("source on_start: %w", err))
	}

	rows, err := o.cfg.Source.Load(ctx)
	if err != nil {
		return o.fail(ctx, runID, hooks.PhaseSource, fmt.Errorf("source load: %w", err))
	}

	rowIndex := 0
	for sourceRow := range rows {
		if ctx.Err() != nil {
			_ = o.aggExec.FailOpenBatches(ctx)
			return o.fail(ctx, runID, hooks.PhaseProcess, ctx.Err())
		}
		summary.RowsRead++

		results, err := o.processOneRow(ctx, runID, rowIndex, sourceRow)
		if err != nil {
			_ = o.aggExec.FailOpenBatches(ctx)
			return o.fail(ctx, runID, hooks.PhaseProcess, err)
		}
		rowIndex++
		summary.RowsProcessed++

		for _, res := range results {
			summary.ResultCounts[res.Outcome]++
			if res.Outcome == recorder.OutcomeCompleted || res.Outcome == recorder.OutcomeRouted {
				if flushed, err := cohorts.add(res.SinkName, res.Token); err != nil {
					return o.fail(ctx, runID, hooks.PhaseSink, err)
				} else if flushed != nil {
					if err := o.writeCohort(ctx, res.SinkName, flushed); err != nil {
						return o.fail(ctx, runID, hooks.PhaseSink, err)
					}
				}
			}
		}
		o.publish(ctx, hooks.Event{Type: hooks.EventRowProcessed, RunID: runID, Attributes: map[string]any{"row_index": rowIndex - 1}})

		if o.cfg.Checkpoint != nil {
			data, err := o.aggExec.GetCheckpointState()
			if err != nil {
				return o.fail(ctx, runID, hooks.PhaseProcess, fmt.Errorf("checkpoint state: %w", err))
			}
			if err := o.cfg.Checkpoint.Save(ctx, runID, data); err != nil {
				return o.fail(ctx, runID, hooks.PhaseProcess, fmt.Errorf("save checkpoint: %w", err))
			}
		}
	}

	if err := o.cfg.Source.OnComplete(ctx); err != nil {
		return o.fail(ctx, runID, hooks.PhaseSource, fmt.Errorf("source on_complete: %w", err))
	}
	if err := o.cfg.Source.Close(); err != nil {
		return o.fail(ctx, runID, hooks.PhaseSource, fmt.Errorf("source close: %w", err))
	}

	for sinkName, tokens := range cohorts.drainAll() {
		if len(tokens) == 0 {
			continue
		}
		if err := o.writeCohort(ctx, sinkName, tokens); err != nil {
			return o.fail(ctx, runID, hooks.PhaseSink, err)
		}
	}

	for name, sink := range o.cfg.Sinks {
		if err := sink.OnComplete(ctx); err != nil {
			return o.fail(ctx, runID, hooks.PhaseSink, fmt.Errorf("sink %q on_complete: %w", name, err))
		}
		if err := sink.Close(); err != nil {
			return o.fail(ctx, runID, hooks.PhaseSink, fmt.Errorf("sink %q close: %w", name, err))
		}
	}

	if err := rec.EndRun(ctx, runID, recorder.RunCompleted); err != nil {
		return summary, fmt.Errorf("end run: %w", err)
	}
	o.publish(ctx, hooks.Event{Type: hooks.EventRunCompleted, RunID: runID})
	return summary, nil
}

// processOneRow admits a single SourceRow: invalid rows are quarantined
// immediately without entering the pipeline (spec §6 "SourceRow(valid |
// invalid(reason))"); valid rows are driven through the Row Processor.
func (o *Orchestrator) processOneRow(ctx context.Context, runID string, rowIndex int, row pluginapi.SourceRow) ([]processor.RowResult, error) {
	if !row.Valid {
		tok, err := o.tm.CreateInitialToken(ctx, runID, o.cfg.SourceNodeID, rowIndex, row.Record)
		if err != nil {
			return nil, fmt.Errorf("create token for invalid row %d: %w", rowIndex, err)
		}
		if err := o.cfg.Recorder.RecordTerminalOutcome(ctx, recorder.TokenOutcome{
			RunID: runID, TokenID: tok.TokenID, Outcome: recorder.OutcomeQuarantined,
		}); err != nil {
			return nil, fmt.Errorf("quarantine invalid row %d: %w", rowIndex, err)
		}
		o.tel.Log.Warn(ctx, "source declared row invalid", "row_index", rowIndex, "reason", row.Reason)
		return []processor.RowResult{{Token: tok, Outcome: recorder.OutcomeQuarantined}}, nil
	}
	return o.proc.ProcessRow(ctx, runID, o.cfg.SourceNodeID, rowIndex, row.Record)
}

func (o *Orchestrator) writeCohort(ctx context.Context, sinkName string, tokens []recorder.Token) error {
	sink, ok := o.cfg.Sinks[sinkName]
	if !ok {
		return faults.New("missing-sink-plugin", fmt.Sprintf("no sink plugin registered for target %q", sinkName))
	}
	_, err := o.sinkExec.WriteCohort(ctx, sinkName, tokens, sink)
	return err
}

func (o *Orchestrator) registerGraph(ctx context.Context, runID string) error {
	rec := o.cfg.Recorder
	for _, n := range o.cfg.Nodes {
		if err := rec.RegisterNode(ctx, recorder.Node{
			RunID: runID, NodeID: n.NodeID, PluginName: n.PluginName, NodeType: n.Type, PluginVersion: n.PluginVersion,
		}); err != nil {
			return fmt.Errorf("register node %q: %w", n.NodeID, err)
		}
	}
	for _, e := range o.cfg.Edges {
		edgeID, ok := o.g.EdgeID(e.FromNode, e.Label)
		if !ok {
			return faults.New("unresolved-edge", fmt.Sprintf("edge %s->%s label %q missing from built graph", e.FromNode, e.ToNode, e.Label))
		}
		if err := rec.RegisterEdge(ctx, recorder.Edge{
			RunID: runID, EdgeID: edgeID, FromNode: e.FromNode, ToNode: e.ToNode, Label: e.Label, Mode: e.Mode,
		}); err != nil {
			return fmt.Errorf("register edge %q: %w", edgeID, err)
		}
	}
	return nil
}

// fail ends the run FAILED and emits exactly one PhaseError (spec §6).
func (o *Orchestrator) fail(ctx context.Context, runID string, phase hooks.Phase, cause error) (Summary, error) {
	if endErr := o.cfg.Recorder.EndRun(ctx, runID, recorder.RunFailed); endErr != nil {
		o.tel.Log.Error(ctx, "failed to close run after phase error", "run_id", runID, "error", endErr)
	}
	perr := &hooks.PhaseError{Phase: phase, Err: cause}
	o.publish(ctx, hooks.Event{Type: hooks.EventRunFailed, RunID: runID, Phase: phase, Err: cause})
	return Summary{RunID: runID}, perr
}

func (o *Orchestrator) publish(ctx context.Context, e hooks.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := o.bus.Publish(ctx, e); err != nil {
		o.tel.Log.Warn(ctx, "pipeline event subscriber returned an error", "event_type", e.Type, "error", err)
	}
}
