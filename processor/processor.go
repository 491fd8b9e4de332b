package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pipeflow/corepipe/executor"
	"github.com/pipeflow/corepipe/faults"
	"github.com/pipeflow/corepipe/graph"
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/retry"
	"github.com/pipeflow/corepipe/token"
)

// MaxWorkQueueIterations bounds the FIFO work queue per source row (spec
// §4.7): exceeding it is a fatal invariant violation rather than a silent
// hang.
const MaxWorkQueueIterations = 10_000

// RowResult is the Row Processor's output for one terminal token: a token
// that reached a sink, was discarded, failed, or otherwise stopped
// advancing through the pipeline.
type RowResult struct {
	Token    recorder.Token
	Outcome  recorder.Outcome
	SinkName string
}

// Processor implements the Row Processor (spec §4.7), driving one source
// row's token(s) through the configured Pipeline using the executor
// package's per-component executors.
type Processor struct {
	tm       *token.Manager
	rec      recorder.Recorder
	g        *graph.Graph
	txExec   *executor.TransformExecutor
	gateExec *executor.GateExecutor
	aggExec  *executor.AggregationExecutor
	coalExec *executor.CoalesceExecutor
	pipeline Pipeline
}

// New constructs a Processor wired to the executors and graph built for one
// run.
func New(
	tm *token.Manager,
	rec recorder.Recorder,
	g *graph.Graph,
	txExec *executor.TransformExecutor,
	gateExec *executor.GateExecutor,
	aggExec *executor.AggregationExecutor,
	coalExec *executor.CoalesceExecutor,
	pipeline Pipeline,
) *Processor {
	return &Processor{tm: tm, rec: rec, g: g, txExec: txExec, gateExec: gateExec, aggExec: aggExec, coalExec: coalExec, pipeline: pipeline}
}

type workItem struct {
	Token recorder.Token
	Step  int
}

// ProcessRow drives one source row from its initial token through the
// pipeline to every terminal RowResult it produces (spec §4.7 steps 1-4).
func (p *Processor) ProcessRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, rowData json.RawMessage) ([]RowResult, error) {
	tok, err := p.tm.CreateInitialToken(ctx, runID, sourceNodeID, rowIndex, rowData)
	if err != nil {
		return nil, fmt.Errorf("create initial token: %w", err)
	}

	queue := []workItem{{Token: tok, Step: 0}}
	var results []RowResult
	iterations := 0

	for len(queue) > 0 {
		iterations++
		if iterations > MaxWorkQueueIterations {
			return results, faults.New("work-queue-exhausted", fmt.Sprintf("row %d exceeded %d work queue iterations", rowIndex, MaxWorkQueueIterations))
		}
		item := queue[0]
		queue = queue[1:]

		res, next, err := p.runStep(ctx, item)
		if err != nil {
			return results, err
		}
		results = append(results, res...)
		queue = append(queue, next...)
	}
	return results, nil
}

// runStep executes the step at item.Step for item.Token, returning any
// terminal RowResults it produced (a gate's multi-destination Route can
// produce more than one in a single call) plus the work items to enqueue
// next.
func (p *Processor) runStep(ctx context.Context, item workItem) ([]RowResult, []workItem, error) {
	if item.Step >= len(p.pipeline.Steps) {
		if err := p.recordOutcome(ctx, item.Token, recorder.OutcomeCompleted, p.pipeline.OutputSink, "", "", ""); err != nil {
			return nil, nil, err
		}
		return []RowResult{{Token: item.Token, Outcome: recorder.OutcomeCompleted, SinkName: p.pipeline.OutputSink}}, nil, nil
	}

	step := p.pipeline.Steps[item.Step]
	switch step.Kind {
	case StepPluginGate:
		return p.runGateStep(ctx, step, item, func(ctx context.Context, tok recorder.Token) (executor.GateDecision, error) {
			return p.gateExec.ExecutePlugin(ctx, step.NodeID, step.PluginGate, tok, item.Step, 1)
		})

	case StepConfigGate:
		return p.runGateStep(ctx, step, item, func(ctx context.Context, tok recorder.Token) (executor.GateDecision, error) {
			row, err := decodeRow(tok)
			if err != nil {
				return executor.GateDecision{}, err
			}
			spec := executor.ConfigGateSpec{NodeID: step.ConfigGate.NodeID, BooleanExpr: step.ConfigGate.BooleanExpr, LabelExpr: step.ConfigGate.LabelExpr}
			return p.gateExec.ExecuteConfig(ctx, spec, tok, row, item.Step, 1)
		})

	case StepAggregation:
		return p.runAggregationStep(ctx, step, item)

	default: // StepTransform
		return p.runTransformStep(ctx, step, item)
	}
}

func decodeRow(tok recorder.Token) (map[string]any, error) {
	row := map[string]any{}
	if len(tok.RowData.Inline) > 0 {
		if err := json.Unmarshal(tok.RowData.Inline, &row); err != nil {
			return nil, fmt.Errorf("decode row for config gate: %w", err)
		}
	}
	return row, nil
}

func (p *Processor) runGateStep(ctx context.Context, _ Step, item workItem, evaluate func(context.Context, recorder.Token) (executor.GateDecision, error)) ([]RowResult, []workItem, error) {
	decision, err := evaluate(ctx, item.Token)
	if err != nil {
		return nil, nil, err
	}

	switch decision.Action {
	case pluginapi.ActionContinue:
		tok := item.Token
		if len(decision.Row) > 0 {
			tok.RowData = recorder.Payload{Inline: decision.Row}
		}
		res, next, err := p.advance(ctx, item.Step, tok)
		if err != nil {
			return nil, nil, err
		}
		return singleResult(res), next, nil

	case pluginapi.ActionRoute:
		sinks := decision.SinkTargets
		if len(sinks) == 1 {
			sink := sinks[0]
			if err := p.recordOutcome(ctx, item.Token, recorder.OutcomeRouted, sink, "", "", ""); err != nil {
				return nil, nil, err
			}
			return []RowResult{{Token: item.Token, Outcome: recorder.OutcomeRouted, SinkName: sink}}, nil, nil
		}

		// More than one resolved destination: duplicate the token per
		// destination the way ActionFork does, so every destination the
		// Gate Executor already recorded a routing event for gets its own
		// terminal outcome instead of silently dropping all but the first.
		children, forkGroupID, err := p.tm.ForkToken(ctx, item.Token, sinks)
		if err != nil {
			return nil, nil, fmt.Errorf("fork routed token: %w", err)
		}
		if err := p.recordOutcome(ctx, item.Token, recorder.OutcomeForked, "", forkGroupID, "", ""); err != nil {
			return nil, nil, err
		}
		results := make([]RowResult, 0, len(children))
		for i, child := range children {
			sink := sinks[i]
			if err := p.recordOutcome(ctx, child, recorder.OutcomeRouted, sink, "", "", ""); err != nil {
				return nil, nil, err
			}
			results = append(results, RowResult{Token: child, Outcome: recorder.OutcomeRouted, SinkName: sink})
		}
		return results, nil, nil

	case pluginapi.ActionFork:
		children, forkGroupID, err := p.tm.ForkToken(ctx, item.Token, decision.Branches)
		if err != nil {
			return nil, nil, fmt.Errorf("fork token: %w", err)
		}
		if err := p.recordOutcome(ctx, item.Token, recorder.OutcomeForked, "", forkGroupID, "", ""); err != nil {
			return nil, nil, err
		}
		var next []workItem
		for _, c := range children {
			items, err := p.advanceChild(ctx, item.Step, c)
			if err != nil {
				return nil, nil, err
			}
			next = append(next, items...)
		}
		return nil, next, nil
	}

	return nil, nil, &executor.PluginBugError{NodeID: "", Detail: fmt.Sprintf("unhandled gate action %q", decision.Action)}
}

// singleResult wraps an optional terminal RowResult into the []RowResult
// shape runStep's callers expect.
func singleResult(res *RowResult) []RowResult {
	if res == nil {
		return nil
	}
	return []RowResult{*res}
}

func (p *Processor) runAggregationStep(ctx context.Context, step Step, item workItem) ([]RowResult, []workItem, error) {
	shouldFlush, err := p.aggExec.BufferRow(ctx, step.NodeID, item.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("buffer row at %q: %w", step.NodeID, err)
	}
	if !shouldFlush {
		return nil, nil, nil
	}
	next, err := p.flushAggregation(ctx, step, item.Step)
	return nil, next, err
}

// flushAggregation drains an aggregation node's open batch and enqueues its
// output (new output tokens in transform mode, the original input tokens in
// passthrough mode) onto the same work queue at the next step (spec §4.7
// step 3).
func (p *Processor) flushAggregation(ctx context.Context, step Step, stepIndex int) ([]workItem, error) {
	result, err := p.aggExec.ExecuteFlush(ctx, step.NodeID, "count", step.Transform)
	if err != nil {
		return nil, fmt.Errorf("execute flush at %q: %w", step.NodeID, err)
	}

	if result.TransformMode {
		out, err := p.tm.MintAggregateToken(ctx, result.InputTokens, step.NodeID, joinRows(result.OutputRows))
		if err != nil {
			return nil, fmt.Errorf("mint aggregate token: %w", err)
		}
		return p.advanceChild(ctx, stepIndex, out)
	}

	var next []workItem
	for _, tok := range result.InputTokens {
		items, err := p.advanceChild(ctx, stepIndex, tok)
		if err != nil {
			return nil, err
		}
		next = append(next, items...)
	}
	return next, nil
}

func joinRows(rows []json.RawMessage) json.RawMessage {
	if len(rows) == 1 {
		return rows[0]
	}
	b, _ := json.Marshal(rows)
	return b
}

func (p *Processor) runTransformStep(ctx context.Context, step Step, item workItem) ([]RowResult, []workItem, error) {
	result, updated, errSink, err := p.executeWithRetry(ctx, step, item.Token, item.Step)
	if err != nil {
		return nil, nil, err
	}

	switch result.Kind {
	case pluginapi.ResultSuccess:
		res, next, err := p.advance(ctx, item.Step, updated)
		if err != nil {
			return nil, nil, err
		}
		return singleResult(res), next, nil

	case pluginapi.ResultSuccessMulti:
		children, expandGroupID, err := p.tm.ExpandToken(ctx, updated, result.Rows)
		if err != nil {
			return nil, nil, fmt.Errorf("expand token: %w", err)
		}
		if err := p.recordOutcome(ctx, updated, recorder.OutcomeExpanded, "", "", "", expandGroupID); err != nil {
			return nil, nil, err
		}
		var next []workItem
		for _, c := range children {
			items, err := p.advanceChild(ctx, item.Step, c)
			if err != nil {
				return nil, nil, err
			}
			next = append(next, items...)
		}
		return nil, next, nil

	case pluginapi.ResultError:
		outcome := recorder.OutcomeRouted
		if errSink == "discard" {
			outcome = recorder.OutcomeQuarantined
			errSink = ""
		}
		if err := p.recordOutcome(ctx, updated, outcome, errSink, "", "", ""); err != nil {
			return nil, nil, err
		}
		return []RowResult{{Token: updated, Outcome: outcome, SinkName: errSink}}, nil, nil
	}

	return nil, nil, &executor.PluginBugError{NodeID: step.NodeID, Detail: fmt.Sprintf("unhandled transform result kind %q", result.Kind)}
}

// executeWithRetry drives one transform step, retrying attempts the plugin
// marked retryable up to step.RetryConfig (spec §4.10). When retries are
// exhausted or no retry manager is configured, a retryable failure is
// converted into the same on_error routing a declared ResultError would
// take, mirroring executor.TransformExecutor.handleErrorResult's
// discard/divert logic — the last node_state attempt is already closed
// failed by the time Execute returns, so this step only records the
// transform error and resolves the divert edge itself.
func (p *Processor) executeWithRetry(ctx context.Context, step Step, tok recorder.Token, stepIndex int) (pluginapi.TransformResult, recorder.Token, string, error) {
	cfg := retry.DefaultConfig()
	if step.RetryConfig != nil {
		cfg = *step.RetryConfig
	} else {
		cfg.MaxAttempts = 1
	}

	attempt := 0
	current := tok
	for {
		attempt++
		result, updated, errSink, err := p.txExec.Execute(ctx, step.Transform, current, stepIndex, attempt)
		if err == nil {
			return result, updated, errSink, nil
		}
		current = updated

		var retryable *pluginapi.RetryableError
		isRetryable := errors.As(err, &retryable)
		if isRetryable && attempt < cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return pluginapi.TransformResult{}, current, "", ctx.Err()
			case <-time.After(jitteredBackoff(cfg, attempt)):
			}
			continue
		}

		if !isRetryable {
			return pluginapi.TransformResult{}, current, "", err
		}
		return p.convertExhaustedRetry(ctx, step, current, err)
	}
}

func jitteredBackoff(cfg retry.Config, attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// convertExhaustedRetry maps a retryable transform failure whose attempts
// are exhausted (or for which no retry manager was configured) onto the
// declared on_error destination, or propagates the row-fails-the-run error
// when on_error is unset (spec §4.7 "Retry").
func (p *Processor) convertExhaustedRetry(ctx context.Context, step Step, tok recorder.Token, cause error) (pluginapi.TransformResult, recorder.Token, string, error) {
	desc := step.Transform.Descriptor()
	if desc.OnError == nil {
		return pluginapi.TransformResult{}, tok, "", cause
	}

	destination := *desc.OnError
	errJSON, _ := json.Marshal(map[string]string{"error": cause.Error()})
	errHash := executor.Hash(errJSON)
	if err := p.rec.RecordTransformError(ctx, recorder.TransformError{
		RunID: tok.RunID, TransformID: desc.NodeID, TokenID: tok.TokenID,
		Destination: destination, ErrorDetails: errJSON, ErrorHash: errHash,
	}); err != nil {
		return pluginapi.TransformResult{}, tok, "", fmt.Errorf("record transform error: %w", err)
	}

	if destination == "discard" {
		return pluginapi.TransformResult{Kind: pluginapi.ResultError, Reason: cause.Error()}, tok, "discard", nil
	}

	edgeID, ok := p.g.EdgeID(desc.NodeID, "error")
	if !ok {
		return pluginapi.TransformResult{}, tok, "", faults.New("missing_divert_edge", fmt.Sprintf("node %q has no DIVERT edge for retry-exhausted errors", desc.NodeID))
	}
	if err := p.rec.RecordRoutingEvent(ctx, recorder.RoutingEvent{RunID: tok.RunID, EdgeID: edgeID, Mode: recorder.EdgeDivert, ReasonHash: errHash}); err != nil {
		return pluginapi.TransformResult{}, tok, "", fmt.Errorf("record routing event: %w", err)
	}
	return pluginapi.TransformResult{Kind: pluginapi.ResultError, Reason: cause.Error()}, tok, destination, nil
}

// advance checks whether tok's branch is bound to a coalesce point right
// after the step just executed; if so it submits to the Coalesce Executor
// instead of continuing (spec §4.7 step 3).
func (p *Processor) advance(ctx context.Context, finishedStep int, tok recorder.Token) (*RowResult, []workItem, error) {
	items, failed, err := p.advanceChildFull(ctx, finishedStep, tok)
	if err != nil {
		return nil, nil, err
	}
	return failed, items, nil
}

// advanceChild is the pipeline-continuation-only view of advanceChildFull,
// used by callers (fork/expand/aggregation fan-out) that enqueue many
// children. When a child's coalesce submission fails, advanceChildFull has
// already recorded its FAILED outcome; advanceChild then returns no work
// items and does not pass the failed RowResult back to its caller.
func (p *Processor) advanceChild(ctx context.Context, finishedStep int, tok recorder.Token) ([]workItem, error) {
	items, failed, err := p.advanceChildFull(ctx, finishedStep, tok)
	if err != nil {
		return nil, err
	}
	if failed != nil {
		return nil, nil
	}
	return items, nil
}

func (p *Processor) advanceChildFull(ctx context.Context, finishedStep int, tok recorder.Token) ([]workItem, *RowResult, error) {
	name, ok := p.pipeline.coalesceNameFor(finishedStep, tok.BranchName)
	if !ok {
		return []workItem{{Token: tok, Step: finishedStep + 1}}, nil, nil
	}

	res, err := p.coalExec.Submit(ctx, name, tok, tok.BranchName)
	if err != nil {
		return nil, nil, fmt.Errorf("submit to coalesce point %q: %w", name, err)
	}
	if res.Failed {
		if err := p.recordOutcome(ctx, tok, recorder.OutcomeFailed, "", "", "", ""); err != nil {
			return nil, nil, err
		}
		return nil, &RowResult{Token: tok, Outcome: recorder.OutcomeFailed}, nil
	}
	if !res.Merged {
		return nil, nil, nil
	}

	for _, consumedID := range res.ConsumedIDs {
		consumed := recorder.Token{RunID: tok.RunID, TokenID: consumedID}
		if err := p.recordOutcome(ctx, consumed, recorder.OutcomeCoalesced, "", "", res.JoinGroupID, ""); err != nil {
			return nil, nil, err
		}
	}
	return []workItem{{Token: res.MergedToken, Step: finishedStep + 1}}, nil, nil
}

func (p *Processor) recordOutcome(ctx context.Context, tok recorder.Token, outcome recorder.Outcome, sinkName, forkGroupID, joinGroupID, expandGroupID string) error {
	return p.rec.RecordTerminalOutcome(ctx, recorder.TokenOutcome{
		RunID: tok.RunID, TokenID: tok.TokenID, Outcome: outcome, SinkName: sinkName,
		ForkGroupID: forkGroupID, JoinGroupID: joinGroupID, ExpandGroupID: expandGroupID,
	})
}
