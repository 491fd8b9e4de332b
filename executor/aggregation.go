package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pipeflow/corepipe/faults"
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/telemetry"
)

// AggregationSettings configures one aggregation-capable node (spec §4.6).
// Aggregation is structural, not a plugin type: any transform with
// IsBatchAware = true and a registered AggregationSettings is driven by
// the AggregationExecutor instead of the Transform Executor directly.
type AggregationSettings struct {
	NodeID          string        `yaml:"node_id"`
	TriggerCount    int           `yaml:"trigger_count"`
	TriggerTimeout  time.Duration `yaml:"trigger_timeout"`
	TriggerSize     int64         `yaml:"trigger_size_bytes"`
	TransformMode   bool          `yaml:"transform_mode"` // true: creates_tokens; false: passthrough
}

type bufferedRow struct {
	Token recorder.Token
}

type openBatch struct {
	BatchID   string
	Rows      []bufferedRow
	OpenedAt  time.Time
	SizeBytes int64
}

// checkpointVersion is the only version getCheckpointState/
// restoreFromCheckpoint currently understand (spec §4.6). An unknown
// version is a hard error.
const checkpointVersion = 1

// aggregationCheckpoint is the JSON-encodable, versioned checkpoint
// contract (spec §4.6).
type aggregationCheckpoint struct {
	Version int                          `json:"version"`
	Nodes   map[string]nodeCheckpointRow `json:"nodes"`
}

type nodeCheckpointRow struct {
	BatchID   string           `json:"batch_id"`
	Tokens    []recorder.Token `json:"tokens"`
	OpenedAt  time.Time        `json:"opened_at"`
	SizeBytes int64            `json:"size_bytes"`
}

// AggregationExecutor implements the Aggregation Executor (spec §4.6).
type AggregationExecutor struct {
	r   recorder.Recorder
	tel telemetry.Provider
	now func() time.Time

	mu       sync.Mutex
	settings map[string]AggregationSettings
	buffers  map[string]*openBatch
}

// NewAggregationExecutor constructs an AggregationExecutor with one
// AggregationSettings per batch-aware node.
func NewAggregationExecutor(r recorder.Recorder, tel telemetry.Provider, settings []AggregationSettings) *AggregationExecutor {
	byNode := make(map[string]AggregationSettings, len(settings))
	for _, s := range settings {
		byNode[s.NodeID] = s
	}
	return &AggregationExecutor{
		r: r, tel: tel, now: time.Now,
		settings: byNode,
		buffers:  make(map[string]*openBatch),
	}
}

// WithClock overrides the executor's time source for timeout sampling
// (spec §5 injectable clock).
func (a *AggregationExecutor) WithClock(now func() time.Time) *AggregationExecutor {
	a.now = now
	return a
}

// BufferRow opens a batch on first arrival for nodeID, appends tok as a
// BatchMember, and reports whether the buffer should now flush. In
// transform mode the input token is terminal (CONSUMED_IN_BATCH); in
// passthrough mode it is BUFFERED and remains non-terminal until flush.
func (a *AggregationExecutor) BufferRow(ctx context.Context, nodeID string, tok recorder.Token) (shouldFlush bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	settings, ok := a.settings[nodeID]
	if !ok {
		return false, fmt.Errorf("node %q has no aggregation settings", nodeID)
	}

	batch := a.buffers[nodeID]
	if batch == nil {
		b, err := a.r.CreateBatch(ctx, tok.RunID, nodeID)
		if err != nil {
			return false, fmt.Errorf("create batch: %w", err)
		}
		batch = &openBatch{BatchID: b.BatchID, OpenedAt: a.now()}
		a.buffers[nodeID] = batch
	}

	ordinal := len(batch.Rows)
	if err := a.r.AddBatchMember(ctx, recorder.BatchMember{RunID: tok.RunID, BatchID: batch.BatchID, TokenID: tok.TokenID, Ordinal: ordinal}); err != nil {
		return false, fmt.Errorf("add batch member: %w", err)
	}
	batch.Rows = append(batch.Rows, bufferedRow{Token: tok})
	batch.SizeBytes += int64(len(payloadBytes(tok.RowData)))

	outcome := recorder.OutcomeBuffered
	if settings.TransformMode {
		outcome = recorder.OutcomeConsumedInBatch
	}
	if err := a.r.RecordTerminalOutcome(ctx, recorder.TokenOutcome{RunID: tok.RunID, TokenID: tok.TokenID, Outcome: outcome}); err != nil {
		return false, fmt.Errorf("record terminal outcome: %w", err)
	}

	a.tel.Met.RecordGauge("aggregation.buffer_size", float64(len(batch.Rows)), "node_id", nodeID)

	return a.shouldFlushLocked(nodeID, settings, batch), nil
}

// SampleTimeout reports whether nodeID's open batch should flush purely
// because its timeout elapsed, without a new row arriving. Neither the Row
// Processor nor the Orchestrator calls it: a batch whose only met trigger
// is its timeout flushes only when a caller samples it here and then calls
// ExecuteFlush.
func (a *AggregationExecutor) SampleTimeout(nodeID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	settings, ok := a.settings[nodeID]
	if !ok {
		return false
	}
	batch := a.buffers[nodeID]
	if batch == nil {
		return false
	}
	return a.shouldFlushLocked(nodeID, settings, batch)
}

func (a *AggregationExecutor) shouldFlushLocked(_ string, settings AggregationSettings, batch *openBatch) bool {
	if settings.TriggerCount > 0 && len(batch.Rows) >= settings.TriggerCount {
		return true
	}
	if settings.TriggerSize > 0 && batch.SizeBytes >= settings.TriggerSize {
		return true
	}
	if settings.TriggerTimeout > 0 && a.now().Sub(batch.OpenedAt) >= settings.TriggerTimeout {
		return true
	}
	return false
}

// FlushResult is the outcome of ExecuteFlush: either newly-created output
// tokens (transform mode) or the original input tokens re-queued
// (passthrough mode), ready for the caller to push back onto the work
// queue at the next step.
type FlushResult struct {
	TransformMode bool
	OutputRows    []json.RawMessage // transform mode: new rows, minted by the caller via token.Manager
	// InputTokens is the batch's buffered input tokens: in transform mode
	// these are the parents the caller links the minted output token to; in
	// passthrough mode they are the original tokens, re-queued with their
	// RowData replaced by the corresponding output row.
	InputTokens []recorder.Token
}

// ExecuteFlush drains nodeID's open batch, invokes the transform's batch
// process, and moves the batch from OPEN straight to COMPLETED or FAILED;
// no FLUSHING status is recorded in between.
func (a *AggregationExecutor) ExecuteFlush(ctx context.Context, nodeID, triggerReason string, tr pluginapi.Transform) (FlushResult, error) {
	a.mu.Lock()
	batch := a.buffers[nodeID]
	settings := a.settings[nodeID]
	if batch == nil {
		a.mu.Unlock()
		return FlushResult{}, fmt.Errorf("node %q has no open batch to flush", nodeID)
	}
	delete(a.buffers, nodeID)
	a.mu.Unlock()

	rows := make([]json.RawMessage, len(batch.Rows))
	for i, br := range batch.Rows {
		rows[i] = payloadBytes(br.Token.RowData)
	}
	inputHash := Hash(joinJSON(rows))

	state, err := a.r.BeginNodeState(ctx, recorder.NodeState{
		RunID: batch.Rows[0].Token.RunID, TokenID: batch.Rows[0].Token.TokenID, NodeID: nodeID, InputHash: inputHash,
	})
	if err != nil {
		return FlushResult{}, fmt.Errorf("begin node state: %w", err)
	}

	started := a.now()
	result, procErr := tr.ProcessBatch(ctx, rows)
	duration := a.now().Sub(started).Milliseconds()

	if procErr != nil {
		errJSON, _ := json.Marshal(map[string]string{"error": procErr.Error()})
		_ = a.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", duration, errJSON, nil)
		_ = a.r.CompleteBatch(ctx, batch.Rows[0].Token.RunID, batch.BatchID, recorder.BatchFailed, triggerReason)
		return FlushResult{}, procErr
	}
	if result.Kind == pluginapi.ResultError {
		errJSON, _ := json.Marshal(map[string]string{"reason": result.Reason})
		_ = a.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateFailed, "", duration, errJSON, nil)
		_ = a.r.CompleteBatch(ctx, batch.Rows[0].Token.RunID, batch.BatchID, recorder.BatchFailed, triggerReason)
		return FlushResult{}, &PluginBugError{NodeID: nodeID, Detail: "aggregation flush returned an Error result"}
	}

	outputRows := result.Rows
	if result.Kind == pluginapi.ResultSuccess {
		outputRows = []json.RawMessage{result.Row}
	}
	outputHash := Hash(joinJSON(outputRows))
	if err := a.r.CompleteNodeState(ctx, state.StateID, recorder.NodeStateCompleted, outputHash, duration, nil, nil); err != nil {
		return FlushResult{}, fmt.Errorf("complete node state: %w", err)
	}
	if err := a.r.CompleteBatch(ctx, batch.Rows[0].Token.RunID, batch.BatchID, recorder.BatchCompleted, triggerReason); err != nil {
		return FlushResult{}, fmt.Errorf("complete batch: %w", err)
	}

	if settings.TransformMode {
		inputs := make([]recorder.Token, len(batch.Rows))
		for i, br := range batch.Rows {
			inputs[i] = br.Token
		}
		return FlushResult{TransformMode: true, OutputRows: outputRows, InputTokens: inputs}, nil
	}

	if len(outputRows) != len(batch.Rows) {
		return FlushResult{}, faults.New("passthrough-row-count-mismatch", fmt.Sprintf("node %q: %d rows in, %d out", nodeID, len(batch.Rows), len(outputRows)))
	}
	tokens := make([]recorder.Token, len(batch.Rows))
	for i, br := range batch.Rows {
		tok := br.Token
		tok.RowData = recorder.Payload{Inline: outputRows[i]}
		tokens[i] = tok
	}
	return FlushResult{TransformMode: false, InputTokens: tokens}, nil
}

func joinJSON(rows []json.RawMessage) []byte {
	b, _ := json.Marshal(rows)
	return b
}

// GetCheckpointState serializes every open batch's buffer and
// trigger-counter state (spec §4.6).
func (a *AggregationExecutor) GetCheckpointState() (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp := aggregationCheckpoint{Version: checkpointVersion, Nodes: make(map[string]nodeCheckpointRow, len(a.buffers))}
	for nodeID, b := range a.buffers {
		tokens := make([]recorder.Token, len(b.Rows))
		for i, br := range b.Rows {
			tokens[i] = br.Token
		}
		cp.Nodes[nodeID] = nodeCheckpointRow{BatchID: b.BatchID, Tokens: tokens, OpenedAt: b.OpenedAt, SizeBytes: b.SizeBytes}
	}
	return json.Marshal(cp)
}

// RestoreFromCheckpoint rebuilds in-memory buffers from a previously
// serialized checkpoint. An unknown version is a hard error (spec §4.6).
// After restore, the next SampleTimeout/BufferRow call reflects the
// restored counters so a near-full batch flushes on the next row.
func (a *AggregationExecutor) RestoreFromCheckpoint(data json.RawMessage) error {
	var cp aggregationCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return faults.New("unknown-checkpoint-version", fmt.Sprintf("got version %d, want %d", cp.Version, checkpointVersion))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers = make(map[string]*openBatch, len(cp.Nodes))
	for nodeID, row := range cp.Nodes {
		rows := make([]bufferedRow, len(row.Tokens))
		var size int64
		for i, tok := range row.Tokens {
			rows[i] = bufferedRow{Token: tok}
			size += int64(len(payloadBytes(tok.RowData)))
		}
		a.buffers[nodeID] = &openBatch{BatchID: row.BatchID, Rows: rows, OpenedAt: row.OpenedAt, SizeBytes: size}
	}
	return nil
}

// FailOpenBatches fails every currently open batch with reason
// run_cancelled (spec §5: a cancelled run fails open batches regardless
// of their own timeouts).
func (a *AggregationExecutor) FailOpenBatches(ctx context.Context) error {
	a.mu.Lock()
	buffers := a.buffers
	a.buffers = make(map[string]*openBatch)
	a.mu.Unlock()

	for _, b := range buffers {
		if len(b.Rows) == 0 {
			continue
		}
		if err := a.r.CompleteBatch(ctx, b.Rows[0].Token.RunID, b.BatchID, recorder.BatchFailed, "run_cancelled"); err != nil {
			return fmt.Errorf("fail batch %s: %w", b.BatchID, err)
		}
	}
	return nil
}
