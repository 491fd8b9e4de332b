package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/telemetry"
	"github.com/pipeflow/corepipe/token"
)

func branchToken(t *testing.T, rec recorder.Recorder, runID, rowID, tokenID string, data json.RawMessage) recorder.Token {
	t.Helper()
	ctx := context.Background()
	tok := recorder.Token{RunID: runID, TokenID: tokenID, RowID: rowID, RowData: recorder.Payload{Inline: data}}
	require.NoError(t, rec.CreateToken(ctx, tok))
	return tok
}

func TestCoalesceRequireAllMergesOnceAllBranchesArrive(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	run, err := rec.BeginRun(ctx, "h", "v1")
	require.NoError(t, err)
	row := recorder.Row{RunID: run.RunID, RowID: "row-1", Data: recorder.Payload{Inline: json.RawMessage(`{}`)}}
	require.NoError(t, rec.CreateRow(ctx, row))

	tm := token.New(rec)
	c := NewCoalesceExecutor(tm, telemetry.Noop(), []CoalesceSettings{
		{Name: "join1", Policy: PolicyRequireAll, Strategy: MergeUnion, RequiredBranches: []string{"a", "b"}},
	})

	ta := branchToken(t, rec, run.RunID, "row-1", "ta", json.RawMessage(`{"x":1}`))
	res, err := c.Submit(ctx, "join1", ta, "a")
	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.False(t, res.Failed)

	tb := branchToken(t, rec, run.RunID, "row-1", "tb", json.RawMessage(`{"y":2}`))
	res, err = c.Submit(ctx, "join1", tb, "b")
	require.NoError(t, err)
	require.True(t, res.Merged)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(res.MergedToken.RowData.Inline))
	assert.ElementsMatch(t, []string{"ta", "tb"}, res.ConsumedIDs)
}

func TestCoalesceFirstMergesImmediatelyLaterArrivalIsLate(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	run, err := rec.BeginRun(ctx, "h", "v1")
	require.NoError(t, err)
	row := recorder.Row{RunID: run.RunID, RowID: "row-1", Data: recorder.Payload{Inline: json.RawMessage(`{}`)}}
	require.NoError(t, rec.CreateRow(ctx, row))

	tm := token.New(rec)
	c := NewCoalesceExecutor(tm, telemetry.Noop(), []CoalesceSettings{
		{Name: "join1", Policy: PolicyFirst, Strategy: MergeUnion},
	})

	ta := branchToken(t, rec, run.RunID, "row-1", "ta", json.RawMessage(`{"x":1}`))
	res, err := c.Submit(ctx, "join1", ta, "a")
	require.NoError(t, err)
	require.True(t, res.Merged)

	tb := branchToken(t, rec, run.RunID, "row-1", "tb", json.RawMessage(`{"y":2}`))
	res, err = c.Submit(ctx, "join1", tb, "b")
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.True(t, res.LateArrival)
}

func TestCoalesceQuorumMergesOnKthArrival(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	run, err := rec.BeginRun(ctx, "h", "v1")
	require.NoError(t, err)
	row := recorder.Row{RunID: run.RunID, RowID: "row-1", Data: recorder.Payload{Inline: json.RawMessage(`{}`)}}
	require.NoError(t, rec.CreateRow(ctx, row))

	tm := token.New(rec)
	c := NewCoalesceExecutor(tm, telemetry.Noop(), []CoalesceSettings{
		{Name: "join1", Policy: PolicyQuorum, Strategy: MergeUnion, QuorumCount: 2},
	})

	ta := branchToken(t, rec, run.RunID, "row-1", "ta", json.RawMessage(`{"x":1}`))
	res, err := c.Submit(ctx, "join1", ta, "a")
	require.NoError(t, err)
	assert.False(t, res.Merged)

	tb := branchToken(t, rec, run.RunID, "row-1", "tb", json.RawMessage(`{"y":2}`))
	res, err = c.Submit(ctx, "join1", tb, "b")
	require.NoError(t, err)
	assert.True(t, res.Merged)
}

func TestCoalesceBestEffortSweepMergesAfterTimeout(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	run, err := rec.BeginRun(ctx, "h", "v1")
	require.NoError(t, err)
	row := recorder.Row{RunID: run.RunID, RowID: "row-1", Data: recorder.Payload{Inline: json.RawMessage(`{}`)}}
	require.NoError(t, rec.CreateRow(ctx, row))

	clockTime := time.Unix(0, 0)
	tm := token.New(rec)
	c := NewCoalesceExecutor(tm, telemetry.Noop(), []CoalesceSettings{
		{Name: "join1", Policy: PolicyBestEffort, Strategy: MergeUnion, Timeout: 5 * time.Second},
	}).WithClock(func() time.Time { return clockTime })

	ta := branchToken(t, rec, run.RunID, "row-1", "ta", json.RawMessage(`{"x":1}`))
	res, err := c.Submit(ctx, "join1", ta, "a")
	require.NoError(t, err)
	assert.False(t, res.Merged)

	results, err := c.Sweep(ctx, "join1")
	require.NoError(t, err)
	assert.Empty(t, results)

	clockTime = clockTime.Add(10 * time.Second)
	results, err = c.Sweep(ctx, "join1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Merged)
}

func TestCoalesceSelectStrategyFailsWhenSelectedBranchAbsent(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	run, err := rec.BeginRun(ctx, "h", "v1")
	require.NoError(t, err)
	row := recorder.Row{RunID: run.RunID, RowID: "row-1", Data: recorder.Payload{Inline: json.RawMessage(`{}`)}}
	require.NoError(t, rec.CreateRow(ctx, row))

	tm := token.New(rec)
	c := NewCoalesceExecutor(tm, telemetry.Noop(), []CoalesceSettings{
		{Name: "join1", Policy: PolicyFirst, Strategy: MergeSelect, SelectBranch: "primary"},
	})

	ta := branchToken(t, rec, run.RunID, "row-1", "ta", json.RawMessage(`{"x":1}`))
	res, err := c.Submit(ctx, "join1", ta, "secondary")
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, "select_branch_absent", res.FailureReason)
}

func TestCoalesceOverwriteByPrimaryPrefersPrimaryBranch(t *testing.T) {
	rec := recorder.NewMemory()
	ctx := context.Background()
	run, err := rec.BeginRun(ctx, "h", "v1")
	require.NoError(t, err)
	row := recorder.Row{RunID: run.RunID, RowID: "row-1", Data: recorder.Payload{Inline: json.RawMessage(`{}`)}}
	require.NoError(t, rec.CreateRow(ctx, row))

	tm := token.New(rec)
	c := NewCoalesceExecutor(tm, telemetry.Noop(), []CoalesceSettings{
		{Name: "join1", Policy: PolicyRequireAll, Strategy: MergeOverwriteByPrimary, PrimaryBranch: "a", RequiredBranches: []string{"a", "b"}},
	})

	ta := branchToken(t, rec, run.RunID, "row-1", "ta", json.RawMessage(`{"x":1}`))
	_, err = c.Submit(ctx, "join1", ta, "a")
	require.NoError(t, err)

	tb := branchToken(t, rec, run.RunID, "row-1", "tb", json.RawMessage(`{"x":99,"y":2}`))
	res, err := c.Submit(ctx, "join1", tb, "b")
	require.NoError(t, err)
	require.True(t, res.Merged)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(res.MergedToken.RowData.Inline))
}
