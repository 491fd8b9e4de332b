package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow/corepipe/recorder"
)

func TestBeginRunInsertsRunningRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(sqlmock.AnyArg(), recorder.RunRunning, "cfg-hash", "v1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := New(db)
	run, err := store.BeginRun(context.Background(), "cfg-hash", "v1")
	require.NoError(t, err)
	assert.Equal(t, recorder.RunRunning, run.Status)
	assert.NotEmpty(t, run.RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTerminalOutcomeMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO token_outcomes").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	store := New(db)
	err = store.RecordTerminalOutcome(context.Background(), recorder.TokenOutcome{
		RunID:   "run-1",
		TokenID: "tok-1",
		Outcome: recorder.OutcomeCompleted,
	})
	assert.ErrorIs(t, err, recorder.ErrDuplicateOutcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddBatchMemberMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO batch_members").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	store := New(db)
	err = store.AddBatchMember(context.Background(), recorder.BatchMember{RunID: "run-1", BatchID: "batch-1", TokenID: "tok-1", Ordinal: 0})
	assert.ErrorIs(t, err, recorder.ErrDuplicateBatchOrdinal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT run_id").WillReturnError(sql.ErrNoRows)

	store := New(db)
	_, err = store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, recorder.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestStoreIntegration exercises the full Recorder surface against a real
// PostgreSQL instance. Skipped unless TEST_POSTGRES_DSN is set.
func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, ApplyMigrations(ctx, db))

	store := New(db)

	run, err := store.BeginRun(ctx, "cfg-hash", "2024-01-01")
	require.NoError(t, err)

	require.NoError(t, store.RegisterNode(ctx, recorder.Node{
		RunID: run.RunID, NodeID: "src", PluginName: "csv_source", NodeType: recorder.NodeSource, PluginVersion: "1.0.0",
	}))
	require.NoError(t, store.RegisterNode(ctx, recorder.Node{
		RunID: run.RunID, NodeID: "sink", PluginName: "jsonl_sink", NodeType: recorder.NodeSink, PluginVersion: "1.0.0",
	}))
	require.NoError(t, store.RegisterEdge(ctx, recorder.Edge{
		RunID: run.RunID, EdgeID: "src->sink", FromNode: "src", ToNode: "sink", Label: "default", Mode: recorder.EdgeMove,
	}))

	row := recorder.Row{RunID: run.RunID, RowID: "row-1", RowIndex: 0, SourceNode: "src", Data: recorder.Payload{Inline: []byte(`{"a":1}`)}, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateRow(ctx, row))

	tok := recorder.Token{RunID: run.RunID, TokenID: "tok-1", RowID: "row-1", RowData: row.Data, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateToken(ctx, tok))

	state, err := store.BeginNodeState(ctx, recorder.NodeState{RunID: run.RunID, TokenID: "tok-1", NodeID: "sink", StepIndex: 0, Attempt: 1, InputHash: "h1"})
	require.NoError(t, err)

	_, err = store.BeginNodeState(ctx, recorder.NodeState{RunID: run.RunID, TokenID: "tok-1", NodeID: "sink", StepIndex: 0, Attempt: 1, InputHash: "h1"})
	assert.ErrorIs(t, err, recorder.ErrDuplicateNodeState)

	require.NoError(t, store.CompleteNodeState(ctx, state.StateID, recorder.NodeStateCompleted, "h2", 5, nil, nil))

	art, err := store.RecordArtifact(ctx, recorder.Artifact{RunID: run.RunID, SinkNode: "sink", PathOrURI: "out.jsonl", SizeBytes: 12, ContentHash: "h3", ProducedByState: state.StateID})
	require.NoError(t, err)
	assert.NotEmpty(t, art.ArtifactID)

	require.NoError(t, store.RecordTerminalOutcome(ctx, recorder.TokenOutcome{RunID: run.RunID, TokenID: "tok-1", Outcome: recorder.OutcomeCompleted, SinkName: "sink"}))

	err = store.RecordTerminalOutcome(ctx, recorder.TokenOutcome{RunID: run.RunID, TokenID: "tok-1", Outcome: recorder.OutcomeCompleted, SinkName: "sink"})
	assert.ErrorIs(t, err, recorder.ErrDuplicateOutcome)

	require.NoError(t, store.EndRun(ctx, run.RunID, recorder.RunCompleted))

	lineage, err := store.Explain(ctx, run.RunID, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, recorder.RunCompleted, lineage.Run.Status)
	assert.Len(t, lineage.NodeStates, 1)
	require.NotNil(t, lineage.Outcome)
	assert.Equal(t, recorder.OutcomeCompleted, lineage.Outcome.Outcome)
	assert.Len(t, lineage.Artifacts, 1)
}
