package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pipeflow/corepipe/recorder"
)

// Store implements recorder.Recorder backed by a *sql.DB.
type Store struct {
	db *sql.DB
}

var _ recorder.Recorder = (*Store)(nil)

// New creates a Store using the provided database handle. Run
// ApplyMigrations before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

func encodePayload(p recorder.Payload) (inline []byte, hash *string, err error) {
	if p.IsZero() {
		return nil, nil, recorder.ErrInvalidPayload
	}
	if len(p.Inline) > 0 {
		return p.Inline, nil, nil
	}
	return nil, &p.Hash, nil
}

func decodePayload(inline []byte, hash sql.NullString) recorder.Payload {
	p := recorder.Payload{}
	if len(inline) > 0 {
		p.Inline = json.RawMessage(inline)
	}
	if hash.Valid {
		p.Hash = hash.String
	}
	return p
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (s *Store) BeginRun(ctx context.Context, configHash, canonicalVersion string) (recorder.Run, error) {
	run := recorder.Run{
		RunID:            uuid.NewString(),
		Status:           recorder.RunRunning,
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
		StartedAt:        time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, status, config_hash, canonical_version, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.RunID, run.Status, run.ConfigHash, run.CanonicalVersion, run.StartedAt)
	if err != nil {
		return recorder.Run{}, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

func (s *Store) EndRun(ctx context.Context, runID string, status recorder.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, ended_at = $3 WHERE run_id = $1
	`, runID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recorder.ErrNotFound
	}
	return nil
}

func (s *Store) RegisterNode(ctx context.Context, n recorder.Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (run_id, node_id, plugin_name, node_type, plugin_version, config_snapshot, schema_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.RunID, n.NodeID, n.PluginName, n.NodeType, n.PluginVersion, nullableJSON(n.ConfigSnapshot), nullableJSON(n.SchemaConfig))
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

func (s *Store) RegisterEdge(ctx context.Context, e recorder.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (run_id, edge_id, from_node, to_node, label, mode)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.RunID, e.EdgeID, e.FromNode, e.ToNode, e.Label, e.Mode)
	if err != nil {
		return fmt.Errorf("register edge: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func (s *Store) CreateRow(ctx context.Context, r recorder.Row) error {
	inline, hash, err := encodePayload(r.Data)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rows (run_id, row_id, row_index, source_node, data_inline, data_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.RunID, r.RowID, r.RowIndex, r.SourceNode, nullableJSON(inline), hash, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create row: %w", err)
	}
	return nil
}

func (s *Store) CreateToken(ctx context.Context, t recorder.Token) error {
	inline, hash, err := encodePayload(t.RowData)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (run_id, token_id, row_id, row_data_inline, row_data_hash, branch_name, fork_group_id, join_group_id, expand_group_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.RunID, t.TokenID, t.RowID, nullableJSON(inline), hash, nullStr(t.BranchName), nullStr(t.ForkGroupID), nullStr(t.JoinGroupID), nullStr(t.ExpandGroupID), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	for _, parentID := range t.ParentTokenIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_parents (run_id, token_id, parent_token_id) VALUES ($1, $2, $3)
		`, t.RunID, t.TokenID, parentID); err != nil {
			return fmt.Errorf("create token parent link: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) BeginNodeState(ctx context.Context, st recorder.NodeState) (recorder.NodeState, error) {
	if st.StateID == "" {
		st.StateID = uuid.NewString()
	}
	if st.OpenedAt.IsZero() {
		st.OpenedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_states (run_id, state_id, token_id, node_id, step_index, attempt, status, input_hash, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, st.RunID, st.StateID, st.TokenID, st.NodeID, st.StepIndex, st.Attempt, recorder.NodeStateStatus("open"), st.InputHash, st.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return recorder.NodeState{}, recorder.ErrDuplicateNodeState
		}
		return recorder.NodeState{}, fmt.Errorf("begin node state: %w", err)
	}
	return st, nil
}

func (s *Store) CompleteNodeState(ctx context.Context, stateID string, status recorder.NodeStateStatus, outputHash string, durationMS int64, errorJSON, contextAfterJSON []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_states
		SET status = $2, output_hash = $3, duration_ms = $4, error_json = $5, context_after_json = $6, closed_at = $7
		WHERE state_id = $1
	`, stateID, status, nullStr(outputHash), durationMS, nullableJSON(errorJSON), nullableJSON(contextAfterJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete node state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recorder.ErrNotFound
	}
	return nil
}

func (s *Store) RecordRoutingEvent(ctx context.Context, e recorder.RoutingEvent) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_events (run_id, from_state_id, edge_id, mode, reason_hash, routing_group_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.RunID, e.FromStateID, e.EdgeID, e.Mode, nullStr(e.ReasonHash), nullStr(e.RoutingGroupID), e.RecordedAt)
	if err != nil {
		return fmt.Errorf("record routing event: %w", err)
	}
	return nil
}

func (s *Store) CreateBatch(ctx context.Context, runID, aggregationNode string) (recorder.Batch, error) {
	b := recorder.Batch{
		RunID:           runID,
		BatchID:         uuid.NewString(),
		AggregationNode: aggregationNode,
		Status:          recorder.BatchOpen,
		OpenedAt:        time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (run_id, batch_id, aggregation_node, status, opened_at)
		VALUES ($1, $2, $3, $4, $5)
	`, b.RunID, b.BatchID, b.AggregationNode, b.Status, b.OpenedAt)
	if err != nil {
		return recorder.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	return b, nil
}

func (s *Store) AddBatchMember(ctx context.Context, m recorder.BatchMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_members (run_id, batch_id, token_id, ordinal) VALUES ($1, $2, $3, $4)
	`, m.RunID, m.BatchID, m.TokenID, m.Ordinal)
	if err != nil {
		if isUniqueViolation(err) {
			return recorder.ErrDuplicateBatchOrdinal
		}
		return fmt.Errorf("add batch member: %w", err)
	}
	return nil
}

func (s *Store) CompleteBatch(ctx context.Context, runID, batchID string, status recorder.BatchStatus, triggerReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = $3, trigger_reason = $4, closed_at = $5
		WHERE run_id = $1 AND batch_id = $2
	`, runID, batchID, status, nullStr(triggerReason), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recorder.ErrNotFound
	}
	return nil
}

func (s *Store) RecordArtifact(ctx context.Context, a recorder.Artifact) (recorder.Artifact, error) {
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, artifact_id, sink_node, path_or_uri, size_bytes, content_hash, produced_by_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.RunID, a.ArtifactID, a.SinkNode, a.PathOrURI, a.SizeBytes, a.ContentHash, a.ProducedByState, a.CreatedAt)
	if err != nil {
		return recorder.Artifact{}, fmt.Errorf("record artifact: %w", err)
	}
	return a, nil
}

func (s *Store) RecordTransformError(ctx context.Context, e recorder.TransformError) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transform_errors (run_id, transform_id, token_id, destination, error_details, error_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.RunID, e.TransformID, e.TokenID, e.Destination, nullableJSON(e.ErrorDetails), e.ErrorHash, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("record transform error: %w", err)
	}
	return nil
}

func (s *Store) RecordTerminalOutcome(ctx context.Context, o recorder.TokenOutcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_outcomes (run_id, token_id, outcome, sink_name, error_hash, fork_group_id, join_group_id, expand_group_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, o.RunID, o.TokenID, o.Outcome, nullStr(o.SinkName), nullStr(o.ErrorHash), nullStr(o.ForkGroupID), nullStr(o.JoinGroupID), nullStr(o.ExpandGroupID), o.RecordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return recorder.ErrDuplicateOutcome
		}
		return fmt.Errorf("record terminal outcome: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (recorder.Run, error) {
	var r recorder.Run
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, status, config_hash, canonical_version, started_at, ended_at FROM runs WHERE run_id = $1
	`, runID).Scan(&r.RunID, &r.Status, &r.ConfigHash, &r.CanonicalVersion, &r.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return recorder.Run{}, recorder.ErrNotFound
	}
	if err != nil {
		return recorder.Run{}, fmt.Errorf("get run: %w", err)
	}
	if ended.Valid {
		r.EndedAt = &ended.Time
	}
	return r, nil
}

func (s *Store) GetRow(ctx context.Context, runID, rowID string) (recorder.Row, error) {
	var r recorder.Row
	var inline []byte
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, row_id, row_index, source_node, data_inline, data_hash, created_at
		FROM rows WHERE run_id = $1 AND row_id = $2
	`, runID, rowID).Scan(&r.RunID, &r.RowID, &r.RowIndex, &r.SourceNode, &inline, &hash, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return recorder.Row{}, recorder.ErrNotFound
	}
	if err != nil {
		return recorder.Row{}, fmt.Errorf("get row: %w", err)
	}
	r.Data = decodePayload(inline, hash)
	return r, nil
}

func scanToken(row interface{ Scan(...any) error }) (recorder.Token, error) {
	var t recorder.Token
	var inline []byte
	var hash, branch, fork, join, expand sql.NullString
	err := row.Scan(&t.RunID, &t.TokenID, &t.RowID, &inline, &hash, &branch, &fork, &join, &expand, &t.CreatedAt)
	if err != nil {
		return recorder.Token{}, err
	}
	t.RowData = decodePayload(inline, hash)
	t.BranchName = branch.String
	t.ForkGroupID = fork.String
	t.JoinGroupID = join.String
	t.ExpandGroupID = expand.String
	return t, nil
}

const tokenSelect = `SELECT run_id, token_id, row_id, row_data_inline, row_data_hash, branch_name, fork_group_id, join_group_id, expand_group_id, created_at FROM tokens`

func (s *Store) GetToken(ctx context.Context, runID, tokenID string) (recorder.Token, error) {
	row := s.db.QueryRowContext(ctx, tokenSelect+` WHERE run_id = $1 AND token_id = $2`, runID, tokenID)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recorder.Token{}, recorder.ErrNotFound
	}
	if err != nil {
		return recorder.Token{}, fmt.Errorf("get token: %w", err)
	}
	t.ParentTokenIDs, err = s.parentIDs(ctx, runID, tokenID)
	if err != nil {
		return recorder.Token{}, err
	}
	return t, nil
}

func (s *Store) parentIDs(ctx context.Context, runID, tokenID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parent_token_id FROM token_parents WHERE run_id = $1 AND token_id = $2`, runID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("get token parents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) GetTokens(ctx context.Context, runID, rowID string) ([]recorder.Token, error) {
	rows, err := s.db.QueryContext(ctx, tokenSelect+` WHERE run_id = $1 AND row_id = $2`, runID, rowID)
	if err != nil {
		return nil, fmt.Errorf("get tokens: %w", err)
	}
	defer rows.Close()
	var out []recorder.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetNodeStatesForToken(ctx context.Context, runID, tokenID string) ([]recorder.NodeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, state_id, token_id, node_id, step_index, attempt, status, input_hash, output_hash, duration_ms, error_json, context_after_json, opened_at, closed_at
		FROM node_states WHERE run_id = $1 AND token_id = $2 ORDER BY step_index, attempt
	`, runID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("get node states: %w", err)
	}
	defer rows.Close()
	var out []recorder.NodeState
	for rows.Next() {
		var st recorder.NodeState
		var outputHash sql.NullString
		var duration sql.NullInt64
		var errJSON, ctxJSON []byte
		var closed sql.NullTime
		if err := rows.Scan(&st.RunID, &st.StateID, &st.TokenID, &st.NodeID, &st.StepIndex, &st.Attempt, &st.Status, &st.InputHash, &outputHash, &duration, &errJSON, &ctxJSON, &st.OpenedAt, &closed); err != nil {
			return nil, err
		}
		st.OutputHash = outputHash.String
		st.DurationMS = duration.Int64
		st.ErrorJSON = errJSON
		st.ContextAfterJSON = ctxJSON
		if closed.Valid {
			st.ClosedAt = &closed.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetRoutingEvents(ctx context.Context, runID, fromStateID string) ([]recorder.RoutingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, from_state_id, edge_id, mode, reason_hash, routing_group_id, recorded_at
		FROM routing_events WHERE run_id = $1 AND from_state_id = $2
	`, runID, fromStateID)
	if err != nil {
		return nil, fmt.Errorf("get routing events: %w", err)
	}
	defer rows.Close()
	var out []recorder.RoutingEvent
	for rows.Next() {
		var e recorder.RoutingEvent
		var reason, group sql.NullString
		if err := rows.Scan(&e.RunID, &e.FromStateID, &e.EdgeID, &e.Mode, &reason, &group, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.ReasonHash = reason.String
		e.RoutingGroupID = group.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetTokenOutcome(ctx context.Context, runID, tokenID string) (*recorder.TokenOutcome, error) {
	var o recorder.TokenOutcome
	var sink, errHash, fork, join, expand sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, token_id, outcome, sink_name, error_hash, fork_group_id, join_group_id, expand_group_id, recorded_at
		FROM token_outcomes WHERE run_id = $1 AND token_id = $2
	`, runID, tokenID).Scan(&o.RunID, &o.TokenID, &o.Outcome, &sink, &errHash, &fork, &join, &expand, &o.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token outcome: %w", err)
	}
	o.SinkName = sink.String
	o.ErrorHash = errHash.String
	o.ForkGroupID = fork.String
	o.JoinGroupID = join.String
	o.ExpandGroupID = expand.String
	return &o, nil
}

func (s *Store) GetArtifacts(ctx context.Context, runID, sinkNode string) ([]recorder.Artifact, error) {
	query := `SELECT run_id, artifact_id, sink_node, path_or_uri, size_bytes, content_hash, produced_by_state, created_at FROM artifacts WHERE run_id = $1`
	args := []any{runID}
	if sinkNode != "" {
		query += ` AND sink_node = $2`
		args = append(args, sinkNode)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get artifacts: %w", err)
	}
	defer rows.Close()
	var out []recorder.Artifact
	for rows.Next() {
		var a recorder.Artifact
		if err := rows.Scan(&a.RunID, &a.ArtifactID, &a.SinkNode, &a.PathOrURI, &a.SizeBytes, &a.ContentHash, &a.ProducedByState, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetBatch(ctx context.Context, runID, batchID string) (recorder.Batch, error) {
	var b recorder.Batch
	var reason sql.NullString
	var closed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, batch_id, aggregation_node, status, trigger_reason, opened_at, closed_at
		FROM batches WHERE run_id = $1 AND batch_id = $2
	`, runID, batchID).Scan(&b.RunID, &b.BatchID, &b.AggregationNode, &b.Status, &reason, &b.OpenedAt, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return recorder.Batch{}, recorder.ErrNotFound
	}
	if err != nil {
		return recorder.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	b.TriggerReason = reason.String
	if closed.Valid {
		b.ClosedAt = &closed.Time
	}
	return b, nil
}

func (s *Store) GetBatchMembers(ctx context.Context, runID, batchID string) ([]recorder.BatchMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, batch_id, token_id, ordinal FROM batch_members WHERE run_id = $1 AND batch_id = $2 ORDER BY ordinal
	`, runID, batchID)
	if err != nil {
		return nil, fmt.Errorf("get batch members: %w", err)
	}
	defer rows.Close()
	var out []recorder.BatchMember
	for rows.Next() {
		var m recorder.BatchMember
		if err := rows.Scan(&m.RunID, &m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetTokenParents(ctx context.Context, runID, tokenID string) ([]recorder.Token, error) {
	ids, err := s.parentIDs(ctx, runID, tokenID)
	if err != nil {
		return nil, err
	}
	var out []recorder.Token
	for _, id := range ids {
		t, err := s.GetToken(ctx, runID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetTransformErrorsForToken(ctx context.Context, runID, tokenID string) ([]recorder.TransformError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, transform_id, token_id, destination, error_details, error_hash, recorded_at
		FROM transform_errors WHERE run_id = $1 AND token_id = $2
	`, runID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("get transform errors: %w", err)
	}
	defer rows.Close()
	var out []recorder.TransformError
	for rows.Next() {
		var e recorder.TransformError
		var details []byte
		if err := rows.Scan(&e.RunID, &e.TransformID, &e.TokenID, &e.Destination, &details, &e.ErrorHash, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.ErrorDetails = details
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Explain(ctx context.Context, runID, tokenID string) (recorder.Lineage, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return recorder.Lineage{}, err
	}
	tok, err := s.GetToken(ctx, runID, tokenID)
	if err != nil {
		return recorder.Lineage{}, err
	}
	row, err := s.GetRow(ctx, runID, tok.RowID)
	if err != nil {
		return recorder.Lineage{}, err
	}
	states, err := s.GetNodeStatesForToken(ctx, runID, tokenID)
	if err != nil {
		return recorder.Lineage{}, err
	}
	parents, err := s.GetTokenParents(ctx, runID, tokenID)
	if err != nil {
		return recorder.Lineage{}, err
	}
	outcome, err := s.GetTokenOutcome(ctx, runID, tokenID)
	if err != nil {
		return recorder.Lineage{}, err
	}
	txErrs, err := s.GetTransformErrorsForToken(ctx, runID, tokenID)
	if err != nil {
		return recorder.Lineage{}, err
	}

	var routing []recorder.RoutingEvent
	var artifacts []recorder.Artifact
	for _, st := range states {
		evs, err := s.GetRoutingEvents(ctx, runID, st.StateID)
		if err != nil {
			return recorder.Lineage{}, err
		}
		routing = append(routing, evs...)

		arts, err := s.artifactsForState(ctx, runID, st.StateID)
		if err != nil {
			return recorder.Lineage{}, err
		}
		artifacts = append(artifacts, arts...)
	}

	return recorder.Lineage{
		Run:             run,
		Row:             row,
		Token:           tok,
		NodeStates:      states,
		RoutingEvents:   routing,
		ParentTokens:    parents,
		Outcome:         outcome,
		TransformErrors: txErrs,
		Artifacts:       artifacts,
	}, nil
}

func (s *Store) artifactsForState(ctx context.Context, runID, stateID string) ([]recorder.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, artifact_id, sink_node, path_or_uri, size_bytes, content_hash, produced_by_state, created_at
		FROM artifacts WHERE run_id = $1 AND produced_by_state = $2
	`, runID, stateID)
	if err != nil {
		return nil, fmt.Errorf("get artifacts for state: %w", err)
	}
	defer rows.Close()
	var out []recorder.Artifact
	for rows.Next() {
		var a recorder.Artifact
		if err := rows.Scan(&a.RunID, &a.ArtifactID, &a.SinkNode, &a.PathOrURI, &a.SizeBytes, &a.ContentHash, &a.ProducedByState, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
