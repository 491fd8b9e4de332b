// Package token implements the Token Manager (spec §4.3): the creator of
// token identities and the writer of parentage across fork, coalesce, and
// expand operations.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipeflow/corepipe/recorder"
)

// Manager creates tokens and records their lineage through a Recorder.
type Manager struct {
	rec recorder.Recorder
	now func() time.Time
}

// New constructs a Manager writing through rec. The clock defaults to
// time.Now; tests may override it via WithClock.
func New(rec recorder.Recorder) *Manager {
	return &Manager{rec: rec, now: time.Now}
}

// WithClock overrides the Manager's time source, mirroring the injectable
// clock spec §5 requires for coalesce timeouts.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateInitialToken creates a Row and its first Token together when a
// source yields a row.
func (m *Manager) CreateInitialToken(ctx context.Context, runID, sourceNodeID string, rowIndex int, rowData json.RawMessage) (recorder.Token, error) {
	rowID := uuid.NewString()
	createdAt := m.now().UTC()

	row := recorder.Row{
		RunID:      runID,
		RowID:      rowID,
		RowIndex:   rowIndex,
		SourceNode: sourceNodeID,
		Data:       recorder.Payload{Inline: rowData},
		CreatedAt:  createdAt,
	}
	if err := m.rec.CreateRow(ctx, row); err != nil {
		return recorder.Token{}, fmt.Errorf("create row: %w", err)
	}

	tok := recorder.Token{
		RunID:     runID,
		TokenID:   uuid.NewString(),
		RowID:     rowID,
		RowData:   row.Data,
		CreatedAt: createdAt,
	}
	if err := m.rec.CreateToken(ctx, tok); err != nil {
		return recorder.Token{}, fmt.Errorf("create token: %w", err)
	}
	return tok, nil
}

// ForkToken creates one child token per branch name, each sharing the
// parent's row_id, and returns the shared fork_group_id. The parent's
// terminal FORKED outcome must be written by the caller using this id
// (spec §4.3).
func (m *Manager) ForkToken(ctx context.Context, parent recorder.Token, branches []string) ([]recorder.Token, string, error) {
	if len(branches) == 0 {
		return nil, "", fmt.Errorf("fork requires at least one branch")
	}
	forkGroupID := uuid.NewString()
	createdAt := m.now().UTC()

	children := make([]recorder.Token, 0, len(branches))
	for _, branch := range branches {
		child := recorder.Token{
			RunID:          parent.RunID,
			TokenID:        uuid.NewString(),
			RowID:          parent.RowID,
			RowData:        parent.RowData,
			BranchName:     branch,
			ForkGroupID:    forkGroupID,
			ParentTokenIDs: []string{parent.TokenID},
			CreatedAt:      createdAt,
		}
		if err := m.rec.CreateToken(ctx, child); err != nil {
			return nil, "", fmt.Errorf("create fork child for branch %q: %w", branch, err)
		}
		children = append(children, child)
	}
	return children, forkGroupID, nil
}

// CoalesceTokens creates a new merged token with parent links to every
// consumed input, sharing a join_group_id with the COALESCED outcomes the
// caller writes for those inputs.
func (m *Manager) CoalesceTokens(ctx context.Context, parents []recorder.Token, rowID string, mergedData json.RawMessage) (recorder.Token, string, error) {
	if len(parents) == 0 {
		return recorder.Token{}, "", fmt.Errorf("coalesce requires at least one parent token")
	}
	joinGroupID := uuid.NewString()

	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.TokenID
	}

	merged := recorder.Token{
		RunID:          parents[0].RunID,
		TokenID:        uuid.NewString(),
		RowID:          rowID,
		RowData:        recorder.Payload{Inline: mergedData},
		JoinGroupID:    joinGroupID,
		ParentTokenIDs: parentIDs,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.rec.CreateToken(ctx, merged); err != nil {
		return recorder.Token{}, "", fmt.Errorf("create coalesced token: %w", err)
	}
	return merged, joinGroupID, nil
}

// MintAggregateToken creates a fresh Row and Token for one output row of a
// transform-mode aggregation flush, linking it to every input token the
// batch consumed (spec §4.6: aggregation fan-in has no single shared
// row_id the way a coalesce merge does, since each buffered token usually
// arrived from a distinct source row).
func (m *Manager) MintAggregateToken(ctx context.Context, parents []recorder.Token, sourceNodeID string, rowData json.RawMessage) (recorder.Token, error) {
	if len(parents) == 0 {
		return recorder.Token{}, fmt.Errorf("aggregate token requires at least one parent")
	}
	rowID := uuid.NewString()
	createdAt := m.now().UTC()

	row := recorder.Row{
		RunID:      parents[0].RunID,
		RowID:      rowID,
		SourceNode: sourceNodeID,
		Data:       recorder.Payload{Inline: rowData},
		CreatedAt:  createdAt,
	}
	if err := m.rec.CreateRow(ctx, row); err != nil {
		return recorder.Token{}, fmt.Errorf("create row: %w", err)
	}

	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.TokenID
	}
	tok := recorder.Token{
		RunID:          row.RunID,
		TokenID:        uuid.NewString(),
		RowID:          rowID,
		RowData:        row.Data,
		ParentTokenIDs: parentIDs,
		CreatedAt:      createdAt,
	}
	if err := m.rec.CreateToken(ctx, tok); err != nil {
		return recorder.Token{}, fmt.Errorf("create token: %w", err)
	}
	return tok, nil
}

// ExpandToken creates one new child token per output row for a
// deaggregation transform (`creates_tokens = true`). The parent receives
// EXPANDED; children share the returned expand_group_id.
func (m *Manager) ExpandToken(ctx context.Context, parent recorder.Token, outputs []json.RawMessage) ([]recorder.Token, string, error) {
	if len(outputs) == 0 {
		return nil, "", fmt.Errorf("expand requires at least one output row")
	}
	expandGroupID := uuid.NewString()
	createdAt := m.now().UTC()

	children := make([]recorder.Token, 0, len(outputs))
	for _, out := range outputs {
		child := recorder.Token{
			RunID:          parent.RunID,
			TokenID:        uuid.NewString(),
			RowID:          parent.RowID,
			RowData:        recorder.Payload{Inline: out},
			ExpandGroupID:  expandGroupID,
			ParentTokenIDs: []string{parent.TokenID},
			CreatedAt:      createdAt,
		}
		if err := m.rec.CreateToken(ctx, child); err != nil {
			return nil, "", fmt.Errorf("create expanded child: %w", err)
		}
		children = append(children, child)
	}
	return children, expandGroupID, nil
}
