package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Recorder implementation backed by maps guarded by
// a single mutex. It is the primary test double for the runtime (processor
// and orchestrator tests exercise it directly) and a usable development
// backend for single-process deployments that do not need durability across
// restarts.
type Memory struct {
	mu sync.Mutex

	runs            map[string]*Run
	nodes           map[string][]Node
	edges           map[string][]Edge
	rows            map[string]map[string]Row
	tokens          map[string]map[string]Token
	nodeStates      map[string]map[string]*NodeState
	nodeStateKeys   map[string]map[string]bool // runID -> "tokenID|nodeID|attempt"
	routingEvents   map[string][]RoutingEvent
	batches         map[string]map[string]*Batch
	batchMembers    map[string]map[string][]BatchMember
	batchOrdinals   map[string]map[string]bool // runID -> "batchID|ordinal"
	artifacts       map[string][]Artifact
	transformErrors map[string][]TransformError
	outcomes        map[string]map[string]*TokenOutcome
}

// NewMemory constructs an empty in-memory Recorder.
func NewMemory() *Memory {
	return &Memory{
		runs:            make(map[string]*Run),
		nodes:           make(map[string][]Node),
		edges:           make(map[string][]Edge),
		rows:            make(map[string]map[string]Row),
		tokens:          make(map[string]map[string]Token),
		nodeStates:      make(map[string]map[string]*NodeState),
		nodeStateKeys:   make(map[string]map[string]bool),
		routingEvents:   make(map[string][]RoutingEvent),
		batches:         make(map[string]map[string]*Batch),
		batchMembers:    make(map[string]map[string][]BatchMember),
		batchOrdinals:   make(map[string]map[string]bool),
		artifacts:       make(map[string][]Artifact),
		transformErrors: make(map[string][]TransformError),
		outcomes:        make(map[string]map[string]*TokenOutcome),
	}
}

var _ Recorder = (*Memory)(nil)

func (m *Memory) BeginRun(_ context.Context, configHash, canonicalVersion string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Run{
		RunID:            uuid.NewString(),
		Status:           RunRunning,
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
		StartedAt:        time.Now().UTC(),
	}
	m.runs[r.RunID] = &r
	m.rows[r.RunID] = make(map[string]Row)
	m.tokens[r.RunID] = make(map[string]Token)
	m.nodeStates[r.RunID] = make(map[string]*NodeState)
	m.nodeStateKeys[r.RunID] = make(map[string]bool)
	m.batches[r.RunID] = make(map[string]*Batch)
	m.batchMembers[r.RunID] = make(map[string][]BatchMember)
	m.batchOrdinals[r.RunID] = make(map[string]bool)
	m.outcomes[r.RunID] = make(map[string]*TokenOutcome)
	return r, nil
}

func (m *Memory) EndRun(_ context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	r.EndedAt = &now
	return nil
}

func (m *Memory) RegisterNode(_ context.Context, n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.RunID] = append(m.nodes[n.RunID], n)
	return nil
}

func (m *Memory) RegisterEdge(_ context.Context, e Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[e.RunID] = append(m.edges[e.RunID], e)
	return nil
}

func (m *Memory) CreateRow(_ context.Context, r Row) error {
	if r.Data.IsZero() {
		return ErrInvalidPayload
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.rows[r.RunID][r.RowID] = r
	return nil
}

func (m *Memory) CreateToken(_ context.Context, t Token) error {
	if t.RowData.IsZero() {
		return ErrInvalidPayload
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tokens[t.RunID][t.TokenID] = t
	return nil
}

func nodeStateKey(tokenID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s|%s|%d", tokenID, nodeID, attempt)
}

func (m *Memory) BeginNodeState(_ context.Context, s NodeState) (NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nodeStateKey(s.TokenID, s.NodeID, s.Attempt)
	if m.nodeStateKeys[s.RunID][key] {
		return NodeState{}, ErrDuplicateNodeState
	}
	if s.StateID == "" {
		s.StateID = uuid.NewString()
	}
	if s.OpenedAt.IsZero() {
		s.OpenedAt = time.Now().UTC()
	}
	m.nodeStateKeys[s.RunID][key] = true
	cp := s
	m.nodeStates[s.RunID][s.StateID] = &cp
	return cp, nil
}

func (m *Memory) CompleteNodeState(_ context.Context, stateID string, status NodeStateStatus, outputHash string, durationMS int64, errorJSON, contextAfterJSON []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, states := range m.nodeStates {
		if st, ok := states[stateID]; ok {
			now := time.Now().UTC()
			st.Status = status
			st.OutputHash = outputHash
			st.DurationMS = durationMS
			st.ErrorJSON = errorJSON
			st.ContextAfterJSON = contextAfterJSON
			st.ClosedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) RecordRoutingEvent(_ context.Context, e RoutingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	m.routingEvents[e.RunID] = append(m.routingEvents[e.RunID], e)
	return nil
}

func (m *Memory) CreateBatch(_ context.Context, runID, aggregationNode string) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := Batch{
		RunID:           runID,
		BatchID:         uuid.NewString(),
		AggregationNode: aggregationNode,
		Status:          BatchOpen,
		OpenedAt:        time.Now().UTC(),
	}
	if m.batches[runID] == nil {
		m.batches[runID] = make(map[string]*Batch)
	}
	cp := b
	m.batches[runID][b.BatchID] = &cp
	return b, nil
}

func (m *Memory) AddBatchMember(_ context.Context, bm BatchMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[bm.RunID]; !ok {
		m.batches[bm.RunID] = make(map[string]*Batch)
	}
	if _, ok := m.batches[bm.RunID][bm.BatchID]; !ok {
		m.batches[bm.RunID][bm.BatchID] = &Batch{BatchID: bm.BatchID, RunID: bm.RunID, Status: BatchOpen, OpenedAt: time.Now().UTC()}
	}
	key := fmt.Sprintf("%s|%d", bm.BatchID, bm.Ordinal)
	if m.batchOrdinals[bm.RunID] == nil {
		m.batchOrdinals[bm.RunID] = make(map[string]bool)
	}
	if m.batchOrdinals[bm.RunID][key] {
		return ErrDuplicateBatchOrdinal
	}
	m.batchOrdinals[bm.RunID][key] = true
	m.batchMembers[bm.RunID][bm.BatchID] = append(m.batchMembers[bm.RunID][bm.BatchID], bm)
	return nil
}

func (m *Memory) CompleteBatch(_ context.Context, runID, batchID string, status BatchStatus, triggerReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[runID][batchID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	b.Status = status
	b.TriggerReason = triggerReason
	b.ClosedAt = &now
	return nil
}

func (m *Memory) RecordArtifact(_ context.Context, a Artifact) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.artifacts[a.RunID] = append(m.artifacts[a.RunID], a)
	return a, nil
}

func (m *Memory) RecordTransformError(_ context.Context, e TransformError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	m.transformErrors[e.RunID] = append(m.transformErrors[e.RunID], e)
	return nil
}

func (m *Memory) RecordTerminalOutcome(_ context.Context, o TokenOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes[o.RunID] == nil {
		m.outcomes[o.RunID] = make(map[string]*TokenOutcome)
	}
	if _, exists := m.outcomes[o.RunID][o.TokenID]; exists {
		return ErrDuplicateOutcome
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	cp := o
	m.outcomes[o.RunID][o.TokenID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return *r, nil
}

func (m *Memory) GetRow(_ context.Context, runID, rowID string) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[runID][rowID]
	if !ok {
		return Row{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetToken(_ context.Context, runID, tokenID string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[runID][tokenID]
	if !ok {
		return Token{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) GetTokens(_ context.Context, runID, rowID string) ([]Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Token
	for _, t := range m.tokens[runID] {
		if t.RowID == rowID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) GetNodeStatesForToken(_ context.Context, runID, tokenID string) ([]NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []NodeState
	for _, s := range m.nodeStates[runID] {
		if s.TokenID == tokenID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (m *Memory) GetRoutingEvents(_ context.Context, runID, fromStateID string) ([]RoutingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoutingEvent
	for _, e := range m.routingEvents[runID] {
		if e.FromStateID == fromStateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) GetTokenOutcome(_ context.Context, runID, tokenID string) (*TokenOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[runID][tokenID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) GetArtifacts(_ context.Context, runID, sinkNode string) ([]Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Artifact
	for _, a := range m.artifacts[runID] {
		if sinkNode == "" || a.SinkNode == sinkNode {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) GetBatch(_ context.Context, runID, batchID string) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[runID][batchID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return *b, nil
}

func (m *Memory) GetBatchMembers(_ context.Context, runID, batchID string) ([]BatchMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BatchMember(nil), m.batchMembers[runID][batchID]...), nil
}

func (m *Memory) GetTokenParents(_ context.Context, runID, tokenID string) ([]Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[runID][tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []Token
	for _, pid := range t.ParentTokenIDs {
		if p, ok := m.tokens[runID][pid]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) GetTransformErrorsForToken(_ context.Context, runID, tokenID string) ([]TransformError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransformError
	for _, e := range m.transformErrors[runID] {
		if e.TokenID == tokenID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Explain(ctx context.Context, runID, tokenID string) (Lineage, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return Lineage{}, err
	}
	tok, err := m.GetToken(ctx, runID, tokenID)
	if err != nil {
		return Lineage{}, err
	}
	row, err := m.GetRow(ctx, runID, tok.RowID)
	if err != nil {
		return Lineage{}, err
	}
	states, _ := m.GetNodeStatesForToken(ctx, runID, tokenID)
	parents, _ := m.GetTokenParents(ctx, runID, tokenID)
	outcome, _ := m.GetTokenOutcome(ctx, runID, tokenID)
	txErrs, _ := m.GetTransformErrorsForToken(ctx, runID, tokenID)

	var routing []RoutingEvent
	for _, s := range states {
		evs, _ := m.GetRoutingEvents(ctx, runID, s.StateID)
		routing = append(routing, evs...)
	}

	var artifacts []Artifact
	stateIDs := make(map[string]bool, len(states))
	for _, s := range states {
		stateIDs[s.StateID] = true
	}
	for _, a := range m.artifacts[runID] {
		if stateIDs[a.ProducedByState] {
			artifacts = append(artifacts, a)
		}
	}

	return Lineage{
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
