// Package recorder implements the Audit Recorder (spec §4.1): the single
// write path to a relational store, and the sole writer of every audit
// entity in spec §3. All other runtime components write through a Recorder;
// none touch storage directly.
package recorder

import "context"

// Recorder is the single-writer, append-mostly persistence abstraction.
// Implementations must make the terminal-outcome write a conditional
// insert: a second RecordTerminalOutcome for the same token_id returns
// ErrDuplicateOutcome rather than overwriting the first (spec §3, §4.1).
type Recorder interface {
	// BeginRun creates a new Run row in RUNNING status.
	BeginRun(ctx context.Context, configHash, canonicalVersion string) (Run, error)
	// EndRun transitions a Run to a terminal status exactly once.
	EndRun(ctx context.Context, runID string, status RunStatus) error

	// RegisterNode appends an immutable Node row.
	RegisterNode(ctx context.Context, n Node) error
	// RegisterEdge appends an immutable Edge row.
	RegisterEdge(ctx context.Context, e Edge) error

	// CreateRow appends a Row the first time a source yields it.
	CreateRow(ctx context.Context, r Row) error
	// CreateToken appends a Token, optionally recording parent links for
	// fork/coalesce/expand lineage.
	CreateToken(ctx context.Context, t Token) error

	// BeginNodeState opens a node_state for one attempt of one token at one
	// node. Returns ErrDuplicateNodeState if (token_id, node_id, attempt)
	// already exists.
	BeginNodeState(ctx context.Context, s NodeState) (NodeState, error)
	// CompleteNodeState closes a previously opened node_state.
	CompleteNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputHash string, durationMS int64, errorJSON, contextAfterJSON []byte) error

	// RecordRoutingEvent appends a routing_event for a destination taken
	// from a given node_state.
	RecordRoutingEvent(ctx context.Context, e RoutingEvent) error

	// CreateBatch opens a new aggregation batch.
	CreateBatch(ctx context.Context, runID, aggregationNode string) (Batch, error)
	// AddBatchMember appends a batch_member in buffer order. Returns
	// ErrDuplicateBatchOrdinal if (batch_id, ordinal) already exists.
	AddBatchMember(ctx context.Context, m BatchMember) error
	// CompleteBatch transitions a batch to COMPLETED or FAILED.
	CompleteBatch(ctx context.Context, runID, batchID string, status BatchStatus, triggerReason string) error

	// RecordArtifact appends an Artifact. Spec §3 "artifact-before-outcome"
	// requires callers to invoke this before RecordTerminalOutcome for any
	// token the artifact's sink write consumed.
	RecordArtifact(ctx context.Context, a Artifact) (Artifact, error)

	// RecordTransformError appends a TransformError for a routed/quarantined
	// data error.
	RecordTransformError(ctx context.Context, e TransformError) error

	// RecordTerminalOutcome performs the conditional insert described above.
	RecordTerminalOutcome(ctx context.Context, o TokenOutcome) error

	// Query side.
	GetRun(ctx context.Context, runID string) (Run, error)
	GetRow(ctx context.Context, runID, rowID string) (Row, error)
	GetToken(ctx context.Context, runID, tokenID string) (Token, error)
	GetTokens(ctx context.Context, runID, rowID string) ([]Token, error)
	GetNodeStatesForToken(ctx context.Context, runID, tokenID string) ([]NodeState, error)
	GetRoutingEvents(ctx context.Context, runID, fromStateID string) ([]RoutingEvent, error)
	GetTokenOutcome(ctx context.Context, runID, tokenID string) (*TokenOutcome, error)
	GetArtifacts(ctx context.Context, runID, sinkNode string) ([]Artifact, error)
	GetBatch(ctx context.Context, runID, batchID string) (Batch, error)
	GetBatchMembers(ctx context.Context, runID, batchID string) ([]BatchMember, error)
	GetTokenParents(ctx context.Context, runID, tokenID string) ([]Token, error)
	GetTransformErrorsForToken(ctx context.Context, runID, tokenID string) ([]TransformError, error)

	// Explain returns the full materialized Lineage for one token.
	Explain(ctx context.Context, runID, tokenID string) (Lineage, error)
}
