package recorder

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run (spec §3).
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// NodeType identifies the kind of DAG vertex a Node represents.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform    NodeType = "transform"
	NodeGate         NodeType = "gate"
	NodeAggregation  NodeType = "aggregation"
	NodeCoalesce     NodeType = "coalesce"
	NodeSink         NodeType = "sink"
)

// EdgeMode controls how a labeled edge duplicates tokens during routing
// (spec §3 "Edge-mode respect" invariant).
type EdgeMode string

const (
	EdgeMove  EdgeMode = "MOVE"
	EdgeCopy  EdgeMode = "COPY"
	EdgeDivert EdgeMode = "DIVERT"
)

// Outcome is the single terminal classification of a token (spec §3).
type Outcome string

const (
	OutcomeCompleted       Outcome = "COMPLETED"
	OutcomeRouted          Outcome = "ROUTED"
	OutcomeQuarantined     Outcome = "QUARANTINED"
	OutcomeFailed          Outcome = "FAILED"
	OutcomeForked          Outcome = "FORKED"
	OutcomeCoalesced       Outcome = "COALESCED"
	OutcomeConsumedInBatch Outcome = "CONSUMED_IN_BATCH"
	OutcomeBuffered        Outcome = "BUFFERED"
	OutcomeExpanded        Outcome = "EXPANDED"
)

// NodeStateStatus is the result of one attempt of one token at one node.
type NodeStateStatus string

const (
	NodeStateCompleted NodeStateStatus = "completed"
	NodeStateFailed    NodeStateStatus = "failed"
)

// BatchStatus tracks an aggregation group's lifecycle (spec §3).
type BatchStatus string

const (
	BatchOpen      BatchStatus = "OPEN"
	BatchFlushing  BatchStatus = "FLUSHING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

// Payload is a row/token body that is either stored inline (small payloads)
// or referenced by content hash (spec §4.1, SPEC_FULL §3.1). Exactly one of
// Inline or Hash must be set.
type Payload struct {
	Inline json.RawMessage
	Hash   string
}

// IsZero reports whether neither Inline nor Hash has been set.
func (p Payload) IsZero() bool { return len(p.Inline) == 0 && p.Hash == "" }

type (
	// Run is one pipeline execution.
	Run struct {
		RunID            string
		Status           RunStatus
		ConfigHash       string
		CanonicalVersion string
		StartedAt        time.Time
		EndedAt          *time.Time
	}

	// Node is a DAG vertex bound to a plugin instance.
	Node struct {
		RunID          string
		NodeID         string
		PluginName     string
		NodeType       NodeType
		PluginVersion  string
		ConfigSnapshot json.RawMessage
		SchemaConfig   json.RawMessage
	}

	// Edge is a labeled routing connection between two nodes.
	Edge struct {
		RunID    string
		EdgeID   string
		FromNode string
		ToNode   string
		Label    string
		Mode     EdgeMode
	}

	// Row is a source-emitted record.
	Row struct {
		RunID      string
		RowID      string
		RowIndex   int
		SourceNode string
		Data       Payload
		CreatedAt  time.Time
	}

	// Token is a traceable identity for a row at a point in the DAG.
	Token struct {
		RunID          string
		TokenID        string
		RowID          string
		RowData        Payload
		BranchName     string
		ForkGroupID    string
		JoinGroupID    string
		ExpandGroupID  string
		ParentTokenIDs []string
		CreatedAt      time.Time
	}

	// TokenOutcome is the single terminal state of a token.
	TokenOutcome struct {
		RunID         string
		TokenID       string
		Outcome       Outcome
		SinkName      string
		ErrorHash     string
		ForkGroupID   string
		JoinGroupID   string
		ExpandGroupID string
		RecordedAt    time.Time
	}

	// NodeState is the audit record of one attempt of one token at one node.
	NodeState struct {
		RunID             string
		StateID           string
		TokenID           string
		NodeID            string
		StepIndex         int
		Attempt           int
		Status            NodeStateStatus
		InputHash         string
		OutputHash        string
		DurationMS        int64
		ErrorJSON         json.RawMessage
		ContextAfterJSON  json.RawMessage
		OpenedAt          time.Time
		ClosedAt          *time.Time
	}

	// RoutingEvent records a choice made by a node.
	RoutingEvent struct {
		RunID          string
		FromStateID    string
		EdgeID         string
		Mode           EdgeMode
		ReasonHash     string
		RoutingGroupID string
		RecordedAt     time.Time
	}

	// Batch is a buffered aggregation group.
	Batch struct {
		RunID           string
		BatchID         string
		AggregationNode string
		Status          BatchStatus
		TriggerReason   string
		OpenedAt        time.Time
		ClosedAt        *time.Time
	}

	// BatchMember links a buffered token to its batch.
	BatchMember struct {
		RunID   string
		BatchID string
		TokenID string
		Ordinal int
	}

	// Artifact is something durably produced by a sink write.
	Artifact struct {
		RunID           string
		ArtifactID      string
		SinkNode        string
		PathOrURI       string
		SizeBytes       int64
		ContentHash     string
		ProducedByState string
		CreatedAt       time.Time
	}

	// TransformError is a structured error reason routed by a transform.
	TransformError struct {
		RunID         string
		TransformID   string
		TokenID       string
		Destination   string
		ErrorDetails  json.RawMessage
		ErrorHash     string
		RecordedAt    time.Time
	}

	// Lineage is the full materialized trace for one token (spec §4.1
	// explain()).
	Lineage struct {
		Run             Run
		Row             Row
		Token           Token
		NodeStates      []NodeState
		RoutingEvents   []RoutingEvent
		ParentTokens    []Token
		Outcome         *TokenOutcome
		TransformErrors []TransformError
		Artifacts       []Artifact
	}
)
