// Package landscape is the audit trail for pipeline runs: every run, node,
// row, token, state, call, routing event, batch, and outcome is persisted
// through a single transactional recorder so the full lineage of any output
// row can be reconstructed after the fact.
package landscape

import (
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func ParseRunStatus(s string) (RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return RunRunning, nil
	case "completed":
		return RunCompleted, nil
	case "failed":
		return RunFailed, nil
	case "cancelled":
		return RunCancelled, nil
	default:
		return "", fmt.Errorf("invalid run status: %q", s)
	}
}

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeAggregation NodeType = "aggregation"
	NodeGate        NodeType = "gate"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

func ParseNodeType(s string) (NodeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source":
		return NodeSource, nil
	case "transform":
		return NodeTransform, nil
	case "aggregation":
		return NodeAggregation, nil
	case "gate":
		return NodeGate, nil
	case "coalesce":
		return NodeCoalesce, nil
	case "sink":
		return NodeSink, nil
	default:
		return "", fmt.Errorf("invalid node type: %q", s)
	}
}

type Determinism string

const (
	Deterministic    Determinism = "deterministic"
	IORead           Determinism = "io_read"
	IOWrite          Determinism = "io_write"
	ExternalCall     Determinism = "external_call"
	NonDeterministic Determinism = "non_deterministic"
)

func ParseDeterminism(s string) (Determinism, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deterministic":
		return Deterministic, nil
	case "io_read":
		return IORead, nil
	case "io_write":
		return IOWrite, nil
	case "external_call":
		return ExternalCall, nil
	case "non_deterministic":
		return NonDeterministic, nil
	default:
		return "", fmt.Errorf("invalid determinism class: %q", s)
	}
}

type EdgeMode string

const (
	ModeMove EdgeMode = "move"
	ModeCopy EdgeMode = "copy"
)

func ParseEdgeMode(s string) (EdgeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "move":
		return ModeMove, nil
	case "copy":
		return ModeCopy, nil
	default:
		return "", fmt.Errorf("invalid edge mode: %q", s)
	}
}

type StateStatus string

const (
	StateOpen      StateStatus = "open"
	StateCompleted StateStatus = "completed"
	StateFailed    StateStatus = "failed"
)

func ParseStateStatus(s string) (StateStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return StateOpen, nil
	case "completed":
		return StateCompleted, nil
	case "failed":
		return StateFailed, nil
	default:
		return "", fmt.Errorf("invalid node state status: %q", s)
	}
}

func (s StateStatus) Terminal() bool { return s == StateCompleted || s == StateFailed }

type CallType string

const (
	CallLLM        CallType = "llm"
	CallHTTP       CallType = "http"
	CallSQL        CallType = "sql"
	CallFilesystem CallType = "filesystem"
)

func ParseCallType(s string) (CallType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "llm":
		return CallLLM, nil
	case "http":
		return CallHTTP, nil
	case "sql":
		return CallSQL, nil
	case "filesystem":
		return CallFilesystem, nil
	default:
		return "", fmt.Errorf("invalid call type: %q", s)
	}
}

type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

func ParseCallStatus(s string) (CallStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return CallSuccess, nil
	case "error":
		return CallError, nil
	default:
		return "", fmt.Errorf("invalid call status: %q", s)
	}
}

// Outcome is the terminal (or, for buffered, transient) attribution of a
// token. Exactly one terminal outcome is allowed per token.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeRouted          Outcome = "routed"
	OutcomeForked          Outcome = "forked"
	OutcomeFailed          Outcome = "failed"
	OutcomeQuarantined     Outcome = "quarantined"
	OutcomeCoalesced       Outcome = "coalesced"
	OutcomeExpanded        Outcome = "expanded"
	OutcomeConsumedInBatch Outcome = "consumed_in_batch"
	OutcomeBuffered        Outcome = "buffered"
)

func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed":
		return OutcomeCompleted, nil
	case "routed":
		return OutcomeRouted, nil
	case "forked":
		return OutcomeForked, nil
	case "failed":
		return OutcomeFailed, nil
	case "quarantined":
		return OutcomeQuarantined, nil
	case "coalesced":
		return OutcomeCoalesced, nil
	case "expanded":
		return OutcomeExpanded, nil
	case "consumed_in_batch":
		return OutcomeConsumedInBatch, nil
	case "buffered":
		return OutcomeBuffered, nil
	default:
		return "", fmt.Errorf("invalid token outcome: %q", s)
	}
}

// Terminal reports whether this outcome ends the token's lifecycle.
// BUFFERED is the only transient outcome: it may be superseded by any
// terminal outcome on the same token.
func (o Outcome) Terminal() bool { return o != OutcomeBuffered }

type Run struct {
	RunID            string
	StartedAt        time.Time
	CompletedAt      *time.Time
	ConfigHash       string
	SettingsJSON     string
	CanonicalVersion string
	Status           RunStatus
	ExportStatus     string
}

type Node struct {
	NodeID             string
	RunID              string
	PluginName         string
	NodeType           NodeType
	PluginVersion      string
	Determinism        Determinism
	ConfigHash         string
	ConfigJSON         string
	RegisteredAt       time.Time
	SchemaHash         string
	SchemaMode         string
	SchemaFieldsJSON   string
	SequenceInPipeline int
}

type Edge struct {
	EdgeID      string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	Label       string
	DefaultMode EdgeMode
	CreatedAt   time.Time
}

type Row struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	SourceDataHash string
	SourceDataRef  string
	CreatedAt      time.Time
}

type Token struct {
	TokenID        string
	RowID          string
	ForkGroupID    string
	JoinGroupID    string
	ExpandGroupID  string
	BranchName     string
	StepInPipeline int
	CreatedAt      time.Time
}

type NodeState struct {
	StateID     string
	TokenID     string
	NodeID      string
	StepIndex   int
	Attempt     int
	Status      StateStatus
	InputHash   string
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  *float64
	OutputHash  string
	ErrorJSON   string
	ContextJSON string
}

type Call struct {
	CallID      string
	StateID     string
	OperationID string
	CallIndex   int
	CallType    CallType
	Status      CallStatus
	RequestHash string
	RequestRef  string
	RespHash    string
	RespRef     string
	ErrorJSON   string
	LatencyMS   *float64
	CreatedAt   time.Time
}

type Operation struct {
	OperationID   string
	RunID         string
	NodeID        string
	OperationType string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        string
	InputDataRef  string
	InputDataHash string
	OutputRef     string
	OutputHash    string
	ErrorMessage  string
	DurationMS    *float64
}

type RoutingEvent struct {
	EventID        string
	StateID        string
	EdgeID         string
	RoutingGroupID string
	Ordinal        int
	Mode           EdgeMode
	CreatedAt      time.Time
	ReasonHash     string
	ReasonRef      string
}

type Batch struct {
	BatchID   string
	RunID     string
	NodeID    string
	CreatedAt time.Time
}

type TokenOutcome struct {
	OutcomeID            string
	RunID                string
	TokenID              string
	Outcome              Outcome
	IsTerminal           bool
	RecordedAt           time.Time
	SinkName             string
	BatchID              string
	ForkGroupID          string
	JoinGroupID          string
	ExpandGroupID        string
	ErrorHash            string
	ContextJSON          string
	ExpectedBranchesJSON string
}

type Artifact struct {
	ArtifactID        string
	RunID             string
	ProducedByStateID string
	SinkNodeID        string
	ArtifactType      string
	PathOrURI         string
	ContentHash       string
	SizeBytes         int64
	CreatedAt         time.Time
}

type ValidationError struct {
	ErrorID             string
	RunID               string
	NodeID              string
	RowDataJSON         string
	Error               string
	SchemaMode          string
	Destination         string
	ViolationType       string
	NormalizedFieldName string
	OriginalFieldName   string
	ExpectedType        string
	ActualType          string
}

type Checkpoint struct {
	CheckpointID             string
	RunID                    string
	TokenID                  string
	NodeID                   string
	SequenceNumber           int64
	AggregationStateJSON     *string
	UpstreamTopologyHash     string
	CheckpointNodeConfigHash string
	CreatedAt                time.Time
	FormatVersion            int
}
