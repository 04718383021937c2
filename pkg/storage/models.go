package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a dense globally-unique identifier (hex, no dashes).
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Source is one external origin of captured artifacts.
type Source struct {
	SourceID   string    `json:"source_id"`
	SourceType string    `json:"source_type"` // filesystem | api | browser
	URI        string    `json:"uri"`
	CreatedTS  time.Time `json:"created_ts"`
}

// Blob is a content-addressed binary.
type Blob struct {
	BlobID    string    `json:"blob_id"`
	SHA256    string    `json:"sha256"`
	Path      string    `json:"path"`
	Mime      string    `json:"mime"`
	SizeBytes int64     `json:"size_bytes"`
	SourceID  string    `json:"source_id"`
	CreatedTS time.Time `json:"created_ts"`
}

// FileState tracks the last observed state of a watched file for dedup.
type FileState struct {
	Path       string    `json:"path"`
	MtimeNS    int64     `json:"mtime_ns"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	LastSeenTS time.Time `json:"last_seen_ts"`
}

// Job statuses.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobError   = "error"
	JobDead    = "dead"
)

// Job is one queued unit of work.
type Job struct {
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	NextRunTS time.Time       `json:"next_run_ts"`
	Payload   json.RawMessage `json:"payload"`
	ErrorText string          `json:"error_text,omitempty"`
	CreatedTS time.Time       `json:"created_ts"`
	UpdatedTS time.Time       `json:"updated_ts"`
}

// MemoryCard is the atomic knowledge unit.
type MemoryCard struct {
	MemoryID    string         `json:"memory_id"`
	Type        string         `json:"type"`
	SourceTime  time.Time      `json:"source_time"`
	CreatedAt   time.Time      `json:"created_at"`
	Summary     string         `json:"summary"`
	ContentText string         `json:"content_text"`
	Metadata    map[string]any `json:"metadata"`
	BlobID      string         `json:"blob_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
}

// Embedding references a point in the vector index.
type Embedding struct {
	EmbeddingID string `json:"embedding_id"`
	MemoryID    string `json:"memory_id"`
	Modality    string `json:"modality"` // text | vision
	VectorRef   string `json:"vector_ref"`
}

// GraphNode is a node in the knowledge graph. Node ids are namespaced:
// mem:<memory_id> for cards, ent:<slug> for entities.
type GraphNode struct {
	NodeID    string         `json:"node_id"`
	NodeType  string         `json:"node_type"`
	Props     map[string]any `json:"props"`
	CreatedTS time.Time      `json:"created_ts"`
	UpdatedTS time.Time      `json:"updated_ts"`
}

// GraphEdge is a weighted, time-bounded edge with provenance.
type GraphEdge struct {
	EdgeID     string         `json:"edge_id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	EdgeType   string         `json:"edge_type"`
	Weight     float64        `json:"weight"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidTo    *time.Time     `json:"valid_to,omitempty"`
	Provenance map[string]any `json:"provenance,omitempty"`
}

// Exec trace statuses.
const (
	TraceRunning   = "running"
	TraceOK        = "ok"
	TraceError     = "error"
	TraceCancelled = "cancelled"
)

// ExecTrace is one top-level operation (one blob ingest or one chat turn).
type ExecTrace struct {
	TraceID    string         `json:"trace_id"`
	StartedTS  time.Time      `json:"started_ts"`
	FinishedTS *time.Time     `json:"finished_ts,omitempty"`
	Status     string         `json:"status"`
	RootCallID string         `json:"root_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Exec node states.
const (
	NodePending = "pending"
	NodeRunning = "running"
	NodeOK      = "ok"
	NodeError   = "error"
	NodeTimeout = "timeout"
)

// ExecNode is a single tool invocation inside a trace.
type ExecNode struct {
	ExecNodeID string     `json:"exec_node_id"`
	TraceID    string     `json:"trace_id"`
	CallID     string     `json:"call_id"`
	ToolName   string     `json:"tool_name"`
	State      string     `json:"state"`
	Attempt    int        `json:"attempt"`
	TimeoutMS  int        `json:"timeout_ms"`
	StartedTS  time.Time  `json:"started_ts"`
	FinishedTS *time.Time `json:"finished_ts,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
}

// Exec edge conditions.
const (
	EdgeAlways  = "always"
	EdgeOnOK    = "on_ok"
	EdgeOnError = "on_error"
)

// ExecEdge is a dependency between two exec nodes.
type ExecEdge struct {
	FromExecNode string `json:"from_exec_node"`
	ToExecNode   string `json:"to_exec_node"`
	Condition    string `json:"condition"`
}

// ToolCall is one registry dispatch.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	TraceID   string          `json:"trace_id,omitempty"`
	TS        time.Time       `json:"ts"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	Outputs   json.RawMessage `json:"outputs,omitempty"`
	Status    string          `json:"status"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// Conversation groups ordered turns.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	TurnCount      int       `json:"turn_count,omitempty"`
}

// ConversationTurn is one user/assistant exchange.
type ConversationTurn struct {
	TurnID         string          `json:"turn_id"`
	ConversationID string          `json:"conversation_id"`
	UserText       string          `json:"user_text"`
	AssistantText  string          `json:"assistant_text"`
	Verdict        string          `json:"verdict"`
	TraceID        string          `json:"trace_id,omitempty"`
	Citations      json.RawMessage `json:"citations,omitempty"`
	Evidence       json.RawMessage `json:"evidence,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ChatCitation links a turn to one cited memory.
type ChatCitation struct {
	CitationID string `json:"citation_id"`
	TurnID     string `json:"turn_id"`
	MemoryID   string `json:"memory_id"`
	Quote      string `json:"quote,omitempty"`
	SpanStart  int    `json:"span_start"`
	SpanEnd    int    `json:"span_end"`
}

// SearchQuery is one logged retrieval request.
type SearchQuery struct {
	SearchID    string    `json:"search_id"`
	QueryText   string    `json:"query_text"`
	Filters     string    `json:"filters,omitempty"`
	ResultCount int       `json:"result_count"`
	TraceID     string    `json:"trace_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
