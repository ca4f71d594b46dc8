package v1

import "time"

// TurnRequest is the body of POST /v1/turn on the agent runner.
type TurnRequest struct {
	AgentID string `json:"agent_id"`
	Nonce   string `json:"nonce"`
	Body    string `json:"body"`
}

// TurnChunk is one increment of a streamed turn response. The stream is
// terminated by a chunk with Done set; Error, when present, describes why the
// turn failed.
type TurnChunk struct {
	Body  string `json:"body"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// History entry roles. Within one agent the history alternates strictly
// user/assistant.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry is one recorded conversation message.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryRequest is the body of POST /v1/history. LastN of zero returns the
// full history.
type HistoryRequest struct {
	LastN int `json:"last_n"`
}

// HistoryResponse carries the recorded conversation.
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// Control operations understood by the runner.
const (
	ControlOpLoadBundles = "load_bundles"
)

// ControlRequest is the body of POST /v1/control. Fields beyond Op and Nonce
// are op-specific.
type ControlRequest struct {
	Op      string   `json:"op"`
	Nonce   string   `json:"nonce"`
	Bundles []string `json:"bundles,omitempty"` // load_bundles: URIs to hot-load
}

// ControlResponse is the op-specific result of a control call.
type ControlResponse struct {
	Op     string   `json:"op"`
	Loaded []string `json:"loaded,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
}

// InfoResponse is the body of GET /v1/info, used to verify sandbox isolation
// from outside.
type InfoResponse struct {
	PID     int      `json:"pid"`
	CWD     string   `json:"cwd"`
	UID     int      `json:"uid"`
	RootDir []string `json:"root_dir"`
}
