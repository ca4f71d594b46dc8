package v1

import "time"

// BusEntryType classifies a bus log record.
type BusEntryType string

const (
	BusEntryIntention BusEntryType = "INTENTION"
	BusEntryVote      BusEntryType = "VOTE"
	BusEntryCommit    BusEntryType = "COMMIT"
	BusEntryAbort     BusEntryType = "ABORT"
	BusEntryPolicy    BusEntryType = "POLICY"
	BusEntryInput     BusEntryType = "INPUT"
	BusEntryOutput    BusEntryType = "OUTPUT"
	BusEntryControl   BusEntryType = "CONTROL"
)

// BusEntry is one append-only record of the inter-agent decision log.
// Position is monotonic per bus; entries are never mutated.
type BusEntry struct {
	Position  int64          `json:"position"`
	Type      BusEntryType   `json:"type"`
	AgentID   string         `json:"agent_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// BusQueryRequest is the body of POST /v1/query on the bus server. Limit of
// zero selects the server's default page size.
type BusQueryRequest struct {
	StartPosition int64          `json:"start_position"`
	Limit         int            `json:"limit,omitempty"`
	Types         []BusEntryType `json:"types,omitempty"`
}

// BusQueryResponse is one page of bus entries. Complete is set when the page
// reaches the current end of the log.
type BusQueryResponse struct {
	Entries  []BusEntry `json:"entries"`
	Complete bool       `json:"complete"`
}

// AgentBusRequest is the body of POST /v1/agentbus on the agent runner.
type AgentBusRequest struct {
	Nonce         string         `json:"nonce"`
	StartPosition int64          `json:"start_position"`
	PayloadTypes  []BusEntryType `json:"payload_types,omitempty"`
}

// AgentBusResponse is the aggregated, flat entry list.
type AgentBusResponse struct {
	Entries []BusEntry `json:"entries"`
}
