package api

import v1 "github.com/hivedev/hive/pkg/api/v1"

// CreateTeamRequest is the body of POST /v1/teams.
type CreateTeamRequest struct {
	ID     string `json:"id" binding:"required"`
	Budget int    `json:"budget"`
}

// TurnBody is the body of POST /v1/agents/:id/turn. The agent id comes from
// the path.
type TurnBody struct {
	Nonce string `json:"nonce" binding:"required"`
	Body  string `json:"body"`
}

// BusQueryBody is the body of POST /v1/agents/:id/bus. FollowSeconds of zero
// drains the currently available entries; a positive value keeps polling for
// that long and streams entries as SSE.
type BusQueryBody struct {
	StartPosition int64             `json:"start_position"`
	Types         []v1.BusEntryType `json:"types,omitempty"`
	FollowSeconds int               `json:"follow_seconds,omitempty"`
}

// PackageRequest is the body of POST /v1/images.
type PackageRequest struct {
	Name    string            `json:"name" binding:"required"`
	Bundles []v1.SourceBundle `json:"bundles" binding:"required"`
}

// RunningResponse is the body of GET /v1/agents/:id/running.
type RunningResponse struct {
	Running bool `json:"running"`
}
