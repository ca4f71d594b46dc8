// Package v1 contains the wire types shared by the kernel, the agent runner
// and API clients.
package v1

import "time"

// AgentState represents the lifecycle state of an agent.
type AgentState string

const (
	AgentStateStarting AgentState = "STARTING"
	AgentStateRunning  AgentState = "RUNNING"
	AgentStateIdle     AgentState = "IDLE"
	AgentStateStopped  AgentState = "STOPPED"
	AgentStateFailed   AgentState = "FAILED"
)

// Terminal reports whether the state has released the agent's resources.
func (s AgentState) Terminal() bool {
	return s == AgentStateStopped || s == AgentStateFailed
}

// BusConfig holds the connection info for an agent's bus endpoint.
type BusConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Agent represents one spawned, independently addressable agent process or
// pod. The record is owned by the registry once registered and mutated only
// by the spawner that created it. The spawn nonce is deliberately not part of
// this type.
type Agent struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	TeamID    string            `json:"team_id,omitempty"`
	AgentType string            `json:"agent_type"`
	ImageID   string            `json:"image_id"`
	SpawnInfo map[string]any    `json:"spawn_info,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	State     AgentState        `json:"state"`
	PID       int               `json:"pid,omitempty"`
	HTTPPort  int               `json:"http_port"`
	Bus       *BusConfig        `json:"bus,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SpawnResult pairs a spawned agent with its one-time nonce. The nonce is
// returned only to the caller that issued the spawn and never exposed by
// list or status queries.
type SpawnResult struct {
	Agent *Agent `json:"agent"`
	Nonce string `json:"nonce"`
}

// Team is a capacity-scoped grouping of agents sharing a slot budget.
type Team struct {
	ID     string `json:"id"`
	Budget int    `json:"budget"`
	Used   int    `json:"used"`
}

// AgentImage describes a deployable agent image. Path is either a local
// directory or a registry tag; the two are interchangeable at the spawner
// boundary.
type AgentImage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// SourceBundle is a content-addressed unit of source code referenced by URI.
// Bundles are immutable once referenced by an image.
type SourceBundle struct {
	URI    string            `json:"uri"`
	Labels map[string]string `json:"labels,omitempty"`
}

// PackageJobStatus is the terminal status of a build.
type PackageJobStatus string

const (
	PackageJobSucceeded PackageJobStatus = "SUCCEEDED"
	PackageJobFailed    PackageJobStatus = "FAILED"
)

// PackageJob records the outcome of a synchronous image build.
type PackageJob struct {
	ID        string           `json:"id"`
	Status    PackageJobStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	Image     *AgentImage      `json:"image,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
