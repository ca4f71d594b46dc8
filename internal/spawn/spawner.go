// Package spawn owns the full agent lifecycle across execution backends:
// team capacity accounting, record creation, image resolution, workspace
// setup, process or pod creation, readiness polling, and teardown.
package spawn

import (
	"context"
	"time"

	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Request describes one spawn.
type Request struct {
	Name      string            `json:"name"`
	TeamID    string            `json:"team_id,omitempty"`
	AgentType string            `json:"agent_type"`
	ImageID   string            `json:"image_id"`
	SpawnInfo map[string]any    `json:"spawn_info,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Bus, when non-nil, requests an inter-agent bus. An empty host means
	// the spawner starts an in-process bus server on an allocated port.
	Bus *v1.BusConfig `json:"bus,omitempty"`
}

// Spawner is the lifecycle contract satisfied by every backend.
type Spawner interface {
	CreateTeam(teamID string, budget int) error
	DeleteTeam(ctx context.Context, teamID string) error
	Spawn(ctx context.Context, req *Request) (*v1.SpawnResult, error)
	Kill(ctx context.Context, agentID string) error
	Get(agentID string) (*v1.Agent, error)
	IsRunning(agentID string) bool
}

// Resolver maps an agent id to the base URL a client should dial. Callers
// never need backend awareness; the cluster backend answers with its local
// tunnel port rather than the in-cluster one.
type Resolver interface {
	Resolve(agentID string) (string, error)
}

// launchSpec is everything a backend needs to start one agent.
type launchSpec struct {
	Agent      *v1.Agent
	Image      *v1.AgentImage
	Command    []string
	Config     map[string]any
	ConfigPath string
	Workspace  string
}

// handle is the backend's opaque reference to a launched agent.
type handle interface{}

// Backend is the execution-specific part of the lifecycle. The shared
// pipeline in Service drives it; the methods are deliberately unexported so
// implementations live in this package.
type Backend interface {
	name() string
	healthTimeout() time.Duration
	launch(ctx context.Context, spec *launchSpec) (handle, error)
	stop(ctx context.Context, h handle) error
	running(h handle) bool

	// localPort returns the locally dialable port for a launched agent, or
	// 0 when the agent's own HTTP port is directly reachable.
	localPort(h handle) int
}
