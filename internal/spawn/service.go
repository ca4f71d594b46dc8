package spawn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentbus "github.com/hivedev/hive/internal/bus"
	"github.com/hivedev/hive/internal/bus/store"
	"github.com/hivedev/hive/internal/common/logger"
	events "github.com/hivedev/hive/internal/events/bus"
	"github.com/hivedev/hive/internal/kernel/ports"
	"github.com/hivedev/hive/internal/kernel/registry"
	"github.com/hivedev/hive/internal/storage/image"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// busInstance is one in-process bus server started for a spawn.
type busInstance struct {
	server *agentbus.Server
	store  store.Store
	port   int
}

// Service drives the shared spawn pipeline and delegates execution to a
// backend. It satisfies both Spawner and Resolver.
type Service struct {
	backend  Backend
	registry *registry.Registry
	ports    *ports.Allocator
	images   *image.Store
	plugins  Plugins
	teams    *Teams
	eventBus events.EventBus
	logger   *logger.Logger
	dataDir  string

	// NewBusStore builds the entry store behind an in-process bus server.
	// Defaults to the in-memory store.
	NewBusStore func(agentID string) (store.Store, error)

	mu      sync.Mutex
	handles map[string]handle
	buses   map[string]*busInstance
	killing map[string]bool
}

// NewService wires a spawn service around a backend.
func NewService(
	b Backend,
	reg *registry.Registry,
	alloc *ports.Allocator,
	images *image.Store,
	plugins Plugins,
	eventBus events.EventBus,
	dataDir string,
	log *logger.Logger,
) *Service {
	return &Service{
		backend:  b,
		registry: reg,
		ports:    alloc,
		images:   images,
		plugins:  plugins,
		teams:    NewTeams(),
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "spawner"), zap.String("backend", b.name())),
		dataDir:  dataDir,
		NewBusStore: func(string) (store.Store, error) {
			return store.NewMemoryStore(), nil
		},
		handles: make(map[string]handle),
		buses:   make(map[string]*busInstance),
		killing: make(map[string]bool),
	}
}

// CreateTeam stores a team slot budget.
func (s *Service) CreateTeam(teamID string, budget int) error {
	if err := s.teams.Create(teamID, budget); err != nil {
		return err
	}
	s.logger.Info("created team", zap.String("team_id", teamID), zap.Int("budget", budget))
	return nil
}

// DeleteTeam kills every live agent in the team, then discards the budget.
func (s *Service) DeleteTeam(ctx context.Context, teamID string) error {
	for _, agent := range s.registry.List(registry.Filter{TeamID: teamID}) {
		if agent.State.Terminal() {
			continue
		}
		if err := s.Kill(ctx, agent.ID); err != nil {
			return fmt.Errorf("failed to kill agent %s in team %s: %w", agent.ID, teamID, err)
		}
	}
	s.teams.Delete(teamID)
	s.logger.Info("deleted team", zap.String("team_id", teamID))
	return nil
}

// Team returns a team's current budget and usage.
func (s *Service) Team(teamID string) (*v1.Team, error) {
	return s.teams.Get(teamID)
}

// Spawn runs the full pipeline: capacity check, image resolution, record
// registration, port and workspace allocation, backend launch, readiness
// poll. On any failure every resource already acquired is released and the
// agent, if registered, ends FAILED.
func (s *Service) Spawn(ctx context.Context, req *Request) (*v1.SpawnResult, error) {
	s.logger.Info("spawning agent",
		zap.String("name", req.Name),
		zap.String("agent_type", req.AgentType),
		zap.String("team_id", req.TeamID))

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	// 1. Team capacity, atomically check-and-increment.
	if req.TeamID != "" {
		if err := s.teams.Acquire(req.TeamID); err != nil {
			return nil, err
		}
		undo = append(undo, func() { s.teams.Release(req.TeamID) })
	}

	// 2. Image resolution.
	img, err := s.images.Get(req.ImageID)
	if err != nil {
		rollback()
		return nil, err
	}

	plugin, err := s.plugins.Lookup(req.AgentType)
	if err != nil {
		rollback()
		return nil, err
	}

	// 3. In-process bus server, if requested without explicit host.
	busCfg := req.Bus
	var busInst *busInstance
	if busCfg != nil && busCfg.Host == "" {
		busInst, err = s.startBus(ctx)
		if err != nil {
			rollback()
			return nil, err
		}
		undo = append(undo, func() { s.stopBus(context.Background(), busInst) })
		busCfg = &v1.BusConfig{Host: "127.0.0.1", Port: busInst.port}
	}

	// 4. Agent record, state STARTING.
	agent := &v1.Agent{
		ID:        uuid.New().String(),
		Name:      req.Name,
		TeamID:    req.TeamID,
		AgentType: req.AgentType,
		ImageID:   req.ImageID,
		SpawnInfo: req.SpawnInfo,
		Metadata:  req.Metadata,
		State:     v1.AgentStateStarting,
		Bus:       busCfg,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.registry.Register(agent); err != nil {
		rollback()
		return nil, err
	}

	// Past registration the record never disappears: a failed spawn ends
	// FAILED, never in a non-terminal limbo.
	fail := func(cause error) (*v1.SpawnResult, error) {
		rollback()
		_ = s.registry.SetState(agent.ID, v1.AgentStateFailed)
		s.publishEvent(ctx, events.AgentFailed, agent, cause.Error())
		return nil, cause
	}

	// 5. HTTP port and private workspace.
	httpPort, err := s.ports.Allocate()
	if err != nil {
		return fail(err)
	}
	undo = append(undo, func() { s.ports.Release(httpPort) })
	agent.HTTPPort = httpPort

	workspace := filepath.Join(s.dataDir, "agents", agent.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fail(fmt.Errorf("failed to create workspace: %w", err))
	}
	undo = append(undo, func() { _ = os.RemoveAll(workspace) })

	// 6. Nonce, plugin config, launch command. The nonce lives only in the
	// written config and the returned SpawnResult, never on the record.
	nonce, err := newNonce()
	if err != nil {
		return fail(err)
	}

	cfg, err := plugin.BuildConfig(req, agent)
	if err != nil {
		return fail(err)
	}
	cfg["agent_id"] = agent.ID
	cfg["nonce"] = nonce
	cfg["http_port"] = httpPort
	cfg["workspace"] = workspace
	if busCfg != nil {
		cfg["bus_host"] = busCfg.Host
		cfg["bus_port"] = busCfg.Port
	}

	configPath := filepath.Join(workspace, "agent.json")
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("failed to marshal agent config: %w", err))
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fail(fmt.Errorf("failed to write agent config: %w", err))
	}

	command, err := plugin.Command(img, configPath)
	if err != nil {
		return fail(err)
	}

	// 7. Backend execution plus readiness poll.
	h, err := s.backend.launch(ctx, &launchSpec{
		Agent:      agent,
		Image:      img,
		Command:    command,
		Config:     cfg,
		ConfigPath: configPath,
		Workspace:  workspace,
	})
	if err != nil {
		return fail(err)
	}
	undo = append(undo, func() { _ = s.backend.stop(context.Background(), h) })

	baseURL := s.baseURL(agent, h)
	if err := waitHealthy(ctx, baseURL, s.backend.healthTimeout()); err != nil {
		return fail(err)
	}

	// 8. Running. The undo stack is abandoned; resources now belong to Kill.
	s.mu.Lock()
	s.handles[agent.ID] = h
	if busInst != nil {
		s.buses[agent.ID] = busInst
	}
	s.mu.Unlock()

	if err := s.registry.SetState(agent.ID, v1.AgentStateRunning); err != nil {
		return fail(err)
	}
	s.publishEvent(ctx, events.AgentStarted, agent, "")

	s.logger.Info("agent running",
		zap.String("agent_id", agent.ID),
		zap.Int("http_port", httpPort))

	return &v1.SpawnResult{Agent: agent, Nonce: nonce}, nil
}

// Kill tears an agent down. Killing an already-terminal agent is a no-op,
// and concurrent kills of the same agent release its resources once: the
// first caller to claim the teardown does all of it, later callers return
// immediately.
func (s *Service) Kill(ctx context.Context, agentID string) error {
	agent, err := s.registry.Get(agentID)
	if err != nil {
		return err
	}
	if agent.State.Terminal() {
		return nil
	}

	s.mu.Lock()
	if s.killing[agentID] {
		s.mu.Unlock()
		return nil
	}
	s.killing[agentID] = true
	h := s.handles[agentID]
	busInst := s.buses[agentID]
	delete(s.handles, agentID)
	delete(s.buses, agentID)
	s.mu.Unlock()

	s.logger.Info("killing agent", zap.String("agent_id", agentID))

	if h != nil {
		if err := s.backend.stop(ctx, h); err != nil {
			s.logger.Warn("backend stop failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if busInst != nil {
		s.stopBus(ctx, busInst)
	}

	if agent.HTTPPort != 0 {
		s.ports.Release(agent.HTTPPort)
	}
	if agent.TeamID != "" {
		s.teams.Release(agent.TeamID)
	}

	if err := s.registry.SetState(agentID, v1.AgentStateStopped); err != nil {
		return err
	}
	s.publishEvent(ctx, events.AgentStopped, agent, "")
	return nil
}

// Get returns the agent record for an id.
func (s *Service) Get(agentID string) (*v1.Agent, error) {
	return s.registry.Get(agentID)
}

// IsRunning reports whether the agent's backend object is still alive.
func (s *Service) IsRunning(agentID string) bool {
	agent, err := s.registry.Get(agentID)
	if err != nil || agent.State.Terminal() {
		return false
	}

	s.mu.Lock()
	h, exists := s.handles[agentID]
	s.mu.Unlock()
	if !exists {
		return false
	}
	return s.backend.running(h)
}

// Resolve implements Resolver.
func (s *Service) Resolve(agentID string) (string, error) {
	agent, err := s.registry.Get(agentID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	h := s.handles[agentID]
	s.mu.Unlock()

	return s.baseURL(agent, h), nil
}

// baseURL picks the locally dialable address for an agent. Backends with a
// tunnel report the tunneled port through localPort.
func (s *Service) baseURL(agent *v1.Agent, h handle) string {
	port := agent.HTTPPort
	if h != nil {
		if local := s.backend.localPort(h); local != 0 {
			port = local
		}
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (s *Service) startBus(ctx context.Context) (*busInstance, error) {
	port, err := s.ports.Allocate()
	if err != nil {
		return nil, err
	}

	st, err := s.NewBusStore(uuid.New().String())
	if err != nil {
		s.ports.Release(port)
		return nil, err
	}

	srv := agentbus.NewServer(st, s.logger)
	if err := srv.Start(port); err != nil {
		_ = st.Close()
		s.ports.Release(port)
		return nil, err
	}
	return &busInstance{server: srv, store: st, port: port}, nil
}

func (s *Service) stopBus(ctx context.Context, inst *busInstance) {
	if err := inst.server.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop bus server", zap.Error(err))
	}
	if err := inst.store.Close(); err != nil {
		s.logger.Warn("failed to close bus store", zap.Error(err))
	}
	s.ports.Release(inst.port)
}

// newNonce returns 32 hex chars of crypto/rand entropy.
func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) publishEvent(ctx context.Context, eventType string, agent *v1.Agent, errMsg string) {
	if s.eventBus == nil {
		return
	}

	data := map[string]any{
		"agent_id":   agent.ID,
		"name":       agent.Name,
		"team_id":    agent.TeamID,
		"agent_type": agent.AgentType,
		"state":      string(agent.State),
		"http_port":  agent.HTTPPort,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}

	event := events.NewEvent(eventType, "spawner", data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
}
