// Package kernel wires storage, packaging, spawner backend and transport
// together behind one facade.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	agentbus "github.com/hivedev/hive/internal/bus"
	busstore "github.com/hivedev/hive/internal/bus/store"
	"github.com/hivedev/hive/internal/client"
	"github.com/hivedev/hive/internal/common/config"
	"github.com/hivedev/hive/internal/common/logger"
	events "github.com/hivedev/hive/internal/events/bus"
	"github.com/hivedev/hive/internal/kernel/ports"
	"github.com/hivedev/hive/internal/kernel/registry"
	"github.com/hivedev/hive/internal/packaging"
	"github.com/hivedev/hive/internal/spawn"
	"github.com/hivedev/hive/internal/storage/blob"
	"github.com/hivedev/hive/internal/storage/image"
	"github.com/hivedev/hive/internal/storage/uri"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Kernel is the orchestration facade: spawn, turn, bus, packaging and
// teardown across every agent, regardless of backend.
type Kernel struct {
	cfg    *config.Config
	logger *logger.Logger

	registry   *registry.Registry
	ports      *ports.Allocator
	blobs      *blob.LocalStore
	s3         *blob.S3Store
	images     *image.Store
	downloader *uri.Downloader
	packager   packaging.Packager
	spawner    *spawn.Service
	agents     *client.Client
	busSvc     *agentbus.Service
	eventBus   events.EventBus
}

// New builds a kernel from configuration. plugins supplies the agent-type
// dispatch table; eventBus may be nil to disable lifecycle events.
func New(cfg *config.Config, plugins spawn.Plugins, eventBus events.EventBus, log *logger.Logger) (*Kernel, error) {
	kernelLog := log.WithFields(zap.String("component", "kernel"))

	for _, dir := range []string{"blobs", "images", "cache", "agents"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	blobs, err := blob.NewLocalStore(filepath.Join(cfg.DataDir, "blobs"), log)
	if err != nil {
		return nil, err
	}
	var s3 *blob.S3Store
	if cfg.Storage.Bucket != "" {
		s3 = blob.NewS3Store(cfg.Storage.Bucket, cfg.Storage.Prefix, log)
	}

	images, err := image.NewStore(filepath.Join(cfg.DataDir, "images"), log)
	if err != nil {
		return nil, err
	}

	downloader, err := uri.NewDownloader(blobs, s3, filepath.Join(cfg.DataDir, "cache"), log)
	if err != nil {
		return nil, err
	}

	reg := registry.NewRegistry()
	alloc := ports.NewAllocator(cfg.Ports.Min, cfg.Ports.Max)

	spawner, err := newSpawner(cfg, reg, alloc, images, plugins, eventBus, log)
	if err != nil {
		return nil, err
	}

	packager, err := newPackager(cfg, images, downloader, log)
	if err != nil {
		return nil, err
	}

	return &Kernel{
		cfg:        cfg,
		logger:     kernelLog,
		registry:   reg,
		ports:      alloc,
		blobs:      blobs,
		s3:         s3,
		images:     images,
		downloader: downloader,
		packager:   packager,
		spawner:    spawner,
		agents:     client.NewClient(spawner, log),
		busSvc:     agentbus.NewService(reg, log),
		eventBus:   eventBus,
	}, nil
}

// newSpawner picks the backend from configuration and configures the bus
// store behind in-process bus servers.
func newSpawner(
	cfg *config.Config,
	reg *registry.Registry,
	alloc *ports.Allocator,
	images *image.Store,
	plugins spawn.Plugins,
	eventBus events.EventBus,
	log *logger.Logger,
) (*spawn.Service, error) {
	var b spawn.Backend
	switch cfg.Backend {
	case config.BackendLocal:
		b = spawn.NewLocalBackend(log)
	case config.BackendSandbox:
		b = spawn.NewSandboxBackend(cfg.Sandbox, log)
	case config.BackendCluster:
		b = spawn.NewClusterBackend(cfg.Cluster, alloc, log)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	svc := spawn.NewService(b, reg, alloc, images, plugins, eventBus, cfg.DataDir, log)
	if cfg.Bus.Store == "sqlite" {
		busDir := filepath.Dir(cfg.BusPath())
		if err := os.MkdirAll(busDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bus dir: %w", err)
		}
		svc.NewBusStore = func(id string) (busstore.Store, error) {
			return busstore.NewSQLiteStore(filepath.Join(busDir, "bus-"+id+".db"))
		}
	}
	return svc, nil
}

// newPackager picks local directory packaging for process backends and OCI
// build-and-push for the cluster backend.
func newPackager(cfg *config.Config, images *image.Store, downloader *uri.Downloader, log *logger.Logger) (packaging.Packager, error) {
	if cfg.Backend == config.BackendCluster {
		return packaging.NewOCIPackager(packaging.OCIConfig{
			BaseImage:   cfg.Cluster.BaseImage,
			RegistryURL: cfg.Cluster.RegistryURL,
			NoProxy:     cfg.Storage.NoProxy,
		}, images, downloader, log)
	}
	return packaging.NewLocalPackager(images, downloader, log), nil
}

// Spawner exposes the underlying spawn service.
func (k *Kernel) Spawner() *spawn.Service { return k.spawner }

// Images exposes the image store.
func (k *Kernel) Images() *image.Store { return k.images }

// Blobs exposes the local blob store.
func (k *Kernel) Blobs() *blob.LocalStore { return k.blobs }

// CreateTeam stores a team slot budget.
func (k *Kernel) CreateTeam(teamID string, budget int) error {
	return k.spawner.CreateTeam(teamID, budget)
}

// DeleteTeam kills the team's agents and discards its budget.
func (k *Kernel) DeleteTeam(ctx context.Context, teamID string) error {
	return k.spawner.DeleteTeam(ctx, teamID)
}

// Team returns a team's budget and usage.
func (k *Kernel) Team(teamID string) (*v1.Team, error) {
	return k.spawner.Team(teamID)
}

// Spawn creates and starts one agent.
func (k *Kernel) Spawn(ctx context.Context, req *spawn.Request) (*v1.SpawnResult, error) {
	return k.spawner.Spawn(ctx, req)
}

// Kill tears one agent down.
func (k *Kernel) Kill(ctx context.Context, agentID string) error {
	return k.spawner.Kill(ctx, agentID)
}

// Get returns one agent record.
func (k *Kernel) Get(agentID string) (*v1.Agent, error) {
	return k.spawner.Get(agentID)
}

// IsRunning reports whether the agent's backend object is alive.
func (k *Kernel) IsRunning(agentID string) bool {
	return k.spawner.IsRunning(agentID)
}

// Status lists agent records, optionally filtered.
func (k *Kernel) Status(filter registry.Filter) []*v1.Agent {
	return k.registry.List(filter)
}

// Turn streams one turn to an agent.
func (k *Kernel) Turn(ctx context.Context, agentID, nonce, body string) (<-chan v1.TurnChunk, error) {
	return k.agents.Turn(ctx, agentID, nonce, body)
}

// History fetches an agent's conversation record.
func (k *Kernel) History(ctx context.Context, agentID string, lastN int) ([]v1.HistoryEntry, error) {
	return k.agents.History(ctx, agentID, lastN)
}

// Control issues a nonce-gated runtime operation on an agent.
func (k *Kernel) Control(ctx context.Context, agentID string, req v1.ControlRequest) (*v1.ControlResponse, error) {
	return k.agents.Control(ctx, agentID, req)
}

// Info fetches an agent's process introspection.
func (k *Kernel) Info(ctx context.Context, agentID string) (*v1.InfoResponse, error) {
	return k.agents.Info(ctx, agentID)
}

// BusDrain returns all currently available bus entries for an agent.
func (k *Kernel) BusDrain(ctx context.Context, agentID string, start int64, types []v1.BusEntryType) (<-chan v1.BusEntry, error) {
	return k.busSvc.Drain(ctx, agentID, start, types)
}

// BusFollow polls an agent's bus until timeout elapses.
func (k *Kernel) BusFollow(ctx context.Context, agentID string, start int64, interval, timeout time.Duration, types []v1.BusEntryType) (<-chan v1.BusEntry, error) {
	return k.busSvc.Follow(ctx, agentID, start, interval, timeout, types)
}

// Package builds an agent image from source bundles.
func (k *Kernel) Package(ctx context.Context, req packaging.Request) (*v1.PackageJob, error) {
	return k.packager.Package(ctx, req)
}

// Cleanup kills every non-terminal agent. Errors are logged and do not stop
// the sweep.
func (k *Kernel) Cleanup(ctx context.Context) {
	for _, agent := range k.registry.List(registry.Filter{}) {
		if agent.State.Terminal() {
			continue
		}
		if err := k.spawner.Kill(ctx, agent.ID); err != nil {
			k.logger.Warn("cleanup kill failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}
