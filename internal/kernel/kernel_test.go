package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hivedev/hive/internal/common/config"
	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/kernel/registry"
	"github.com/hivedev/hive/internal/packaging"
	"github.com/hivedev/hive/internal/spawn"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

func testKernel(t *testing.T) *Kernel {
	t.Helper()

	cfg := &config.Config{
		Backend: config.BackendLocal,
		DataDir: t.TempDir(),
		Ports:   config.PortsConfig{Min: 42500, Max: 42520},
		Bus:     config.BusConfig{Store: "memory"},
	}
	plugins := spawn.Plugins{
		"runner": &spawn.RunnerPlugin{Binary: "/usr/bin/true"},
	}

	k, err := New(cfg, plugins, nil, logger.NewNop())
	if err != nil {
		t.Fatalf("failed to build kernel: %v", err)
	}
	return k
}

func TestNewCreatesDataLayout(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendLocal,
		DataDir: t.TempDir(),
		Ports:   config.PortsConfig{Min: 42500, Max: 42510},
	}
	if _, err := New(cfg, spawn.Plugins{}, nil, logger.NewNop()); err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, dir := range []string{"blobs", "images", "cache", "agents"} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, dir)); err != nil {
			t.Errorf("missing data dir %s: %v", dir, err)
		}
	}
}

func TestSpawnUnknownImageFailsCleanly(t *testing.T) {
	k := testKernel(t)

	_, err := k.Spawn(context.Background(), &spawn.Request{
		Name: "a", AgentType: "runner", ImageID: "ghost",
	})
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if got := len(k.Status(registry.Filter{})); got != 0 {
		t.Errorf("expected empty registry, got %d entries", got)
	}
}

func TestTeamLifecycle(t *testing.T) {
	k := testKernel(t)

	if err := k.CreateTeam("t1", 2); err != nil {
		t.Fatal(err)
	}
	team, err := k.Team("t1")
	if err != nil {
		t.Fatal(err)
	}
	if team.Budget != 2 {
		t.Errorf("expected budget 2, got %d", team.Budget)
	}

	if err := k.DeleteTeam(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Team("t1"); !errors.IsNotFound(err) {
		t.Errorf("team not deleted: %v", err)
	}
}

func TestPackageLocalBundle(t *testing.T) {
	k := testKernel(t)

	bundleDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(bundleDir, "agent.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	job, err := k.Package(context.Background(), packaging.Request{
		Name: "demo",
		Bundles: []v1.SourceBundle{
			{URI: "file://" + bundleDir, Labels: map[string]string{"name": "code"}},
		},
	})
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	if job.Status != v1.PackageJobSucceeded || job.Image == nil {
		t.Fatalf("unexpected job: %+v", job)
	}

	// The image is resolvable and spawnable by id.
	img, err := k.Images().Get(job.Image.ID)
	if err != nil {
		t.Fatalf("image not stored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(img.Path, "code", "agent.py")); err != nil {
		t.Errorf("bundle content missing from image: %v", err)
	}
}

func TestCleanupWithNoAgents(t *testing.T) {
	k := testKernel(t)
	k.Cleanup(context.Background())

	if got := len(k.Status(registry.Filter{})); got != 0 {
		t.Errorf("expected empty registry, got %d", got)
	}
}
