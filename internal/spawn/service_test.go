package spawn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/kernel/ports"
	"github.com/hivedev/hive/internal/kernel/registry"
	"github.com/hivedev/hive/internal/storage/image"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// fakeBackend simulates process execution. Its localPort points at a stub
// health server so the readiness poll behaves like a live agent.
type fakeBackend struct {
	port      int
	timeout   time.Duration
	launchErr error
	stopDelay time.Duration

	mu       sync.Mutex
	launched int
	stopped  int
}

type fakeHandle struct{ alive bool }

func (b *fakeBackend) name() string { return "fake" }

func (b *fakeBackend) healthTimeout() time.Duration {
	if b.timeout == 0 {
		return 2 * time.Second
	}
	return b.timeout
}

func (b *fakeBackend) localPort(h handle) int { return b.port }

func (b *fakeBackend) launch(ctx context.Context, spec *launchSpec) (handle, error) {
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	b.mu.Lock()
	b.launched++
	b.mu.Unlock()
	return &fakeHandle{alive: true}, nil
}

func (b *fakeBackend) stop(ctx context.Context, h handle) error {
	if b.stopDelay > 0 {
		time.Sleep(b.stopDelay)
	}
	b.mu.Lock()
	b.stopped++
	b.mu.Unlock()
	h.(*fakeHandle).alive = false
	return nil
}

func (b *fakeBackend) stopCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *fakeBackend) running(h handle) bool {
	return h.(*fakeHandle).alive
}

type stubPlugin struct{}

func (stubPlugin) AgentType() string { return "stub" }

func (stubPlugin) BuildConfig(req *Request, agent *v1.Agent) (map[string]any, error) {
	return map[string]any{}, nil
}

func (stubPlugin) Command(img *v1.AgentImage, configPath string) ([]string, error) {
	return []string{"agent-runner", "--config", configPath}, nil
}

// healthPort starts a stub agent health endpoint and returns its port.
func healthPort(t *testing.T) int {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)

	u, _ := url.Parse(ts.URL)
	port, _ := strconv.Atoi(u.Port())
	return port
}

func newTestService(t *testing.T, b Backend) (*Service, *ports.Allocator, *registry.Registry) {
	t.Helper()

	log := logger.NewNop()
	alloc := ports.NewAllocator(42000, 42020)
	reg := registry.NewRegistry()

	images, err := image.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	if err := images.Put(&v1.AgentImage{ID: "img1", Name: "stub", Path: t.TempDir()}); err != nil {
		t.Fatal(err)
	}

	svc := NewService(b, reg, alloc, images, Plugins{"stub": stubPlugin{}}, nil, t.TempDir(), log)
	return svc, alloc, reg
}

func TestSpawnAndKill(t *testing.T) {
	b := &fakeBackend{port: healthPort(t)}
	svc, alloc, _ := newTestService(t, b)
	ctx := context.Background()

	result, err := svc.Spawn(ctx, &Request{Name: "a", AgentType: "stub", ImageID: "img1"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(result.Nonce) {
		t.Errorf("expected a 32 hex char nonce, got %q", result.Nonce)
	}
	if result.Agent.State != v1.AgentStateRunning {
		t.Errorf("expected RUNNING, got %s", result.Agent.State)
	}
	if !svc.IsRunning(result.Agent.ID) {
		t.Error("expected IsRunning true")
	}
	if alloc.Held() != 1 {
		t.Errorf("expected 1 held port, got %d", alloc.Held())
	}

	if err := svc.Kill(ctx, result.Agent.ID); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if svc.IsRunning(result.Agent.ID) {
		t.Error("expected IsRunning false after kill")
	}
	agent, _ := svc.Get(result.Agent.ID)
	if agent.State != v1.AgentStateStopped {
		t.Errorf("expected STOPPED, got %s", agent.State)
	}
	if alloc.Held() != 0 {
		t.Errorf("port leaked after kill: %d held", alloc.Held())
	}

	// Kill is idempotent on terminal agents.
	if err := svc.Kill(ctx, result.Agent.ID); err != nil {
		t.Errorf("second kill failed: %v", err)
	}
	if got := b.stopCount(); got != 1 {
		t.Errorf("backend stopped %d times, want 1", got)
	}
}

func TestSpawnUnknownImage(t *testing.T) {
	svc, alloc, _ := newTestService(t, &fakeBackend{port: healthPort(t)})

	_, err := svc.Spawn(context.Background(), &Request{Name: "a", AgentType: "stub", ImageID: "ghost"})
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if alloc.Held() != 0 {
		t.Errorf("ports held after failed spawn: %d", alloc.Held())
	}
}

func TestSpawnUnknownAgentType(t *testing.T) {
	svc, _, reg := newTestService(t, &fakeBackend{port: healthPort(t)})

	_, err := svc.Spawn(context.Background(), &Request{Name: "a", AgentType: "ghost", ImageID: "img1"})
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if got := len(reg.List(registry.Filter{})); got != 0 {
		t.Errorf("expected no registry entries, got %d", got)
	}
}

func TestSpawnRollbackOnLaunchFailure(t *testing.T) {
	b := &fakeBackend{port: healthPort(t), launchErr: errors.BackendTool("bwrap", "boom", nil)}
	svc, alloc, reg := newTestService(t, b)

	_ = svc.CreateTeam("t1", 1)
	_, err := svc.Spawn(context.Background(), &Request{
		Name: "a", TeamID: "t1", AgentType: "stub", ImageID: "img1",
	})
	if err == nil {
		t.Fatal("expected spawn to fail")
	}

	if alloc.Held() != 0 {
		t.Errorf("ports held after rollback: %d", alloc.Held())
	}
	team, _ := svc.Team("t1")
	if team.Used != 0 {
		t.Errorf("team slot leaked: used=%d", team.Used)
	}

	// The record stays, in a terminal state.
	agents := reg.List(registry.Filter{})
	if len(agents) != 1 || agents[0].State != v1.AgentStateFailed {
		t.Errorf("expected one FAILED record, got %+v", agents)
	}

	// Capacity is available again.
	if err := svc.teams.Acquire("t1"); err != nil {
		t.Errorf("capacity not released: %v", err)
	}
}

func TestSpawnRollbackOnHealthTimeout(t *testing.T) {
	// No health server behind the allocated port; the poll must time out.
	b := &fakeBackend{timeout: 600 * time.Millisecond}
	svc, alloc, _ := newTestService(t, b)

	_, err := svc.Spawn(context.Background(), &Request{Name: "a", AgentType: "stub", ImageID: "img1"})
	if !errors.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := b.stopCount(); got != 1 {
		t.Errorf("backend object not stopped on rollback: stopped=%d", got)
	}
	if alloc.Held() != 0 {
		t.Errorf("ports held after rollback: %d", alloc.Held())
	}
}

func TestTeamCapacityScenario(t *testing.T) {
	b := &fakeBackend{port: healthPort(t)}
	svc, _, _ := newTestService(t, b)
	ctx := context.Background()

	if err := svc.CreateTeam("t1", 1); err != nil {
		t.Fatal(err)
	}

	req := &Request{Name: "a", TeamID: "t1", AgentType: "stub", ImageID: "img1"}
	first, err := svc.Spawn(ctx, req)
	if err != nil {
		t.Fatalf("first spawn failed: %v", err)
	}

	if _, err := svc.Spawn(ctx, req); !errors.IsCapacityExhausted(err) {
		t.Fatalf("expected capacity-exhausted, got %v", err)
	}

	if err := svc.Kill(ctx, first.Agent.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Spawn(ctx, req); err != nil {
		t.Fatalf("spawn after kill failed: %v", err)
	}
}

func TestConcurrentKillsReleaseOnce(t *testing.T) {
	// A slow backend stop keeps the first kill in flight while the second
	// arrives, the window where a double release would happen.
	b := &fakeBackend{port: healthPort(t), stopDelay: 50 * time.Millisecond}
	svc, alloc, _ := newTestService(t, b)
	ctx := context.Background()

	_ = svc.CreateTeam("t1", 2)
	req := &Request{Name: "a", TeamID: "t1", AgentType: "stub", ImageID: "img1"}
	victim, err := svc.Spawn(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Spawn(ctx, req); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Kill(ctx, victim.Agent.ID); err != nil {
				t.Errorf("Kill failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// The survivor's slot and port must be untouched.
	team, _ := svc.Team("t1")
	if team.Used != 1 {
		t.Errorf("team slot released twice: used=%d", team.Used)
	}
	if alloc.Held() != 1 {
		t.Errorf("expected the survivor's port held, got %d", alloc.Held())
	}
	if got := b.stopCount(); got != 1 {
		t.Errorf("backend stopped %d times, want 1", got)
	}
}

func TestDeleteTeamKillsAgents(t *testing.T) {
	b := &fakeBackend{port: healthPort(t)}
	svc, alloc, _ := newTestService(t, b)
	ctx := context.Background()

	_ = svc.CreateTeam("t1", 2)
	req := &Request{Name: "a", TeamID: "t1", AgentType: "stub", ImageID: "img1"}
	r1, err := svc.Spawn(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := svc.Spawn(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteTeam(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTeam failed: %v", err)
	}
	for _, id := range []string{r1.Agent.ID, r2.Agent.ID} {
		agent, _ := svc.Get(id)
		if agent.State != v1.AgentStateStopped {
			t.Errorf("agent %s not stopped: %s", id, agent.State)
		}
	}
	if alloc.Held() != 0 {
		t.Errorf("ports leaked: %d held", alloc.Held())
	}
	if _, err := svc.Team("t1"); !errors.IsNotFound(err) {
		t.Errorf("team not deleted: %v", err)
	}
}

func TestResolveUsesBackendLocalPort(t *testing.T) {
	port := healthPort(t)
	b := &fakeBackend{port: port}
	svc, _, _ := newTestService(t, b)

	result, err := svc.Spawn(context.Background(), &Request{Name: "a", AgentType: "stub", ImageID: "img1"})
	if err != nil {
		t.Fatal(err)
	}

	base, err := svc.Resolve(result.Agent.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := "http://127.0.0.1:" + strconv.Itoa(port)
	if base != want {
		t.Errorf("expected %s, got %s", want, base)
	}
}

func TestSpawnStartsInProcessBus(t *testing.T) {
	b := &fakeBackend{port: healthPort(t)}
	svc, alloc, _ := newTestService(t, b)
	ctx := context.Background()

	result, err := svc.Spawn(ctx, &Request{
		Name: "a", AgentType: "stub", ImageID: "img1",
		Bus: &v1.BusConfig{},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if result.Agent.Bus == nil || result.Agent.Bus.Port == 0 {
		t.Fatalf("expected bus config on agent, got %+v", result.Agent.Bus)
	}
	// One port for HTTP, one for the bus.
	if alloc.Held() != 2 {
		t.Errorf("expected 2 held ports, got %d", alloc.Held())
	}

	if err := svc.Kill(ctx, result.Agent.ID); err != nil {
		t.Fatal(err)
	}
	if alloc.Held() != 0 {
		t.Errorf("bus port leaked: %d held", alloc.Held())
	}
}
