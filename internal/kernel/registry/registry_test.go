package registry

import (
	"testing"
	"time"

	"github.com/hivedev/hive/internal/common/errors"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

func testAgent(id, teamID string, state v1.AgentState) *v1.Agent {
	return &v1.Agent{
		ID:        id,
		Name:      "agent-" + id,
		TeamID:    teamID,
		AgentType: "test",
		State:     state,
		CreatedAt: time.Now(),
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(testAgent("a1", "", v1.AgentStateStarting)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	agent, err := r.Get("a1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agent.ID != "a1" {
		t.Errorf("expected id a1, got %s", agent.ID)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	_ = r.Register(testAgent("a1", "", v1.AgentStateStarting))
	err := r.Register(testAgent("a1", "", v1.AgentStateStarting))
	if err == nil {
		t.Fatal("expected error on duplicate register")
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("missing")
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestSetState(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(testAgent("a1", "", v1.AgentStateStarting))

	if err := r.SetState("a1", v1.AgentStateRunning); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	agent, _ := r.Get("a1")
	if agent.State != v1.AgentStateRunning {
		t.Errorf("expected RUNNING, got %s", agent.State)
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(testAgent("a1", "", v1.AgentStateStarting))

	r.Remove("a1")
	if _, err := r.Get("a1"); !errors.IsNotFound(err) {
		t.Error("expected agent removed")
	}

	// Removing again is a no-op
	r.Remove("a1")
}

func TestListFilters(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(testAgent("a1", "team-a", v1.AgentStateRunning))
	_ = r.Register(testAgent("a2", "team-a", v1.AgentStateStopped))
	a3 := testAgent("a3", "team-b", v1.AgentStateRunning)
	a3.Metadata = map[string]string{"role": "driver"}
	_ = r.Register(a3)

	if got := len(r.List(Filter{})); got != 3 {
		t.Errorf("expected 3 agents, got %d", got)
	}

	if got := len(r.List(Filter{TeamID: "team-a"})); got != 2 {
		t.Errorf("expected 2 team-a agents, got %d", got)
	}

	if got := len(r.List(Filter{State: v1.AgentStateRunning})); got != 2 {
		t.Errorf("expected 2 running agents, got %d", got)
	}

	byMeta := r.List(Filter{MetaKey: "role", MetaValue: "driver"})
	if len(byMeta) != 1 || byMeta[0].ID != "a3" {
		t.Errorf("expected only a3 by metadata, got %v", byMeta)
	}

	if got := len(r.List(Filter{TeamID: "team-a", State: v1.AgentStateRunning})); got != 1 {
		t.Errorf("expected 1 running team-a agent, got %d", got)
	}
}
