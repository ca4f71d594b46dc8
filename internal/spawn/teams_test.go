package spawn

import (
	"sync"
	"testing"

	"github.com/hivedev/hive/internal/common/errors"
)

func TestTeamCreateAndGet(t *testing.T) {
	teams := NewTeams()
	if err := teams.Create("t1", 2); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := teams.Create("t1", 3); err == nil {
		t.Error("expected conflict on duplicate team")
	}

	team, err := teams.Get("t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if team.Budget != 2 || team.Used != 0 {
		t.Errorf("unexpected team record: %+v", team)
	}

	if _, err := teams.Get("missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestTeamAcquireRespectsBudget(t *testing.T) {
	teams := NewTeams()
	_ = teams.Create("t1", 1)

	if err := teams.Acquire("t1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := teams.Acquire("t1"); !errors.IsCapacityExhausted(err) {
		t.Errorf("expected capacity-exhausted, got %v", err)
	}

	teams.Release("t1")
	if err := teams.Acquire("t1"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestTeamAcquireUnknownTeam(t *testing.T) {
	teams := NewTeams()
	if err := teams.Acquire("ghost"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestTeamReleaseNeverGoesNegative(t *testing.T) {
	teams := NewTeams()
	_ = teams.Create("t1", 1)

	teams.Release("t1")
	teams.Release("unknown")

	if err := teams.Acquire("t1"); err != nil {
		t.Fatalf("acquire failed after spurious releases: %v", err)
	}
	team, _ := teams.Get("t1")
	if team.Used != 1 {
		t.Errorf("expected used 1, got %d", team.Used)
	}
}

func TestTeamUsedNeverExceedsBudgetUnderConcurrency(t *testing.T) {
	teams := NewTeams()
	_ = teams.Create("t1", 5)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := teams.Acquire("t1"); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 5 {
		t.Errorf("expected exactly 5 grants, got %d", count)
	}
	team, _ := teams.Get("t1")
	if team.Used > team.Budget {
		t.Errorf("used %d exceeds budget %d", team.Used, team.Budget)
	}
}
