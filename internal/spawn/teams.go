package spawn

import (
	"sync"

	"github.com/hivedev/hive/internal/common/errors"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Teams tracks per-team slot budgets. The check-and-increment in Acquire is
// atomic; the mutex is never held across I/O.
type Teams struct {
	mu    sync.Mutex
	teams map[string]*v1.Team
}

// NewTeams creates an empty team table.
func NewTeams() *Teams {
	return &Teams{teams: make(map[string]*v1.Team)}
}

// Create stores a team budget.
func (t *Teams) Create(teamID string, budget int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.teams[teamID]; exists {
		return errors.Conflict("team '" + teamID + "' already exists")
	}
	if budget < 0 {
		return errors.BadRequest("team budget must be non-negative")
	}
	t.teams[teamID] = &v1.Team{ID: teamID, Budget: budget}
	return nil
}

// Delete discards a team. Deleting an unknown team is a no-op.
func (t *Teams) Delete(teamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.teams, teamID)
}

// Get returns a copy of the team record.
func (t *Teams) Get(teamID string) (*v1.Team, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	team, exists := t.teams[teamID]
	if !exists {
		return nil, errors.NotFound("team", teamID)
	}
	copied := *team
	return &copied, nil
}

// Acquire takes one slot from the team's budget.
func (t *Teams) Acquire(teamID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	team, exists := t.teams[teamID]
	if !exists {
		return errors.NotFound("team", teamID)
	}
	if team.Used >= team.Budget {
		return errors.CapacityExhausted("team '" + teamID + "'")
	}
	team.Used++
	return nil
}

// Release returns one slot to the team's budget. Releasing below zero or on
// an unknown team is a no-op, so rollback paths can call it unconditionally.
func (t *Teams) Release(teamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	team, exists := t.teams[teamID]
	if !exists || team.Used == 0 {
		return
	}
	team.Used--
}
