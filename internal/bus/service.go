package bus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/kernel/registry"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Service is the kernel-side read-only query layer over an agent's bus,
// used for auditing agent decisions.
type Service struct {
	registry *registry.Registry
	logger   *logger.Logger
}

// NewService creates a bus service over the agent registry.
func NewService(reg *registry.Registry, log *logger.Logger) *Service {
	return &Service{
		registry: reg,
		logger:   log.WithFields(zap.String("component", "bus-service")),
	}
}

func (s *Service) clientFor(agentID string) (*Client, error) {
	agent, err := s.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if agent.Bus == nil {
		return nil, errors.NotFound("bus for agent", agentID)
	}
	return NewClient(fmt.Sprintf("http://%s:%d", agent.Bus.Host, agent.Bus.Port)), nil
}

// Drain returns all currently available entries from start and closes the
// channel.
func (s *Service) Drain(ctx context.Context, agentID string, start int64, types []v1.BusEntryType) (<-chan v1.BusEntry, error) {
	client, err := s.clientFor(agentID)
	if err != nil {
		return nil, err
	}

	out := make(chan v1.BusEntry)
	go func() {
		defer close(out)
		entries, err := client.QueryAll(ctx, start, types)
		if err != nil {
			s.logger.Warn("bus drain failed",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		for _, entry := range entries {
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Follow polls the bus at interval until timeout elapses or ctx is
// cancelled, streaming new entries as they appear.
func (s *Service) Follow(ctx context.Context, agentID string, start int64, interval, timeout time.Duration, types []v1.BusEntryType) (<-chan v1.BusEntry, error) {
	client, err := s.clientFor(agentID)
	if err != nil {
		return nil, err
	}

	out := make(chan v1.BusEntry)
	go func() {
		defer close(out)

		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		pos := start
		if pos < 1 {
			pos = 1
		}

		poll := func() bool {
			entries, err := client.QueryAll(ctx, pos, types)
			if err != nil {
				s.logger.Warn("bus poll failed",
					zap.String("agent_id", agentID), zap.Error(err))
				return true
			}
			for _, entry := range entries {
				select {
				case out <- entry:
					pos = entry.Position + 1
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		if !poll() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				if !poll() {
					return
				}
			}
		}
	}()
	return out, nil
}
