// Package dispatch hands pending tasks to workers that ask for them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/storage"
)

// ServiceConfig is the configuration for the dispatch service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Dispatch"})
	return nil
}

// Service dispatches pending tasks to polling workers. Claim atomicity lives
// in the repository, so two workers polling at once never get the same task.
type Service struct {
	repo   storage.TaskRepository
	logger log.Logger
}

// NewService creates a new dispatch service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// ClaimNext claims the next pending task for the given worker. Tasks
// pre-assigned to the worker win over unassigned ones. It returns nil
// without error when there is nothing to do.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*model.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required: %w", model.ErrNotValid)
	}

	t, err := s.repo.ClaimPendingTask(ctx, workerID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not claim task: %w", err)
	}

	s.logger.Infof("Dispatched task %s to worker %s", t.ID, workerID)

	return t, nil
}
