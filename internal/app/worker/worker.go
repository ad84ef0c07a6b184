// Package worker tracks the fleet roster through worker heartbeats.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/storage"
)

// DefaultLivenessWindow is how recent a heartbeat must be for a worker to
// count as alive.
const DefaultLivenessWindow = 60 * time.Second

// ServiceConfig is the configuration for the worker service.
type ServiceConfig struct {
	Repository     storage.WorkerRepository
	LivenessWindow time.Duration
	Logger         log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.LivenessWindow == 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Worker"})
	return nil
}

// Service maintains the worker roster. Workers self-register through
// heartbeats, there is no explicit enrollment step.
type Service struct {
	repo   storage.WorkerRepository
	window time.Duration
	logger log.Logger
}

// NewService creates a new worker service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		window: cfg.LivenessWindow,
		logger: cfg.Logger,
	}, nil
}

// Heartbeat upserts a worker with the reported state. The report replaces
// the stored record wholesale, each heartbeat is the full truth about that
// worker.
func (s *Service) Heartbeat(ctx context.Context, w model.Worker) (*model.Worker, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker: %w", err)
	}

	w.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("could not save worker: %w", err)
	}

	s.logger.Debugf("Heartbeat from worker %s (%s)", w.ID, w.Status)

	return &w, nil
}

// Get returns a worker by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Worker, error) {
	w, err := s.repo.GetWorker(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get worker: %w", err)
	}
	return w, nil
}

// List returns all known workers.
func (s *Service) List(ctx context.Context) ([]model.Worker, error) {
	ws, err := s.repo.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list workers: %w", err)
	}
	return ws, nil
}

// ListAlive returns the workers with a heartbeat inside the liveness window.
func (s *Service) ListAlive(ctx context.Context) ([]model.Worker, error) {
	ws, err := s.repo.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list workers: %w", err)
	}

	now := time.Now().UTC()
	alive := ws[:0]
	for _, w := range ws {
		if w.AliveAt(now, s.window) {
			alive = append(alive, w)
		}
	}

	return alive, nil
}
