package task

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/storage"
)

// ServiceConfig is the configuration for the task service.
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Task"})
	return nil
}

// Service implements the task state machine: creation, free-form status
// transitions with an append-only log, and parent status aggregation.
type Service struct {
	repo   storage.TaskRepository
	logger log.Logger
}

// NewService creates a new task service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Create creates a new task. The status defaults to queued so the planner
// picks the task up; the planner itself creates children directly in
// pending.
func (s *Service) Create(ctx context.Context, spec model.TaskSpec) (*model.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task spec: %w", err)
	}

	status := spec.Status
	if status == "" {
		status = model.TaskStatusQueued
	}

	now := time.Now().UTC()
	t := model.Task{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Title:          spec.Title,
		Description:    spec.Description,
		Type:           spec.Type,
		Status:         status,
		ParentTask:     spec.ParentTask,
		AssignedWorker: spec.AssignedWorker,
		ArtifactDir:    spec.ArtifactDir,
		Script:         spec.Script,
		Extra:          spec.Extra,
		CreatedAt:      now,
		StatusTimes:    map[string]time.Time{status: now},
		Transitions: []model.TaskTransition{
			{From: "", To: status, At: now},
		},
	}

	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("could not save task: %w", err)
	}

	s.logger.Infof("Created task %s (%s) in %s", t.ID, t.Label(), t.Status)

	return &t, nil
}

// TransitionRequest contains the parameters for a task transition.
type TransitionRequest struct {
	TaskID string
	To     string
	Note   string
	// Worker is the worker reporting the transition, if any.
	Worker string
}

// Transition moves a task to a new status. Any non-empty string is a legal
// target so worker scripts can report granular progress; only the closed
// terminal set triggers parent aggregation.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*model.Task, error) {
	if req.To == "" {
		return nil, fmt.Errorf("transition target is required: %w", model.ErrNotValid)
	}

	t, err := s.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	now := time.Now().UTC()
	t.Transitions = append(t.Transitions, model.TaskTransition{
		From:   t.Status,
		To:     req.To,
		At:     now,
		Note:   req.Note,
		Worker: req.Worker,
		Manual: true,
	})
	t.Status = req.To
	if req.Worker != "" {
		t.Worker = req.Worker
	}
	if t.StatusTimes == nil {
		t.StatusTimes = map[string]time.Time{}
	}
	t.StatusTimes[req.To] = now

	if err := s.repo.UpdateTask(ctx, *t); err != nil {
		return nil, fmt.Errorf("could not save task: %w", err)
	}

	s.logger.Infof("Task %s: %s -> %s", t.ID, t.Transitions[len(t.Transitions)-1].From, t.Status)

	// A child reaching a terminal outcome may settle its parent.
	if t.ParentTask != "" && (t.Status == model.TaskStatusDone || t.Status == model.TaskStatusFailed) {
		if err := s.aggregateParent(ctx, t.ParentTask); err != nil {
			s.logger.Errorf("Could not aggregate parent %s of task %s: %s", t.ParentTask, t.ID, err)
		}
	}

	return t, nil
}

// Complete marks a task as done. It is idempotent: completing an already
// done task is a no-op.
func (s *Service) Complete(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	if t.Status == model.TaskStatusDone {
		return t, nil
	}

	return s.Transition(ctx, TransitionRequest{TaskID: taskID, To: model.TaskStatusDone})
}

// Get returns a task by ID.
func (s *Service) Get(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return t, nil
}

// List returns all tasks.
func (s *Service) List(ctx context.Context) ([]model.Task, error) {
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}
	return tasks, nil
}

// aggregateParent re-evaluates a parent task from its children's outcomes.
// Failure dominates: one failed child fails the parent even if every other
// child is done. The evaluation is idempotent, a parent that already
// reached a terminal status is left untouched.
func (s *Service) aggregateParent(ctx context.Context, parentID string) error {
	parent, err := s.repo.GetTask(ctx, parentID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// Dangling parent reference, nothing to settle.
			return nil
		}
		return fmt.Errorf("could not get parent task: %w", err)
	}
	if model.IsTerminalTaskStatus(parent.Status) {
		return nil
	}

	children, err := s.repo.ListChildTasks(ctx, parentID)
	if err != nil {
		return fmt.Errorf("could not list child tasks: %w", err)
	}
	if len(children) == 0 {
		return nil
	}

	allDone := true
	var failed *model.Task
	for i := range children {
		switch children[i].Status {
		case model.TaskStatusFailed:
			if failed == nil {
				failed = &children[i]
			}
			allDone = false
		case model.TaskStatusDone:
		default:
			allDone = false
		}
	}

	switch {
	case failed != nil:
		_, err = s.Transition(ctx, TransitionRequest{
			TaskID: parentID,
			To:     model.TaskStatusFailed,
			Note:   fmt.Sprintf("child task %s (%s) failed", failed.ID, failed.Label()),
		})
	case allDone:
		_, err = s.Transition(ctx, TransitionRequest{
			TaskID: parentID,
			To:     model.TaskStatusDone,
			Note:   fmt.Sprintf("all %d child tasks done", len(children)),
		})
	}
	if err != nil {
		return fmt.Errorf("could not transition parent task: %w", err)
	}

	return nil
}
