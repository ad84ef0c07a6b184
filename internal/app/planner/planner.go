// Package planner turns queued top-level tasks into per-worker child tasks,
// asking the reasoning service for a plan and falling back to a local
// deterministic catalog when it is unavailable.
package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hwfleet/fleetmaster/internal/app/task"
	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/notify"
	"github.com/hwfleet/fleetmaster/internal/reasoning"
)

const (
	// DefaultInterval is the default polling interval of the planning loop.
	DefaultInterval = 5 * time.Second
	// DefaultArtifactBase is where per-task artifact directories are created.
	DefaultArtifactBase = "/mnt/shared/artifacts"
)

// TaskService is the part of the task application service the planner needs.
type TaskService interface {
	Create(ctx context.Context, spec model.TaskSpec) (*model.Task, error)
	Transition(ctx context.Context, req task.TransitionRequest) (*model.Task, error)
	List(ctx context.Context) ([]model.Task, error)
}

// WorkerService is the part of the worker application service the planner
// needs.
type WorkerService interface {
	List(ctx context.Context) ([]model.Worker, error)
}

// ServiceConfig is the configuration for the planner service.
type ServiceConfig struct {
	Tasks   TaskService
	Workers WorkerService
	// Reasoner may be nil, planning then always uses the fallback catalog.
	Reasoner     reasoning.Client
	Notifier     notify.Notifier
	Catalog      *Catalog
	ArtifactBase string
	// MasterURL is the externally reachable API address, embedded in the
	// scripts so workers can report state.
	MasterURL string
	Interval  time.Duration
	Logger    log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("task service is required")
	}
	if c.Workers == nil {
		return fmt.Errorf("worker service is required")
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop
	}
	if c.Catalog == nil {
		var err error
		c.Catalog, err = DefaultCatalog()
		if err != nil {
			return err
		}
	}
	if c.ArtifactBase == "" {
		c.ArtifactBase = DefaultArtifactBase
	}
	if c.MasterURL == "" {
		c.MasterURL = "http://localhost:8080"
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Planner"})
	return nil
}

// Service is the planning service.
type Service struct {
	tasks        TaskService
	workers      WorkerService
	reasoner     reasoning.Client
	notifier     notify.Notifier
	catalog      *Catalog
	artifactBase string
	masterURL    string
	interval     time.Duration
	logger       log.Logger
}

// NewService creates a new planner service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tasks:        cfg.Tasks,
		workers:      cfg.Workers,
		reasoner:     cfg.Reasoner,
		notifier:     cfg.Notifier,
		catalog:      cfg.Catalog,
		artifactBase: cfg.ArtifactBase,
		masterURL:    cfg.MasterURL,
		interval:     cfg.Interval,
		logger:       cfg.Logger,
	}, nil
}

// Run polls for plannable tasks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Infof("Planning loop started, polling every %s", s.interval)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		if err := s.PlanOnce(ctx); err != nil {
			s.logger.Errorf("Planning pass failed: %s", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// PlanOnce runs a single planning pass over the plannable tasks. A task is
// plannable when it is queued, has no parent and was never picked up before;
// the pickup marker is the planning stamp itself so restarts never replan.
func (s *Service) PlanOnce(ctx context.Context) error {
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list tasks: %w", err)
	}

	for _, t := range tasks {
		if t.Status != model.TaskStatusQueued || t.ParentTask != "" {
			continue
		}
		if _, pickedUp := t.StatusTimes[model.TaskStatusPlanning]; pickedUp {
			continue
		}

		if err := s.planTask(ctx, t); err != nil {
			s.logger.Errorf("Could not plan task %s: %s", t.ID, err)
			s.fail(ctx, t.ID, fmt.Sprintf("Orchestration error: %s", err))
		}
	}

	return nil
}

func (s *Service) planTask(ctx context.Context, t model.Task) error {
	label := t.Label()
	s.logger.Infof("Picked up task %s %q", t.ID, label)

	_, err := s.tasks.Transition(ctx, task.TransitionRequest{
		TaskID: t.ID,
		To:     model.TaskStatusPlanning,
		Note:   "Master analyzing task",
	})
	if err != nil {
		return fmt.Errorf("could not mark task as planning: %w", err)
	}
	s.notify(ctx, fmt.Sprintf("*New task*: %s\nID: `%s`\nMaster is planning...", label, t.ID))

	workers, err := s.workers.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list workers: %w", err)
	}

	env := Environment{
		ArtifactDir: filepath.Join(s.artifactBase, fmt.Sprintf("%s-%s", t.ID, slugify(label))),
		MasterURL:   s.masterURL,
	}

	plan, err := s.reason(ctx, t, workers, env)
	if err != nil {
		s.logger.Warningf("Reasoning unavailable for task %s (%s), using fallback catalog", t.ID, err)
		plan, err = s.catalog.Resolve(t, workers, env)
		if err != nil {
			s.fail(ctx, t.ID, "Reasoning unavailable and no fallback plan for this task type")
			s.notify(ctx, fmt.Sprintf("Task `%s` failed: no plan could be produced", t.ID))
			return nil
		}
	}

	return s.execute(ctx, t, plan)
}

// execute writes the assignment scripts and creates the child tasks.
func (s *Service) execute(ctx context.Context, t model.Task, plan *model.Plan) error {
	if err := os.MkdirAll(plan.ArtifactDir, 0o755); err != nil {
		return fmt.Errorf("could not create artifact dir: %w", err)
	}

	_, err := s.tasks.Transition(ctx, task.TransitionRequest{
		TaskID: t.ID,
		To:     model.TaskStatusAssigning,
		Note:   plan.Summary,
	})
	if err != nil {
		return fmt.Errorf("could not mark task as assigning: %w", err)
	}
	s.notify(ctx, plan.Notification)

	taskType := t.Type
	if taskType == "" {
		taskType = "script"
	}

	for _, a := range plan.Assignments {
		scriptPath := filepath.Join(plan.ArtifactDir, fmt.Sprintf("worker-%s.sh", a.WorkerID))
		if err := os.WriteFile(scriptPath, []byte(a.Script), 0o755); err != nil {
			return fmt.Errorf("could not write script for worker %s: %w", a.WorkerID, err)
		}

		_, err := s.tasks.Create(ctx, model.TaskSpec{
			Title:          fmt.Sprintf("%s [%s]", t.Label(), a.Role),
			Description:    a.Role,
			Type:           taskType,
			Status:         model.TaskStatusPending,
			ParentTask:     t.ID,
			AssignedWorker: a.WorkerID,
			ArtifactDir:    plan.ArtifactDir,
			Script:         scriptPath,
		})
		if err != nil {
			return fmt.Errorf("could not create child task for worker %s: %w", a.WorkerID, err)
		}
	}

	s.logger.Infof("Task %s planned into %d child task(s)", t.ID, len(plan.Assignments))

	return nil
}

func (s *Service) reason(ctx context.Context, t model.Task, workers []model.Worker, env Environment) (*model.Plan, error) {
	if s.reasoner == nil {
		return nil, fmt.Errorf("no reasoning client configured")
	}

	resp, err := s.reasoner.Complete(ctx, reasoning.Request{
		Messages: []reasoning.Message{
			{Role: reasoning.RoleUser, Text: buildPrompt(t, workers, env)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("could not complete: %w", err)
	}

	return parsePlan(resp.Text, env)
}

func (s *Service) fail(ctx context.Context, taskID, note string) {
	_, err := s.tasks.Transition(ctx, task.TransitionRequest{
		TaskID: taskID,
		To:     model.TaskStatusFailed,
		Note:   note,
	})
	if err != nil {
		s.logger.Errorf("Could not mark task %s as failed: %s", taskID, err)
	}
}

func (s *Service) notify(ctx context.Context, message string) {
	if err := s.notifier.Notify(ctx, message); err != nil {
		s.logger.Warningf("Could not notify operator: %s", err)
	}
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 30 {
		slug = slug[:30]
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}
