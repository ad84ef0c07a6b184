// Package sandbox manages agent-built applications on a designated build
// worker: port allocation, an agentic build loop driven by the reasoning
// service, deployment and validation scenario execution.
package sandbox

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/reasoning"
	"github.com/hwfleet/fleetmaster/internal/remote"
	"github.com/hwfleet/fleetmaster/internal/storage"
)

const (
	// DefaultPortMin is the start of the default sandbox port range.
	DefaultPortMin = 8100
	// DefaultPortMax is the exclusive end of the default sandbox port range.
	DefaultPortMax = 8200
	// DefaultWorkDirBase is where sandbox working directories live on the
	// build worker.
	DefaultWorkDirBase = "/opt/sandboxes"
	// DefaultMaxIterations caps the number of reasoning turns per build.
	DefaultMaxIterations = 15
)

// ServiceConfig is the configuration for the sandbox service.
type ServiceConfig struct {
	Repository storage.SandboxRepository
	Runner     remote.Runner
	// Reasoner may be nil, chats are then rejected.
	Reasoner reasoning.Client
	// BuildHost is the address of the designated build worker.
	BuildHost     string
	PortMin       int
	PortMax       int
	WorkDirBase   string
	MaxIterations int
	Logger        log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("remote runner is required")
	}
	if c.BuildHost == "" {
		return fmt.Errorf("build host is required")
	}
	if c.PortMin == 0 {
		c.PortMin = DefaultPortMin
	}
	if c.PortMax == 0 {
		c.PortMax = DefaultPortMax
	}
	if c.PortMax <= c.PortMin {
		return fmt.Errorf("port range [%d, %d) is empty", c.PortMin, c.PortMax)
	}
	if c.WorkDirBase == "" {
		c.WorkDirBase = DefaultWorkDirBase
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Sandbox"})
	return nil
}

// Service is the sandbox application service.
type Service struct {
	repo          storage.SandboxRepository
	runner        remote.Runner
	reasoner      reasoning.Client
	buildHost     string
	portMin       int
	portMax       int
	workDirBase   string
	maxIterations int
	logger        log.Logger
}

// NewService creates a new sandbox service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:          cfg.Repository,
		runner:        cfg.Runner,
		reasoner:      cfg.Reasoner,
		buildHost:     cfg.BuildHost,
		portMin:       cfg.PortMin,
		portMax:       cfg.PortMax,
		workDirBase:   cfg.WorkDirBase,
		maxIterations: cfg.MaxIterations,
		logger:        cfg.Logger,
	}, nil
}

// Create allocates a new sandbox with the lowest free port of the range.
func (s *Service) Create(ctx context.Context) (*model.Sandbox, error) {
	// Allocation and insert are separate steps, so two concurrent creates
	// can pick the same port. The port is unique in the store and the loser
	// retries with the next free one until the range is exhausted.
	for {
		port, err := s.allocatePort(ctx)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
		sb := model.Sandbox{
			ID:        id,
			Port:      port,
			Status:    model.SandboxStatusCreated,
			WorkDir:   path.Join(s.workDirBase, id),
			Files:     map[string]string{},
			CreatedAt: now,
		}

		err = s.repo.CreateSandbox(ctx, sb)
		if err == nil {
			s.logger.Infof("Created sandbox %s on port %d", sb.ID, sb.Port)
			return &sb, nil
		}
		if !errors.Is(err, model.ErrAlreadyExists) {
			return nil, fmt.Errorf("could not save sandbox: %w", err)
		}
		s.logger.Debugf("Lost port %d to a concurrent create, retrying", port)
	}
}

// Get returns a sandbox by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Sandbox, error) {
	sb, err := s.repo.GetSandbox(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get sandbox: %w", err)
	}
	return sb, nil
}

// List returns all sandboxes.
func (s *Service) List(ctx context.Context) ([]model.Sandbox, error) {
	sbs, err := s.repo.ListSandboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list sandboxes: %w", err)
	}
	return sbs, nil
}

// Delete removes a sandbox: kills whatever listens on its port, removes the
// remote working directory and deletes the record. Remote cleanup failures
// are logged, the record is removed regardless.
func (s *Service) Delete(ctx context.Context, id string) error {
	sb, err := s.repo.GetSandbox(ctx, id)
	if err != nil {
		return fmt.Errorf("could not get sandbox: %w", err)
	}

	if _, err := s.runner.Exec(ctx, s.buildHost, fmt.Sprintf("fuser -k %d/tcp || true", sb.Port)); err != nil {
		s.logger.Warningf("Could not free port %d of sandbox %s: %s", sb.Port, sb.ID, err)
	}
	if _, err := s.runner.Exec(ctx, s.buildHost, fmt.Sprintf("rm -rf %q", sb.WorkDir)); err != nil {
		s.logger.Warningf("Could not remove workdir of sandbox %s: %s", sb.ID, err)
	}

	if err := s.repo.DeleteSandbox(ctx, id); err != nil {
		return fmt.Errorf("could not delete sandbox: %w", err)
	}

	s.logger.Infof("Deleted sandbox %s, port %d freed", sb.ID, sb.Port)

	return nil
}

// Chat appends a user turn to the sandbox conversation and starts the build
// loop in the background. It returns immediately, progress is observable
// through the sandbox record.
func (s *Service) Chat(ctx context.Context, id, text string, images []model.SandboxImage) (*model.Sandbox, error) {
	if text == "" {
		return nil, fmt.Errorf("message text is required: %w", model.ErrNotValid)
	}
	if s.reasoner == nil {
		return nil, fmt.Errorf("no reasoning client configured: %w", model.ErrNotValid)
	}

	sb, err := s.repo.GetSandbox(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get sandbox: %w", err)
	}
	if sb.Status == model.SandboxStatusBuilding {
		return nil, fmt.Errorf("sandbox is already building: %w", model.ErrAlreadyExists)
	}

	sb.Messages = append(sb.Messages, model.SandboxMessage{
		Role:   model.SandboxMessageRoleUser,
		Text:   text,
		Images: images,
		At:     time.Now().UTC(),
	})
	sb.Status = model.SandboxStatusBuilding
	if err := s.repo.UpdateSandbox(ctx, *sb); err != nil {
		return nil, fmt.Errorf("could not save sandbox: %w", err)
	}

	// The build outlives the HTTP request that started it.
	go s.build(context.WithoutCancel(ctx), sb.ID)

	return sb, nil
}

// RunScenario copies a validation script to a worker, runs it and returns
// its combined output and exit code. A non-zero exit is a result, not an
// error.
func (s *Service) RunScenario(ctx context.Context, id, host string, scenario model.ValidationScenario) (*remote.Result, error) {
	if scenario.Script == "" {
		return nil, fmt.Errorf("scenario script is required: %w", model.ErrNotValid)
	}

	sb, err := s.repo.GetSandbox(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get sandbox: %w", err)
	}
	if host == "" {
		host = s.buildHost
	}

	name := scenario.Name
	if name == "" {
		name = "scenario"
	}
	scriptPath := path.Join(sb.WorkDir, fmt.Sprintf("%s-%s.sh", name, sb.ID))
	if err := s.runner.WriteFile(ctx, host, scriptPath, []byte(scenario.Script), 0o755); err != nil {
		return nil, fmt.Errorf("could not write scenario script: %w", err)
	}

	res, err := s.runner.Exec(ctx, host, fmt.Sprintf("PORT=%d bash %q", sb.Port, scriptPath))
	if err != nil {
		return nil, fmt.Errorf("could not run scenario: %w", err)
	}

	s.logger.Infof("Scenario %q on sandbox %s exited with %d", name, sb.ID, res.ExitCode)

	return res, nil
}

// allocatePort returns the lowest port of [portMin, portMax) not used by a
// live sandbox. Deleted sandboxes free their port for reuse.
func (s *Service) allocatePort(ctx context.Context) (int, error) {
	sbs, err := s.repo.ListSandboxes(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not list sandboxes: %w", err)
	}

	used := make([]int, 0, len(sbs))
	for _, sb := range sbs {
		used = append(used, sb.Port)
	}
	sort.Ints(used)

	port := s.portMin
	for _, u := range used {
		if u == port {
			port++
		}
	}
	if port >= s.portMax {
		return 0, fmt.Errorf("no free sandbox port in [%d, %d): %w", s.portMin, s.portMax, model.ErrAlreadyExists)
	}

	return port, nil
}
