package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
//
// All operations copy on the way in and out, the single mutex is the
// serialization point for read-modify-write operations like claims.
type Repository struct {
	tasks     map[string]model.Task
	workers   map[string]model.Worker
	sandboxes map[string]model.Sandbox
	mu        sync.RWMutex
	logger    log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:     make(map[string]model.Task),
		workers:   make(map[string]model.Worker),
		sandboxes: make(map[string]model.Sandbox),
		logger:    cfg.Logger,
	}, nil
}

var _ storage.Repository = (*Repository)(nil)

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task with id %s: %w", t.ID, model.ErrAlreadyExists)
	}

	r.tasks[t.ID] = copyTask(t)
	r.logger.Debugf("Created task in repository: %s", t.ID)

	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	taskCopy := copyTask(task)
	return &taskCopy, nil
}

// ListTasks returns all tasks ordered by creation time.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, copyTask(t))
	}
	sortTasks(tasks)

	return tasks, nil
}

// ListChildTasks returns all tasks with the given parent, ordered by
// creation time.
func (r *Repository) ListChildTasks(ctx context.Context, parentID string) ([]model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := []model.Task{}
	for _, t := range r.tasks {
		if t.ParentTask == parentID {
			tasks = append(tasks, copyTask(t))
		}
	}
	sortTasks(tasks)

	return tasks, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}

	r.tasks[t.ID] = copyTask(t)
	r.logger.Debugf("Updated task in repository: %s", t.ID)

	return nil
}

// ClaimPendingTask atomically claims the next pending task for a worker.
func (r *Repository) ClaimPendingTask(ctx context.Context, workerID string, now time.Time) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.nextPending(func(t model.Task) bool { return t.AssignedWorker == workerID })
	if task == nil {
		task = r.nextPending(func(t model.Task) bool { return t.AssignedWorker == "" })
	}
	if task == nil {
		return nil, fmt.Errorf("no pending task for worker %s: %w", workerID, model.ErrNotFound)
	}

	storage.ApplyClaim(task, workerID, now)
	r.tasks[task.ID] = copyTask(*task)
	r.logger.Debugf("Claimed task %s for worker %s", task.ID, workerID)

	return task, nil
}

// nextPending returns a copy of the oldest pending task matching the filter.
// Must be called with the write lock held.
func (r *Repository) nextPending(match func(model.Task) bool) *model.Task {
	var oldest *model.Task
	for _, t := range r.tasks {
		if t.Status != model.TaskStatusPending || !match(t) {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			taskCopy := copyTask(t)
			oldest = &taskCopy
		}
	}
	return oldest
}

// UpsertWorker replaces the whole worker record.
func (r *Repository) UpsertWorker(ctx context.Context, w model.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workers[w.ID] = copyWorker(w)
	r.logger.Debugf("Upserted worker in repository: %s", w.ID)

	return nil
}

// GetWorker retrieves a worker by ID.
func (r *Repository) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, model.ErrNotFound)
	}

	workerCopy := copyWorker(worker)
	return &workerCopy, nil
}

// ListWorkers returns all workers ordered by ID.
func (r *Repository) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, copyWorker(w))
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	return workers, nil
}

// CreateSandbox creates a new sandbox in the repository.
func (r *Repository) CreateSandbox(ctx context.Context, s model.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sandboxes[s.ID]; ok {
		return fmt.Errorf("sandbox with id %s: %w", s.ID, model.ErrAlreadyExists)
	}

	for _, existing := range r.sandboxes {
		if existing.Port == s.Port {
			return fmt.Errorf("sandbox port %d held by %s: %w", s.Port, existing.ID, model.ErrAlreadyExists)
		}
	}

	r.sandboxes[s.ID] = copySandbox(s)
	r.logger.Debugf("Created sandbox in repository: %s", s.ID)

	return nil
}

// GetSandbox retrieves a sandbox by ID.
func (r *Repository) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sandbox, ok := r.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	sandboxCopy := copySandbox(sandbox)
	return &sandboxCopy, nil
}

// ListSandboxes returns all sandboxes ordered by creation time.
func (r *Repository) ListSandboxes(ctx context.Context) ([]model.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sandboxes := make([]model.Sandbox, 0, len(r.sandboxes))
	for _, s := range r.sandboxes {
		sandboxes = append(sandboxes, copySandbox(s))
	}
	sort.Slice(sandboxes, func(i, j int) bool {
		if sandboxes[i].CreatedAt.Equal(sandboxes[j].CreatedAt) {
			return sandboxes[i].ID < sandboxes[j].ID
		}
		return sandboxes[i].CreatedAt.Before(sandboxes[j].CreatedAt)
	})

	return sandboxes, nil
}

// UpdateSandbox updates an existing sandbox.
func (r *Repository) UpdateSandbox(ctx context.Context, s model.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sandboxes[s.ID]; !ok {
		return fmt.Errorf("sandbox %s: %w", s.ID, model.ErrNotFound)
	}

	r.sandboxes[s.ID] = copySandbox(s)
	r.logger.Debugf("Updated sandbox in repository: %s", s.ID)

	return nil
}

// DeleteSandbox deletes a sandbox.
func (r *Repository) DeleteSandbox(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sandboxes[id]; !ok {
		return fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	delete(r.sandboxes, id)
	r.logger.Debugf("Deleted sandbox from repository: %s", id)

	return nil
}

func sortTasks(tasks []model.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func copyTask(t model.Task) model.Task {
	c := t
	c.Transitions = append([]model.TaskTransition(nil), t.Transitions...)
	if t.Extra != nil {
		c.Extra = make(map[string]string, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = v
		}
	}
	if t.StatusTimes != nil {
		c.StatusTimes = make(map[string]time.Time, len(t.StatusTimes))
		for k, v := range t.StatusTimes {
			c.StatusTimes[k] = v
		}
	}
	return c
}

func copyWorker(w model.Worker) model.Worker {
	c := w
	c.Skills = append([]model.Skill(nil), w.Skills...)
	return c
}

func copySandbox(s model.Sandbox) model.Sandbox {
	c := s
	c.Messages = append([]model.SandboxMessage(nil), s.Messages...)
	c.ToolCalls = append([]model.ToolCallRecord(nil), s.ToolCalls...)
	c.Workers = append([]model.ValidationWorker(nil), s.Workers...)
	if s.Files != nil {
		c.Files = make(map[string]string, len(s.Files))
		for k, v := range s.Files {
			c.Files[k] = v
		}
	}
	return c
}
