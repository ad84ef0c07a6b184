package storage

import (
	"context"
	"time"

	"github.com/hwfleet/fleetmaster/internal/model"
)

// TaskRepository is the interface for task persistence.
//
// Implementations must serialize read-modify-write operations so two
// concurrent claims can never observe the same pending task as available.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	ListChildTasks(ctx context.Context, parentID string) ([]model.Task, error)
	UpdateTask(ctx context.Context, t model.Task) error

	// ClaimPendingTask atomically claims the next pending task for a worker:
	// first the oldest pending task assigned to the worker, else the oldest
	// pending task with no assignment. The claimed task is moved to
	// "assigned" with a transition appended before it is returned. Returns
	// ErrNotFound when there is nothing to claim.
	ClaimPendingTask(ctx context.Context, workerID string, now time.Time) (*model.Task, error)
}

// WorkerRepository is the interface for worker heartbeat persistence.
type WorkerRepository interface {
	// UpsertWorker replaces the whole worker record.
	UpsertWorker(ctx context.Context, w model.Worker) error
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	ListWorkers(ctx context.Context) ([]model.Worker, error)
}

// SandboxRepository is the interface for sandbox persistence.
type SandboxRepository interface {
	CreateSandbox(ctx context.Context, s model.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*model.Sandbox, error)
	ListSandboxes(ctx context.Context) ([]model.Sandbox, error)
	UpdateSandbox(ctx context.Context, s model.Sandbox) error
	DeleteSandbox(ctx context.Context, id string) error
}

// Repository groups all the application repositories.
type Repository interface {
	TaskRepository
	WorkerRepository
	SandboxRepository
}
