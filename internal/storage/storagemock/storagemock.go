// Package storagemock contains testify mocks for the storage repositories.
package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/hwfleet/fleetmaster/internal/model"
)

// MockRepository is a testify mock of storage.Repository.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateTask(ctx context.Context, t model.Task) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockRepository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	args := m.Called(ctx, id)
	var r0 *model.Task
	if args.Get(0) != nil {
		r0 = args.Get(0).(*model.Task)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) ListTasks(ctx context.Context) ([]model.Task, error) {
	args := m.Called(ctx)
	var r0 []model.Task
	if args.Get(0) != nil {
		r0 = args.Get(0).([]model.Task)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) ListChildTasks(ctx context.Context, parentID string) ([]model.Task, error) {
	args := m.Called(ctx, parentID)
	var r0 []model.Task
	if args.Get(0) != nil {
		r0 = args.Get(0).([]model.Task)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) UpdateTask(ctx context.Context, t model.Task) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockRepository) ClaimPendingTask(ctx context.Context, workerID string, now time.Time) (*model.Task, error) {
	args := m.Called(ctx, workerID, now)
	var r0 *model.Task
	if args.Get(0) != nil {
		r0 = args.Get(0).(*model.Task)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) UpsertWorker(ctx context.Context, w model.Worker) error {
	args := m.Called(ctx, w)
	return args.Error(0)
}

func (m *MockRepository) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	args := m.Called(ctx, id)
	var r0 *model.Worker
	if args.Get(0) != nil {
		r0 = args.Get(0).(*model.Worker)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	args := m.Called(ctx)
	var r0 []model.Worker
	if args.Get(0) != nil {
		r0 = args.Get(0).([]model.Worker)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) CreateSandbox(ctx context.Context, s model.Sandbox) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockRepository) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	args := m.Called(ctx, id)
	var r0 *model.Sandbox
	if args.Get(0) != nil {
		r0 = args.Get(0).(*model.Sandbox)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) ListSandboxes(ctx context.Context) ([]model.Sandbox, error) {
	args := m.Called(ctx)
	var r0 []model.Sandbox
	if args.Get(0) != nil {
		r0 = args.Get(0).([]model.Sandbox)
	}
	return r0, args.Error(1)
}

func (m *MockRepository) UpdateSandbox(ctx context.Context, s model.Sandbox) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockRepository) DeleteSandbox(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
