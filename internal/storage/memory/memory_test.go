package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/storage/memory"
)

func newRepository(t *testing.T) *memory.Repository {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	return repo
}

func TestRepositoryTasks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.TODO()

	repo := newRepository(t)
	now := time.Now().UTC()

	t1 := model.Task{ID: "t1", Title: "First", Status: model.TaskStatusQueued, CreatedAt: now}
	t2 := model.Task{ID: "t2", Title: "Second", Status: model.TaskStatusQueued, CreatedAt: now.Add(time.Second), ParentTask: "t1"}

	require.NoError(repo.CreateTask(ctx, t1))
	require.NoError(repo.CreateTask(ctx, t2))
	assert.ErrorIs(repo.CreateTask(ctx, t1), model.ErrAlreadyExists)

	_, err := repo.GetTask(ctx, "nope")
	assert.ErrorIs(err, model.ErrNotFound)

	got, err := repo.GetTask(ctx, "t1")
	require.NoError(err)
	assert.Equal("First", got.Title)

	// Mutating the returned copy must not touch the stored task.
	got.Title = "Mutated"
	got2, err := repo.GetTask(ctx, "t1")
	require.NoError(err)
	assert.Equal("First", got2.Title)

	all, err := repo.ListTasks(ctx)
	require.NoError(err)
	require.Len(all, 2)
	assert.Equal("t1", all[0].ID)

	children, err := repo.ListChildTasks(ctx, "t1")
	require.NoError(err)
	require.Len(children, 1)
	assert.Equal("t2", children[0].ID)

	t1.Status = model.TaskStatusDone
	require.NoError(repo.UpdateTask(ctx, t1))
	got3, err := repo.GetTask(ctx, "t1")
	require.NoError(err)
	assert.Equal(model.TaskStatusDone, got3.Status)

	assert.ErrorIs(repo.UpdateTask(ctx, model.Task{ID: "nope"}), model.ErrNotFound)
}

func TestRepositoryClaimPendingTask(t *testing.T) {
	tests := map[string]struct {
		tasks     []model.Task
		workerID  string
		expTask   string
		expNoTask bool
	}{
		"No pending tasks should claim nothing.": {
			tasks: []model.Task{
				{ID: "t1", Status: model.TaskStatusDone},
			},
			workerID:  "w1",
			expNoTask: true,
		},

		"The oldest unassigned pending task wins.": {
			tasks: []model.Task{
				{ID: "t1", Status: model.TaskStatusPending, CreatedAt: time.Unix(200, 0)},
				{ID: "t2", Status: model.TaskStatusPending, CreatedAt: time.Unix(100, 0)},
			},
			workerID: "w1",
			expTask:  "t2",
		},

		"A task pinned to the worker wins over older unassigned ones.": {
			tasks: []model.Task{
				{ID: "t1", Status: model.TaskStatusPending, CreatedAt: time.Unix(100, 0)},
				{ID: "t2", Status: model.TaskStatusPending, CreatedAt: time.Unix(200, 0), AssignedWorker: "w1"},
			},
			workerID: "w1",
			expTask:  "t2",
		},

		"A task pinned to another worker is never claimed.": {
			tasks: []model.Task{
				{ID: "t1", Status: model.TaskStatusPending, AssignedWorker: "w2"},
			},
			workerID:  "w1",
			expNoTask: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.TODO()

			repo := newRepository(t)
			for _, tk := range test.tasks {
				require.NoError(repo.CreateTask(ctx, tk))
			}

			now := time.Now().UTC()
			got, err := repo.ClaimPendingTask(ctx, test.workerID, now)

			if test.expNoTask {
				assert.ErrorIs(err, model.ErrNotFound)
				return
			}

			require.NoError(err)
			assert.Equal(test.expTask, got.ID)
			assert.Equal(model.TaskStatusAssigned, got.Status)
			assert.Equal(test.workerID, got.Worker)
			assert.Equal(now, got.StatusTimes[model.TaskStatusAssigned])
			last := got.LastTransition()
			require.NotNil(last)
			assert.Equal(model.TaskStatusPending, last.From)
			assert.Equal(model.TaskStatusAssigned, last.To)

			// The claim is persisted, a second claim finds nothing.
			_, err = repo.ClaimPendingTask(ctx, test.workerID, now)
			assert.ErrorIs(err, model.ErrNotFound)
		})
	}
}

func TestRepositoryWorkers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.TODO()

	repo := newRepository(t)

	_, err := repo.GetWorker(ctx, "w1")
	assert.ErrorIs(err, model.ErrNotFound)

	w := model.Worker{ID: "w1", Addr: "10.0.0.1", Status: model.WorkerStatusActivating}
	require.NoError(repo.UpsertWorker(ctx, w))

	// Upsert replaces wholesale.
	w.Status = model.WorkerStatusActive
	w.Skills = []model.Skill{{Name: "ffmpeg"}}
	require.NoError(repo.UpsertWorker(ctx, w))

	got, err := repo.GetWorker(ctx, "w1")
	require.NoError(err)
	assert.Equal(model.WorkerStatusActive, got.Status)
	require.Len(got.Skills, 1)

	require.NoError(repo.UpsertWorker(ctx, model.Worker{ID: "w0"}))
	all, err := repo.ListWorkers(ctx)
	require.NoError(err)
	require.Len(all, 2)
	assert.Equal("w0", all[0].ID)
}

func TestRepositorySandboxes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.TODO()

	repo := newRepository(t)

	sb := model.Sandbox{ID: "s1", Port: 8100, Status: model.SandboxStatusCreated, CreatedAt: time.Unix(100, 0)}
	require.NoError(repo.CreateSandbox(ctx, sb))

	// Same id and same port are both conflicts.
	assert.ErrorIs(repo.CreateSandbox(ctx, sb), model.ErrAlreadyExists)
	assert.ErrorIs(repo.CreateSandbox(ctx, model.Sandbox{ID: "s2", Port: 8100}), model.ErrAlreadyExists)

	require.NoError(repo.CreateSandbox(ctx, model.Sandbox{ID: "s2", Port: 8101, CreatedAt: time.Unix(200, 0)}))

	sb.Status = model.SandboxStatusBuilding
	sb.Files = map[string]string{"/opt/sandboxes/s1/server.js": "code"}
	require.NoError(repo.UpdateSandbox(ctx, sb))

	got, err := repo.GetSandbox(ctx, "s1")
	require.NoError(err)
	assert.Equal(model.SandboxStatusBuilding, got.Status)
	assert.Len(got.Files, 1)

	all, err := repo.ListSandboxes(ctx)
	require.NoError(err)
	require.Len(all, 2)
	assert.Equal("s1", all[0].ID)

	require.NoError(repo.DeleteSandbox(ctx, "s1"))
	_, err = repo.GetSandbox(ctx, "s1")
	assert.ErrorIs(err, model.ErrNotFound)
	assert.ErrorIs(repo.DeleteSandbox(ctx, "s1"), model.ErrNotFound)

	// The freed port can be reused.
	require.NoError(repo.CreateSandbox(ctx, model.Sandbox{ID: "s3", Port: 8100}))
}
