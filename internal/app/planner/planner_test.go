package planner_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hwfleet/fleetmaster/internal/app/planner"
	"github.com/hwfleet/fleetmaster/internal/app/task"
	"github.com/hwfleet/fleetmaster/internal/app/worker"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/reasoning"
	"github.com/hwfleet/fleetmaster/internal/reasoning/reasoningmock"
	"github.com/hwfleet/fleetmaster/internal/storage/memory"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

type fixture struct {
	tasks    *task.Service
	workers  *worker.Service
	svc      *planner.Service
	notifier *recordingNotifier
}

func newFixture(t *testing.T, reasoner reasoning.Client) *fixture {
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	tasks, err := task.NewService(task.ServiceConfig{Repository: repo})
	require.NoError(err)
	workers, err := worker.NewService(worker.ServiceConfig{Repository: repo})
	require.NoError(err)

	notifier := &recordingNotifier{}
	svc, err := planner.NewService(planner.ServiceConfig{
		Tasks:        tasks,
		Workers:      workers,
		Reasoner:     reasoner,
		Notifier:     notifier,
		ArtifactBase: t.TempDir(),
		MasterURL:    "http://master.test",
	})
	require.NoError(err)

	return &fixture{tasks: tasks, workers: workers, svc: svc, notifier: notifier}
}

func (f *fixture) heartbeat(t *testing.T, id, status string) {
	_, err := f.workers.Heartbeat(context.TODO(), model.Worker{ID: id, Addr: "10.0.0.1", Status: status})
	require.NoError(t, err)
}

func childrenOf(t *testing.T, f *fixture, parentID string) []model.Task {
	all, err := f.tasks.List(context.TODO())
	require.NoError(t, err)
	children := []model.Task{}
	for _, tk := range all {
		if tk.ParentTask == parentID {
			children = append(children, tk)
		}
	}
	return children
}

func TestServicePlanOnceFallback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := newFixture(t, nil)
	f.heartbeat(t, "worker-b", model.WorkerStatusActive)
	f.heartbeat(t, "worker-a", model.WorkerStatusActive)
	f.heartbeat(t, "worker-0", model.WorkerStatusFailed)

	created, err := f.tasks.Create(context.TODO(), model.TaskSpec{
		Title: "Wrapped promo",
		Type:  "render",
		Extra: map[string]string{"html_source": "/mnt/shared/index.html"},
	})
	require.NoError(err)

	require.NoError(f.svc.PlanOnce(context.TODO()))

	// Parent walked queued -> planning -> assigning.
	parent, err := f.tasks.Get(context.TODO(), created.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusAssigning, parent.Status)
	assert.Contains(parent.StatusTimes, model.TaskStatusPlanning)

	// One child, pinned to the lowest-id active worker.
	children := childrenOf(t, f, created.ID)
	require.Len(children, 1)
	child := children[0]
	assert.Equal(model.TaskStatusPending, child.Status)
	assert.Equal("worker-a", child.AssignedWorker)
	assert.Equal("render", child.Type)
	assert.Equal("renderer", child.Description)

	// The script landed on disk, executable, with the task values expanded.
	raw, err := os.ReadFile(child.Script)
	require.NoError(err)
	assert.Contains(string(raw), created.ID)
	assert.Contains(string(raw), "http://master.test")
	assert.Contains(string(raw), "/mnt/shared/index.html")
	info, err := os.Stat(child.Script)
	require.NoError(err)
	assert.Equal(os.FileMode(0o755), info.Mode().Perm())
	assert.Equal(filepath.Base(child.Script), "worker-worker-a.sh")

	// Operator got the pickup and the plan announcement.
	require.Len(f.notifier.messages, 2)
	assert.Contains(f.notifier.messages[0], "New task")
	assert.Contains(f.notifier.messages[1], "worker-a")
}

func TestServicePlanOnceReasoned(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mc := &reasoningmock.MockClient{}
	mc.On("Complete", mock.Anything, mock.MatchedBy(func(req reasoning.Request) bool {
		return len(req.Messages) == 1 && req.Messages[0].Role == reasoning.RoleUser
	})).Once().Return(&reasoning.Response{
		Text: `Here is your plan:
{
  "plan_summary": "Scrape and archive on two workers",
  "telegram_message": "*Plan* w1 scraper, w2 archiver",
  "worker_assignments": [
    {"worker_id": "w1", "role": "scraper", "script": "#!/bin/bash\necho scrape"},
    {"worker_id": "w2", "role": "archiver", "script": "#!/bin/bash\necho archive"}
  ]
}`,
	}, nil)

	f := newFixture(t, mc)
	f.heartbeat(t, "w1", model.WorkerStatusActive)

	created, err := f.tasks.Create(context.TODO(), model.TaskSpec{Title: "Archive the site"})
	require.NoError(err)

	require.NoError(f.svc.PlanOnce(context.TODO()))

	children := childrenOf(t, f, created.ID)
	require.Len(children, 2)
	byWorker := map[string]model.Task{}
	for _, c := range children {
		byWorker[c.AssignedWorker] = c
	}
	assert.Equal("scraper", byWorker["w1"].Description)
	assert.Equal("archiver", byWorker["w2"].Description)
	assert.Equal("Archive the site [scraper]", byWorker["w1"].Title)

	// A second pass must not replan, the planning stamp is durable.
	require.NoError(f.svc.PlanOnce(context.TODO()))
	assert.Len(childrenOf(t, f, created.ID), 2)
	mc.AssertExpectations(t)
}

func TestServicePlanOnceNoPlan(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := newFixture(t, nil)
	f.heartbeat(t, "w1", model.WorkerStatusActive)

	// No reasoner and nothing in the catalog matches a backup task.
	created, err := f.tasks.Create(context.TODO(), model.TaskSpec{Title: "Rotate backups", Type: "backup"})
	require.NoError(err)

	require.NoError(f.svc.PlanOnce(context.TODO()))

	got, err := f.tasks.Get(context.TODO(), created.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusFailed, got.Status)
	assert.Contains(got.LastTransition().Note, "no fallback plan")
	assert.Empty(childrenOf(t, f, created.ID))
}

func TestServicePlanOnceSkipsChildrenAndNonQueued(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mc := &reasoningmock.MockClient{}

	f := newFixture(t, mc)
	f.heartbeat(t, "w1", model.WorkerStatusActive)

	_, err := f.tasks.Create(context.TODO(), model.TaskSpec{
		Title:      "Child render",
		Status:     model.TaskStatusPending,
		ParentTask: "someparent",
	})
	require.NoError(err)
	done, err := f.tasks.Create(context.TODO(), model.TaskSpec{
		Title:  "Old task",
		Status: model.TaskStatusDone,
	})
	require.NoError(err)

	require.NoError(f.svc.PlanOnce(context.TODO()))

	got, err := f.tasks.Get(context.TODO(), done.ID)
	require.NoError(err)
	assert.Equal(model.TaskStatusDone, got.Status)
	mc.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}
