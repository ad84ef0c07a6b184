package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hwfleet/fleetmaster/internal/app/sandbox"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/reasoning"
	"github.com/hwfleet/fleetmaster/internal/reasoning/reasoningmock"
	"github.com/hwfleet/fleetmaster/internal/remote"
	"github.com/hwfleet/fleetmaster/internal/remote/remotemock"
	"github.com/hwfleet/fleetmaster/internal/storage/memory"
	"github.com/hwfleet/fleetmaster/internal/storage/storagemock"
)

func newService(t *testing.T, mr *remotemock.MockRunner, mc *reasoningmock.MockClient, opts ...func(*sandbox.ServiceConfig)) (*sandbox.Service, *memory.Repository) {
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)

	cfg := sandbox.ServiceConfig{
		Repository: repo,
		Runner:     mr,
		Reasoner:   mc,
		BuildHost:  "10.0.0.9",
		PortMin:    8100,
		PortMax:    8103,
	}
	for _, o := range opts {
		o(&cfg)
	}

	svc, err := sandbox.NewService(cfg)
	require.NoError(err)

	return svc, repo
}

func waitStatus(t *testing.T, repo *memory.Repository, id string, statuses ...model.SandboxStatus) *model.Sandbox {
	t.Helper()
	var got *model.Sandbox
	require.Eventually(t, func() bool {
		sb, err := repo.GetSandbox(context.TODO(), id)
		if err != nil {
			return false
		}
		for _, st := range statuses {
			if sb.Status == st {
				got = sb
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestServiceCreatePortAllocation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mr := &remotemock.MockRunner{}
	mr.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(&remote.Result{}, nil)
	svc, _ := newService(t, mr, &reasoningmock.MockClient{})

	sb1, err := svc.Create(context.TODO())
	require.NoError(err)
	sb2, err := svc.Create(context.TODO())
	require.NoError(err)
	sb3, err := svc.Create(context.TODO())
	require.NoError(err)

	assert.Equal(8100, sb1.Port)
	assert.Equal(8101, sb2.Port)
	assert.Equal(8102, sb3.Port)
	assert.Equal(model.SandboxStatusCreated, sb1.Status)
	assert.Contains(sb1.WorkDir, sb1.ID)

	// Range exhausted.
	_, err = svc.Create(context.TODO())
	assert.ErrorIs(err, model.ErrAlreadyExists)

	// Deleting the middle sandbox frees its port for the next create.
	require.NoError(svc.Delete(context.TODO(), sb2.ID))
	sb4, err := svc.Create(context.TODO())
	require.NoError(err)
	assert.Equal(8101, sb4.Port)
}

func TestServiceCreatePortRace(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// A concurrent create steals port 8100 between allocation and insert;
	// the insert conflicts and the create retries with the next free port.
	repo := &storagemock.MockRepository{}
	repo.On("ListSandboxes", mock.Anything).Once().Return([]model.Sandbox{}, nil)
	repo.On("CreateSandbox", mock.Anything, mock.MatchedBy(func(sb model.Sandbox) bool {
		return sb.Port == 8100
	})).Once().Return(fmt.Errorf("sandbox already exists: %w", model.ErrAlreadyExists))
	repo.On("ListSandboxes", mock.Anything).Once().Return([]model.Sandbox{{ID: "winner", Port: 8100}}, nil)
	repo.On("CreateSandbox", mock.Anything, mock.MatchedBy(func(sb model.Sandbox) bool {
		return sb.Port == 8101
	})).Once().Return(nil)

	svc, err := sandbox.NewService(sandbox.ServiceConfig{
		Repository: repo,
		Runner:     &remotemock.MockRunner{},
		BuildHost:  "10.0.0.9",
		PortMin:    8100,
		PortMax:    8103,
	})
	require.NoError(err)

	sb, err := svc.Create(context.TODO())
	require.NoError(err)
	assert.Equal(8101, sb.Port)
	repo.AssertExpectations(t)
}

func TestServiceDelete(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mr := &remotemock.MockRunner{}
	mr.On("Exec", mock.Anything, "10.0.0.9", "fuser -k 8100/tcp || true").Once().Return(&remote.Result{}, nil)
	mr.On("Exec", mock.Anything, "10.0.0.9", mock.MatchedBy(func(cmd string) bool {
		return len(cmd) > 6 && cmd[:6] == "rm -rf"
	})).Once().Return(&remote.Result{}, nil)

	svc, repo := newService(t, mr, &reasoningmock.MockClient{})
	sb, err := svc.Create(context.TODO())
	require.NoError(err)

	require.NoError(svc.Delete(context.TODO(), sb.ID))

	_, err = repo.GetSandbox(context.TODO(), sb.ID)
	assert.ErrorIs(err, model.ErrNotFound)
	mr.AssertExpectations(t)
}

func TestServiceChatValidation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	svc, repo := newService(t, &remotemock.MockRunner{}, &reasoningmock.MockClient{})
	sb, err := svc.Create(context.TODO())
	require.NoError(err)

	_, err = svc.Chat(context.TODO(), sb.ID, "", nil)
	assert.ErrorIs(err, model.ErrNotValid)

	_, err = svc.Chat(context.TODO(), "missing", "build me an app", nil)
	assert.ErrorIs(err, model.ErrNotFound)

	// A sandbox already building rejects a second chat.
	sb.Status = model.SandboxStatusBuilding
	require.NoError(repo.UpdateSandbox(context.TODO(), *sb))
	_, err = svc.Chat(context.TODO(), sb.ID, "another turn", nil)
	assert.ErrorIs(err, model.ErrAlreadyExists)
}

func TestServiceChatBuildLoop(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mr := &remotemock.MockRunner{}
	mc := &reasoningmock.MockClient{}

	// Turn 1: write the server and deploy it.
	mc.On("Complete", mock.Anything, mock.MatchedBy(func(req reasoning.Request) bool {
		return len(req.Tools) == 4 && req.System != ""
	})).Once().Return(&reasoning.Response{
		Text: "Writing and deploying.",
		ToolCalls: []reasoning.ToolCall{
			{ID: "tc1", Name: "write_file", Input: map[string]any{"path": "server.js", "content": "console.log('hi')"}},
			{ID: "tc2", Name: "deploy", Input: map[string]any{"entry_point": "node server.js"}},
		},
	}, nil)
	// Turn 2: final answer.
	mc.On("Complete", mock.Anything, mock.MatchedBy(func(req reasoning.Request) bool {
		if len(req.Messages) != 3 {
			return false
		}
		results := req.Messages[2].ToolResults
		return len(results) == 2 && !results[0].IsError && !results[1].IsError
	})).Once().Return(&reasoning.Response{Text: "All done, app deployed."}, nil)

	mr.On("WriteFile", mock.Anything, "10.0.0.9", mock.MatchedBy(func(p string) bool {
		return p != "server.js" // resolved against the workdir
	}), []byte("console.log('hi')"), mock.Anything).Once().Return(nil)
	mr.On("Exec", mock.Anything, "10.0.0.9", "fuser -k 8100/tcp || true").Once().Return(&remote.Result{}, nil)
	mr.On("Exec", mock.Anything, "10.0.0.9", mock.MatchedBy(func(cmd string) bool {
		return strings.Contains(cmd, "PORT=8100 nohup setsid node server.js")
	})).Once().Return(&remote.Result{}, nil)
	mr.On("Exec", mock.Anything, "10.0.0.9", mock.MatchedBy(func(cmd string) bool {
		return strings.Contains(cmd, "curl -sf")
	})).Once().Return(&remote.Result{ExitCode: 0}, nil)

	svc, repo := newService(t, mr, mc)
	sb, err := svc.Create(context.TODO())
	require.NoError(err)

	got, err := svc.Chat(context.TODO(), sb.ID, "Build me a hello server", nil)
	require.NoError(err)
	assert.Equal(model.SandboxStatusBuilding, got.Status)

	final := waitStatus(t, repo, sb.ID, model.SandboxStatusDeployed)

	assert.Equal("node server.js", final.Entry)
	require.Len(final.Messages, 2)
	assert.Equal(model.SandboxMessageRoleAssistant, final.Messages[1].Role)
	assert.Equal("All done, app deployed.", final.Messages[1].Text)
	require.Len(final.ToolCalls, 2)
	assert.Equal("write_file", final.ToolCalls[0].Tool)
	assert.Equal("deploy", final.ToolCalls[1].Tool)
	require.Len(final.Files, 1)
	mc.AssertExpectations(t)
	mr.AssertExpectations(t)
}

func TestServiceChatBuildLoopStrictTools(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mr := &remotemock.MockRunner{}
	mc := &reasoningmock.MockClient{}

	// An unknown tool and a bash call without its command are rejected
	// without touching the runner.
	mc.On("Complete", mock.Anything, mock.Anything).Once().Return(&reasoning.Response{
		ToolCalls: []reasoning.ToolCall{
			{ID: "tc1", Name: "format_disk", Input: map[string]any{}},
			{ID: "tc2", Name: "bash", Input: map[string]any{"cmd": "ls"}},
		},
	}, nil)
	mc.On("Complete", mock.Anything, mock.MatchedBy(func(req reasoning.Request) bool {
		results := req.Messages[len(req.Messages)-1].ToolResults
		return len(results) == 2 && results[0].IsError && results[1].IsError
	})).Once().Return(&reasoning.Response{Text: "Stopping."}, nil)

	svc, repo := newService(t, mr, mc)
	sb, err := svc.Create(context.TODO())
	require.NoError(err)

	_, err = svc.Chat(context.TODO(), sb.ID, "do something weird", nil)
	require.NoError(err)

	final := waitStatus(t, repo, sb.ID, model.SandboxStatusDone)

	require.Len(final.ToolCalls, 2)
	assert.Contains(final.ToolCalls[0].Result, "unknown tool")
	assert.Contains(final.ToolCalls[1].Result, `missing required argument "command"`)
	mr.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	mc.AssertExpectations(t)
}

func TestServiceChatBuildLoopIterationCap(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mr := &remotemock.MockRunner{}
	mr.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(&remote.Result{Output: "ok"}, nil)

	mc := &reasoningmock.MockClient{}
	mc.On("Complete", mock.Anything, mock.Anything).Times(3).Return(&reasoning.Response{
		Text: "Still working on it.",
		ToolCalls: []reasoning.ToolCall{
			{ID: "tc", Name: "bash", Input: map[string]any{"command": "sleep 1"}},
		},
	}, nil)

	svc, repo := newService(t, mr, mc, func(cfg *sandbox.ServiceConfig) { cfg.MaxIterations = 3 })
	sb, err := svc.Create(context.TODO())
	require.NoError(err)

	_, err = svc.Chat(context.TODO(), sb.ID, "loop forever", nil)
	require.NoError(err)

	final := waitStatus(t, repo, sb.ID, model.SandboxStatusDone)

	// Three bash calls plus the cap record; the last model text survives as
	// the final assistant message.
	require.Len(final.ToolCalls, 4)
	assert.Contains(final.ToolCalls[3].Result, "stopped after 3 iterations")
	assert.Equal("Still working on it.", final.Messages[len(final.Messages)-1].Text)
	mc.AssertExpectations(t)
}

func TestServiceChatBuildLoopReasoningFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mc := &reasoningmock.MockClient{}
	mc.On("Complete", mock.Anything, mock.Anything).Once().Return(nil, errors.New("api request failed with status 500"))

	svc, repo := newService(t, &remotemock.MockRunner{}, mc)
	sb, err := svc.Create(context.TODO())
	require.NoError(err)

	_, err = svc.Chat(context.TODO(), sb.ID, "build", nil)
	require.NoError(err)

	final := waitStatus(t, repo, sb.ID, model.SandboxStatusFailed)
	assert.Contains(final.Messages[len(final.Messages)-1].Text, "build failed")
	require.Len(final.ToolCalls, 1)
	assert.Contains(final.ToolCalls[0].Result, "api request failed with status 500")
}

func TestServiceRunScenario(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mr := &remotemock.MockRunner{}
	mr.On("WriteFile", mock.Anything, "10.0.0.3", mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "smoke-")
	}), []byte("#!/bin/bash\nexit 3"), mock.Anything).Once().Return(nil)
	mr.On("Exec", mock.Anything, "10.0.0.3", mock.MatchedBy(func(cmd string) bool {
		return strings.Contains(cmd, "PORT=8100 bash")
	})).Once().Return(&remote.Result{ExitCode: 3, Output: "boom"}, nil)

	svc, _ := newService(t, mr, &reasoningmock.MockClient{})
	sb, err := svc.Create(context.TODO())
	require.NoError(err)

	res, err := svc.RunScenario(context.TODO(), sb.ID, "10.0.0.3", model.ValidationScenario{
		Name:   "smoke",
		Script: "#!/bin/bash\nexit 3",
	})

	// A failing scenario is a result, not an error.
	require.NoError(err)
	assert.Equal(3, res.ExitCode)
	assert.Equal("boom", res.Output)
	mr.AssertExpectations(t)
}
