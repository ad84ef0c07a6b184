package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hwfleet/fleetmaster/internal/app/dispatch"
	"github.com/hwfleet/fleetmaster/internal/app/sandbox"
	"github.com/hwfleet/fleetmaster/internal/app/task"
	"github.com/hwfleet/fleetmaster/internal/app/worker"
	apihttp "github.com/hwfleet/fleetmaster/internal/http"
	"github.com/hwfleet/fleetmaster/internal/reasoning"
	"github.com/hwfleet/fleetmaster/internal/reasoning/reasoningmock"
	"github.com/hwfleet/fleetmaster/internal/remote"
	"github.com/hwfleet/fleetmaster/internal/remote/remotemock"
	"github.com/hwfleet/fleetmaster/internal/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *remotemock.MockRunner, *reasoningmock.MockClient) {
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	tasks, err := task.NewService(task.ServiceConfig{Repository: repo})
	require.NoError(err)
	dispatcher, err := dispatch.NewService(dispatch.ServiceConfig{Repository: repo})
	require.NoError(err)
	workers, err := worker.NewService(worker.ServiceConfig{Repository: repo})
	require.NoError(err)

	mr := &remotemock.MockRunner{}
	mc := &reasoningmock.MockClient{}
	sandboxes, err := sandbox.NewService(sandbox.ServiceConfig{
		Repository: repo,
		Runner:     mr,
		Reasoner:   mc,
		BuildHost:  "10.0.0.9",
	})
	require.NoError(err)

	server, err := apihttp.NewServer(apihttp.ServerConfig{
		Tasks:     tasks,
		Dispatch:  dispatcher,
		Workers:   workers,
		Sandboxes: sandboxes,
	})
	require.NoError(err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return ts, mr, mc
}

func doJSON(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	require := require.New(t)

	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequestWithContext(context.TODO(), method, url, nil)
	} else {
		req, err = http.NewRequestWithContext(context.TODO(), method, url, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	require.NoError(err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	got := map[string]any{}
	require.NoError(json.NewDecoder(resp.Body).Decode(&got))
	return resp.StatusCode, got
}

func TestServerWorkerFlow(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ts, _, _ := newTestServer(t)

	// Heartbeat registers the worker.
	code, body := doJSON(t, "POST", ts.URL+"/worker/heartbeat",
		`{"id": "w1", "ip": "10.0.0.7", "status": "active", "vnc_port": 5901, "skills": [{"name": "blender", "desc": "renders"}]}`)
	require.Equal(http.StatusOK, code)
	assert.Equal(true, body["ok"])

	// Nothing pending yet.
	code, body = doJSON(t, "GET", ts.URL+"/worker/task/w1", "")
	require.Equal(http.StatusOK, code)
	assert.Nil(body["task"])

	// A pending task gets claimed exactly once.
	code, body = doJSON(t, "POST", ts.URL+"/task", `{"title": "Render promo", "status": "pending"}`)
	require.Equal(http.StatusCreated, code)
	taskID := body["task"].(map[string]any)["id"].(string)
	require.NotEmpty(taskID)

	code, body = doJSON(t, "GET", ts.URL+"/worker/task/w1", "")
	require.Equal(http.StatusOK, code)
	claimed := body["task"].(map[string]any)
	assert.Equal(taskID, claimed["id"])
	assert.Equal("assigned", claimed["status"])
	assert.Equal("w1", claimed["worker"])

	code, body = doJSON(t, "GET", ts.URL+"/worker/task/w1", "")
	require.Equal(http.StatusOK, code)
	assert.Nil(body["task"])

	// Free-form state reporting, then completion.
	code, body = doJSON(t, "POST", ts.URL+"/task/"+taskID+"/state",
		`{"to": "encoding_video", "note": "ffmpeg running", "worker": "w1"}`)
	require.Equal(http.StatusOK, code)
	got := body["task"].(map[string]any)
	assert.Equal("encoding_video", got["status"])
	assert.NotNil(got["encoding_video_at"])

	code, body = doJSON(t, "POST", ts.URL+"/task/"+taskID+"/complete", "")
	require.Equal(http.StatusOK, code)
	assert.Equal("done", body["task"].(map[string]any)["status"])

	// The status snapshot keeps the dashboard shape.
	code, body = doJSON(t, "GET", ts.URL+"/status", "")
	require.Equal(http.StatusOK, code)
	workers := body["workers"].(map[string]any)
	w1 := workers["w1"].(map[string]any)
	assert.Equal("10.0.0.7", w1["ip"])
	assert.Equal(float64(5901), w1["vnc_port"])
	tasks := body["tasks"].([]any)
	require.Len(tasks, 1)
}

func TestServerTaskErrors(t *testing.T) {
	assert := assert.New(t)

	ts, _, _ := newTestServer(t)

	tests := map[string]struct {
		method  string
		path    string
		body    string
		expCode int
	}{
		"Creating a task without title nor description should 400.": {
			method: "POST", path: "/task", body: `{}`, expCode: http.StatusBadRequest,
		},
		"Creating a task with a broken body should 400.": {
			method: "POST", path: "/task", body: `{"title":`, expCode: http.StatusBadRequest,
		},
		"Getting a missing task should 404.": {
			method: "GET", path: "/task/nope", expCode: http.StatusNotFound,
		},
		"Transitioning a missing task should 404.": {
			method: "POST", path: "/task/nope/state", body: `{"to": "running"}`, expCode: http.StatusNotFound,
		},
		"Transitioning without a target should 400.": {
			method: "POST", path: "/task/nope/state", body: `{"note": "no target"}`, expCode: http.StatusBadRequest,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			code, body := doJSON(t, test.method, ts.URL+test.path, test.body)
			assert.Equal(test.expCode, code)
			assert.NotEmpty(body["error"])
		})
	}
}

func TestServerSandboxFlow(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ts, mr, mc := newTestServer(t)

	mc.On("Complete", mock.Anything, mock.MatchedBy(func(req reasoning.Request) bool {
		last := req.Messages[len(req.Messages)-1]
		return last.Role == reasoning.RoleUser
	})).Return(&reasoning.Response{Text: "Nothing to build."}, nil)
	mr.On("Exec", mock.Anything, "10.0.0.9", mock.Anything).Return(&remote.Result{ExitCode: 2, Output: "no app"}, nil)
	mr.On("WriteFile", mock.Anything, "10.0.0.9", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	code, body := doJSON(t, "POST", ts.URL+"/sandboxes", "")
	require.Equal(http.StatusCreated, code)
	sb := body["sandbox"].(map[string]any)
	id := sb["id"].(string)
	assert.Equal(float64(8100), sb["port"])
	assert.Equal("created", sb["status"])

	code, body = doJSON(t, "POST", ts.URL+"/sandboxes/"+id+"/chat", `{"message": "build me nothing"}`)
	require.Equal(http.StatusAccepted, code)
	assert.Equal("building", body["sandbox"].(map[string]any)["status"])

	// Poll until the background loop settles.
	require.Eventually(func() bool {
		_, body := doJSON(t, "GET", ts.URL+"/sandboxes/"+id, "")
		return body["sandbox"].(map[string]any)["status"] == "done"
	}, 2*time.Second, 10*time.Millisecond)

	code, body = doJSON(t, "POST", ts.URL+"/sandboxes/"+id+"/scenario", `{"name": "smoke", "script": "#!/bin/bash\ncurl localhost"}`)
	require.Equal(http.StatusOK, code)
	assert.Equal(float64(2), body["exit_code"])
	assert.Equal("no app", body["output"])

	code, body = doJSON(t, "GET", ts.URL+"/sandboxes", "")
	require.Equal(http.StatusOK, code)
	require.Len(body["sandboxes"].([]any), 1)

	code, _ = doJSON(t, "DELETE", ts.URL+"/sandboxes/"+id, "")
	require.Equal(http.StatusNoContent, code)

	code, _ = doJSON(t, "GET", ts.URL+"/sandboxes/"+id, "")
	assert.Equal(http.StatusNotFound, code)
}

func TestServerHealthz(t *testing.T) {
	assert := assert.New(t)

	ts, _, _ := newTestServer(t)

	code, body := doJSON(t, "GET", fmt.Sprintf("%s/healthz", ts.URL), "")
	assert.Equal(http.StatusOK, code)
	assert.Equal("ok", body["status"])
}
