package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hwfleet/fleetmaster/internal/app/worker"
	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/storage/storagemock"
)

func TestServiceHeartbeat(t *testing.T) {
	tests := map[string]struct {
		worker     model.Worker
		setupMocks func(m *storagemock.MockRepository)
		expErr     bool
	}{
		"A heartbeat without a worker id should fail.": {
			worker: model.Worker{Status: "idle"},
			expErr: true,
		},

		"A heartbeat should store the worker and stamp the update time.": {
			worker: model.Worker{
				ID:     "render-1",
				Addr:   "10.0.0.7",
				Status: "idle",
				Skills: []model.Skill{{Name: "blender", Desc: "Blender 4 renders"}},
			},
			setupMocks: func(m *storagemock.MockRepository) {
				m.On("UpsertWorker", mock.Anything, mock.MatchedBy(func(w model.Worker) bool {
					return w.ID == "render-1" && !w.UpdatedAt.IsZero() && len(w.Skills) == 1
				})).Once().Return(nil)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			mr := &storagemock.MockRepository{}
			if test.setupMocks != nil {
				test.setupMocks(mr)
			}

			svc, err := worker.NewService(worker.ServiceConfig{Repository: mr})
			require.NoError(err)

			got, err := svc.Heartbeat(context.TODO(), test.worker)

			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
				assert.Equal(test.worker.ID, got.ID)
				assert.WithinDuration(time.Now(), got.UpdatedAt, time.Minute)
				mr.AssertExpectations(t)
			}
		})
	}
}

func TestServiceListAlive(t *testing.T) {
	now := time.Now().UTC()

	tests := map[string]struct {
		window     time.Duration
		setupMocks func(m *storagemock.MockRepository)
		expIDs     []string
	}{
		"Workers with stale heartbeats should be filtered out.": {
			setupMocks: func(m *storagemock.MockRepository) {
				m.On("ListWorkers", mock.Anything).Once().Return([]model.Worker{
					{ID: "w1", UpdatedAt: now.Add(-5 * time.Second)},
					{ID: "w2", UpdatedAt: now.Add(-5 * time.Minute)},
					{ID: "w3", UpdatedAt: now.Add(-30 * time.Second)},
				}, nil)
			},
			expIDs: []string{"w1", "w3"},
		},

		"A custom liveness window should apply.": {
			window: 10 * time.Second,
			setupMocks: func(m *storagemock.MockRepository) {
				m.On("ListWorkers", mock.Anything).Once().Return([]model.Worker{
					{ID: "w1", UpdatedAt: now.Add(-5 * time.Second)},
					{ID: "w3", UpdatedAt: now.Add(-30 * time.Second)},
				}, nil)
			},
			expIDs: []string{"w1"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			mr := &storagemock.MockRepository{}
			test.setupMocks(mr)

			svc, err := worker.NewService(worker.ServiceConfig{Repository: mr, LivenessWindow: test.window})
			require.NoError(err)

			got, err := svc.ListAlive(context.TODO())
			require.NoError(err)

			gotIDs := []string{}
			for _, w := range got {
				gotIDs = append(gotIDs, w.ID)
			}
			assert.Equal(test.expIDs, gotIDs)
		})
	}
}
