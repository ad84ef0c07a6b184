package storage

import (
	"time"

	"github.com/hwfleet/fleetmaster/internal/model"
)

// ApplyClaim mutates a pending task into its claimed state. Shared by the
// repository implementations so the claim transition looks the same
// regardless of the backend.
func ApplyClaim(t *model.Task, workerID string, now time.Time) {
	t.Transitions = append(t.Transitions, model.TaskTransition{
		From:   t.Status,
		To:     model.TaskStatusAssigned,
		At:     now,
		Worker: workerID,
	})
	t.Status = model.TaskStatusAssigned
	t.Worker = workerID
	if t.StatusTimes == nil {
		t.StatusTimes = map[string]time.Time{}
	}
	t.StatusTimes[model.TaskStatusAssigned] = now
}
