package model

import (
	"fmt"
	"time"
)

// Well-known worker statuses. Workers report their own status on every
// heartbeat, the values are not enforced.
const (
	// WorkerStatusActive indicates the worker is up and polling for tasks.
	WorkerStatusActive = "active"
	// WorkerStatusActivating indicates the worker is still bootstrapping.
	WorkerStatusActivating = "activating"
	// WorkerStatusFailed indicates the worker reported a failure.
	WorkerStatusFailed = "failed"
)

// Skill is a capability advertised by a worker.
type Skill struct {
	Name string
	Desc string
}

// Worker represents a remote worker machine of the fleet.
//
// The record is a heartbeat snapshot: it is upserted wholesale on every
// heartbeat and keeps no history. Staleness is not enforced by the store,
// consumers must check UpdatedAt against their own liveness window.
type Worker struct {
	ID      string
	Addr    string
	Status  string
	Task    string
	VNCPort int
	Skills  []Skill
	// UpdatedAt is the time of the last heartbeat.
	UpdatedAt time.Time
}

// Validate validates the worker record.
func (w *Worker) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("worker id is required: %w", ErrNotValid)
	}
	return nil
}

// AliveAt reports whether the worker heartbeated within the given window
// before now.
func (w *Worker) AliveAt(now time.Time, window time.Duration) bool {
	return now.Sub(w.UpdatedAt) <= window
}
