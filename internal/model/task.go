package model

import (
	"fmt"
	"time"
)

// Well-known task statuses. The status field itself is an open string so
// worker scripts can report granular progress (e.g. "installing_chromium")
// without a central schema change. Only the terminal statuses form a closed
// set that aggregation and dispatch treat specially.
const (
	// TaskStatusQueued is the initial status of a top-level task, waiting
	// for the planner to pick it up.
	TaskStatusQueued = "queued"
	// TaskStatusPlanning indicates the planner is generating a plan for the task.
	TaskStatusPlanning = "planning"
	// TaskStatusAssigning indicates the plan is being split into child tasks.
	TaskStatusAssigning = "assigning"
	// TaskStatusPending is the initial status of a child task, ready for dispatch.
	TaskStatusPending = "pending"
	// TaskStatusAssigned indicates a worker has claimed the task.
	TaskStatusAssigned = "assigned"
	// TaskStatusDone indicates the task finished successfully. Terminal.
	TaskStatusDone = "done"
	// TaskStatusFailed indicates the task failed. Terminal.
	TaskStatusFailed = "failed"
	// TaskStatusCancelled indicates the task was cancelled by an operator. Terminal.
	TaskStatusCancelled = "cancelled"
)

// IsTerminalTaskStatus reports whether a status belongs to the closed
// terminal set. Free-form progress statuses are never terminal.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusDone, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskTransition is a single entry of a task's append-only transition log.
type TaskTransition struct {
	// From is the previous status, empty for the creation transition.
	From string
	// To is the new status.
	To string
	// At is when the transition happened.
	At time.Time
	// Note is an optional human readable note.
	Note string
	// Worker is the worker that reported the transition, if any.
	Worker string
	// Manual marks transitions issued through the state endpoint rather
	// than by the store itself.
	Manual bool
}

// Task represents a unit of requested work.
//
// Tasks are never deleted: state only moves forward by appending
// transitions. A task with ParentTask set is a child created by the planner
// and is excluded from planner pickup.
type Task struct {
	ID             string
	Title          string
	Description    string
	Type           string
	Status         string
	ParentTask     string
	AssignedWorker string
	Worker         string
	ArtifactDir    string
	Script         string
	Extra          map[string]string
	CreatedAt      time.Time
	// StatusTimes records the "<status>_at" timestamp of every status the
	// task has reached, keyed by status name.
	StatusTimes map[string]time.Time
	Transitions []TaskTransition
}

// TaskSpec is the caller-provided definition for creating a task.
type TaskSpec struct {
	Title          string
	Description    string
	Type           string
	Status         string // Defaults to queued.
	ParentTask     string
	AssignedWorker string
	ArtifactDir    string
	Script         string
	Extra          map[string]string
}

// Validate validates the task spec.
func (s *TaskSpec) Validate() error {
	if s.Title == "" && s.Description == "" {
		return fmt.Errorf("title or description is required: %w", ErrNotValid)
	}
	return nil
}

// LastTransition returns the most recent transition of the task, nil if the
// log is empty.
func (t *Task) LastTransition() *TaskTransition {
	if len(t.Transitions) == 0 {
		return nil
	}
	return &t.Transitions[len(t.Transitions)-1]
}

// Label returns a human friendly identifier for the task.
func (t *Task) Label() string {
	switch {
	case t.Title != "":
		return t.Title
	case t.Description != "":
		return t.Description
	}
	return t.ID
}
