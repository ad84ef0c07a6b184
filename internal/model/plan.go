package model

import "fmt"

// PlanAssignment assigns one worker role and its executable script.
type PlanAssignment struct {
	WorkerID string
	Role     string
	Script   string
}

// Plan is an execution plan for a top-level task: a set of worker role
// assignments plus operator-facing messaging.
type Plan struct {
	// Summary is a one sentence description of the plan.
	Summary string
	// Notification is the operator-facing plan announcement.
	Notification string
	// ArtifactDir is the shared directory where scripts and outputs land.
	ArtifactDir string
	Assignments []PlanAssignment
}

// Validate validates the plan.
func (p *Plan) Validate() error {
	if len(p.Assignments) == 0 {
		return fmt.Errorf("plan has no worker assignments: %w", ErrNotValid)
	}
	for i, a := range p.Assignments {
		if a.WorkerID == "" {
			return fmt.Errorf("assignment %d has no worker id: %w", i, ErrNotValid)
		}
		if a.Script == "" {
			return fmt.Errorf("assignment %d has no script: %w", i, ErrNotValid)
		}
	}
	return nil
}
