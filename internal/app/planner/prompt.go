package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hwfleet/fleetmaster/internal/model"
)

const promptTmpl = `You are the master orchestrator for a fleet of Ubuntu 22.04 worker VMs.

## TASK
ID: %s
Title: %s
Description: %s
Type: %s
Extra: %s

## AVAILABLE WORKERS
%s

## ENVIRONMENT
- OS: Ubuntu 22.04, bash, Node.js 22, npm, apt-get (run non-interactive)
- Shared storage mounted on all nodes (read/write)
- Artifact dir for this task: %s/
- MASTER API: %s
- Task ID for state reporting: %s

## HOW WORKERS REPORT PROGRESS
(bash snippet for scripts)
# Report a state change (freeform snake_case):
curl -sX POST %s/task/%s/state -H 'Content-Type: application/json' -d '{"to":"STATE_NAME","note":"human readable note"}'

## YOUR JOB
1. Break the task into worker roles (usually 1-3 workers)
2. For each worker write a complete bash script that:
   - Starts with #!/bin/bash and set -e
   - Reports descriptive states at every step: installing_deps, downloading, processing, encoding, uploading, done
   - Saves all output to %s/
   - Reports done (or failed) at the end
3. Decide which states the task flows through
4. Write a human-friendly plan announcement for the operator

Return ONLY raw valid JSON (no markdown fences, no commentary):
{
  "plan_summary": "one sentence",
  "telegram_message": "operator announcement with markdown and worker names",
  "artifact_dir": "%s/",
  "worker_assignments": [
    {
      "worker_id": "worker-1",
      "role": "renderer",
      "script": "#!/bin/bash\nset -e\n# full script\n..."
    }
  ]
}`

func buildPrompt(t model.Task, workers []model.Worker, env Environment) string {
	extra, _ := json.Marshal(t.Extra)
	if t.Extra == nil {
		extra = []byte("{}")
	}

	roster := make([]string, 0, len(workers))
	for _, w := range workers {
		skills := make([]string, 0, len(w.Skills))
		for _, s := range w.Skills {
			skills = append(skills, s.Name)
		}
		skillList := strings.Join(skills, ",")
		if skillList == "" {
			skillList = "none"
		}
		roster = append(roster, fmt.Sprintf("  - %s addr=%s status=%s skills=[%s]", w.ID, w.Addr, w.Status, skillList))
	}
	rosterInfo := strings.Join(roster, "\n")
	if rosterInfo == "" {
		rosterInfo = "  - (no workers reported yet)"
	}

	title := t.Title
	if title == "" {
		title = "(none)"
	}
	taskType := t.Type
	if taskType == "" {
		taskType = "general"
	}

	return fmt.Sprintf(promptTmpl,
		t.ID, title, t.Description, taskType, extra,
		rosterInfo,
		env.ArtifactDir, env.MasterURL, t.ID,
		env.MasterURL, t.ID,
		env.ArtifactDir,
		env.ArtifactDir,
	)
}

type planPayload struct {
	PlanSummary       string `json:"plan_summary"`
	TelegramMessage   string `json:"telegram_message"`
	ArtifactDir       string `json:"artifact_dir"`
	WorkerAssignments []struct {
		WorkerID string `json:"worker_id"`
		Role     string `json:"role"`
		Script   string `json:"script"`
	} `json:"worker_assignments"`
}

// parsePlan extracts the plan JSON from a model answer. It tolerates
// surrounding prose by taking everything between the first and last brace.
func parsePlan(raw string, env Environment) (*model.Plan, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in answer: %w", model.ErrNotValid)
	}

	payload := planPayload{}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("could not unmarshal plan: %w: %w", err, model.ErrNotValid)
	}

	artifactDir := strings.TrimSuffix(payload.ArtifactDir, "/")
	if artifactDir == "" {
		artifactDir = env.ArtifactDir
	}

	p := &model.Plan{
		Summary:      payload.PlanSummary,
		Notification: payload.TelegramMessage,
		ArtifactDir:  artifactDir,
	}
	for _, a := range payload.WorkerAssignments {
		p.Assignments = append(p.Assignments, model.PlanAssignment{
			WorkerID: a.WorkerID,
			Role:     a.Role,
			Script:   a.Script,
		})
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	return p, nil
}
