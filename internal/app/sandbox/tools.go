package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hwfleet/fleetmaster/internal/model"
	"github.com/hwfleet/fleetmaster/internal/reasoning"
)

const (
	// toolOutputLimit bounds the output fed back to the reasoning service.
	toolOutputLimit = 8000
	// toolLogLimit bounds the result stored in the sandbox tool-call log.
	toolLogLimit = 500
)

func (s *Service) toolDefinitions() []reasoning.ToolDefinition {
	return []reasoning.ToolDefinition{
		{
			Name:        "write_file",
			Description: "Write a file in the sandbox. Relative paths are resolved against the working directory, parent directories are created.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "File path, relative to the working directory."},
					"content": map[string]any{"type": "string", "description": "Full file content."},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "bash",
			Description: "Run a bash command in the sandbox working directory and return its combined output and exit code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Command to run."},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        "deploy",
			Description: "Deploy the application: kill anything on the sandbox port and start the entry point detached with PORT set.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entry_point": map[string]any{"type": "string", "description": "Command that starts the application, e.g. 'node server.js'."},
				},
				"required": []string{"entry_point"},
			},
		},
		{
			Name:        "suggest_workers",
			Description: "Suggest validation workers for the deployed application. Stored for later execution, never run automatically.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"workers": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"role": map[string]any{"type": "string"},
								"scenarios": map[string]any{
									"type": "array",
									"items": map[string]any{
										"type": "object",
										"properties": map[string]any{
											"name":   map[string]any{"type": "string"},
											"script": map[string]any{"type": "string"},
										},
										"required": []string{"name", "script"},
									},
								},
							},
							"required": []string{"role"},
						},
					},
				},
				"required": []string{"workers"},
			},
		},
	}
}

// executeTool validates and runs one tool call, records it in the sandbox
// tool log and returns the content to feed back to the reasoning service.
// Unknown tools and malformed arguments are returned as tool errors, never
// executed.
func (s *Service) executeTool(ctx context.Context, sb *model.Sandbox, call reasoning.ToolCall) (content string, isError bool) {
	var summary string

	switch call.Name {
	case "write_file":
		summary, content, isError = s.toolWriteFile(ctx, sb, call.Input)
	case "bash":
		summary, content, isError = s.toolBash(ctx, sb, call.Input)
	case "deploy":
		summary, content, isError = s.toolDeploy(ctx, sb, call.Input)
	case "suggest_workers":
		summary, content, isError = s.toolSuggestWorkers(sb, call.Input)
	default:
		summary = call.Name
		content = fmt.Sprintf("unknown tool %q", call.Name)
		isError = true
	}

	sb.ToolCalls = append(sb.ToolCalls, model.ToolCallRecord{
		Tool:    call.Name,
		Summary: summary,
		Result:  truncate(content, toolLogLimit),
		At:      time.Now().UTC(),
	})

	return truncate(content, toolOutputLimit), isError
}

func (s *Service) toolWriteFile(ctx context.Context, sb *model.Sandbox, input map[string]any) (summary, content string, isError bool) {
	filePath, err := stringArg(input, "path")
	if err != nil {
		return "write_file", err.Error(), true
	}
	fileContent, err := stringArg(input, "content")
	if err != nil {
		return filePath, err.Error(), true
	}

	if !path.IsAbs(filePath) {
		filePath = path.Join(sb.WorkDir, filePath)
	}

	if err := s.runner.WriteFile(ctx, s.buildHost, filePath, []byte(fileContent), 0o644); err != nil {
		return filePath, fmt.Sprintf("could not write file: %s", err), true
	}

	if sb.Files == nil {
		sb.Files = map[string]string{}
	}
	sb.Files[filePath] = fileContent

	return filePath, fmt.Sprintf("wrote %d bytes to %s", len(fileContent), filePath), false
}

func (s *Service) toolBash(ctx context.Context, sb *model.Sandbox, input map[string]any) (summary, content string, isError bool) {
	command, err := stringArg(input, "command")
	if err != nil {
		return "bash", err.Error(), true
	}

	res, err := s.runner.Exec(ctx, s.buildHost, fmt.Sprintf("cd %q && %s", sb.WorkDir, command))
	if err != nil {
		return command, fmt.Sprintf("could not run command: %s", err), true
	}

	return command, fmt.Sprintf("exit code %d\n%s", res.ExitCode, res.Output), res.ExitCode != 0
}

func (s *Service) toolDeploy(ctx context.Context, sb *model.Sandbox, input map[string]any) (summary, content string, isError bool) {
	entry, err := stringArg(input, "entry_point")
	if err != nil {
		return "deploy", err.Error(), true
	}

	if _, err := s.runner.Exec(ctx, s.buildHost, fmt.Sprintf("fuser -k %d/tcp || true", sb.Port)); err != nil {
		return entry, fmt.Sprintf("could not free port %d: %s", sb.Port, err), true
	}

	start := fmt.Sprintf("cd %q && PORT=%d nohup setsid %s > app.log 2>&1 &", sb.WorkDir, sb.Port, entry)
	if _, err := s.runner.Exec(ctx, s.buildHost, start); err != nil {
		return entry, fmt.Sprintf("could not start entry point: %s", err), true
	}

	sb.Status = model.SandboxStatusDeployed
	sb.Entry = entry

	// Liveness probe, best effort. A slow-starting app still counts as
	// deployed.
	probe := fmt.Sprintf("sleep 1 && curl -sf -m 3 http://localhost:%d/ > /dev/null", sb.Port)
	res, err := s.runner.Exec(ctx, s.buildHost, probe)
	if err != nil || res.ExitCode != 0 {
		return entry, fmt.Sprintf("deployed %q on port %d (liveness probe did not answer yet)", entry, sb.Port), false
	}

	return entry, fmt.Sprintf("deployed %q on port %d, liveness probe OK", entry, sb.Port), false
}

func (s *Service) toolSuggestWorkers(sb *model.Sandbox, input map[string]any) (summary, content string, isError bool) {
	rawWorkers, ok := input["workers"].([]any)
	if !ok {
		return "suggest_workers", `missing or invalid required argument "workers"`, true
	}

	workers := make([]model.ValidationWorker, 0, len(rawWorkers))
	for i, rw := range rawWorkers {
		w, ok := rw.(map[string]any)
		if !ok {
			return "suggest_workers", fmt.Sprintf("worker %d is not an object", i), true
		}
		role, err := stringArg(w, "role")
		if err != nil {
			return "suggest_workers", fmt.Sprintf("worker %d: %s", i, err), true
		}

		vw := model.ValidationWorker{Role: role}
		if rawScenarios, ok := w["scenarios"].([]any); ok {
			for j, rs := range rawScenarios {
				sc, ok := rs.(map[string]any)
				if !ok {
					return role, fmt.Sprintf("worker %d scenario %d is not an object", i, j), true
				}
				name, err := stringArg(sc, "name")
				if err != nil {
					return role, fmt.Sprintf("worker %d scenario %d: %s", i, j, err), true
				}
				script, err := stringArg(sc, "script")
				if err != nil {
					return role, fmt.Sprintf("worker %d scenario %d: %s", i, j, err), true
				}
				vw.Scenarios = append(vw.Scenarios, model.ValidationScenario{Name: name, Script: script})
			}
		}
		workers = append(workers, vw)
	}

	sb.Workers = workers

	roles := make([]string, 0, len(workers))
	for _, w := range workers {
		roles = append(roles, w.Role)
	}

	return strings.Join(roles, ","), fmt.Sprintf("stored %d validation worker(s)", len(workers)), false
}

func stringArg(input map[string]any, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Cutting mid-rune would feed invalid UTF-8 back into the request body.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "\n[truncated]"
}
