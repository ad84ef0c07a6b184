package http

import (
	"sort"
	"time"

	"github.com/hwfleet/fleetmaster/internal/model"
)

// Request bodies. Field names match the wire format the workers and the
// dashboard already speak.

type heartbeatRequest struct {
	ID      string     `json:"id"`
	IP      string     `json:"ip"`
	Status  string     `json:"status"`
	Task    string     `json:"task"`
	VNCPort int        `json:"vnc_port"`
	Skills  []skillDTO `json:"skills"`
}

type createTaskRequest struct {
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	ParentTask     string            `json:"parent_task"`
	AssignedWorker string            `json:"assigned_worker"`
	ArtifactDir    string            `json:"artifact_dir"`
	Script         string            `json:"script"`
	Extra          map[string]string `json:"extra"`
}

type stateRequest struct {
	To     string `json:"to"`
	Note   string `json:"note"`
	Worker string `json:"worker"`
}

type chatRequest struct {
	Message string     `json:"message"`
	Images  []imageDTO `json:"images"`
}

type scenarioRequest struct {
	Host   string `json:"host"`
	Name   string `json:"name"`
	Script string `json:"script"`
}

type skillDTO struct {
	Name string `json:"name"`
	Desc string `json:"desc"`
}

type imageDTO struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// encodeTask flattens the task for the wire: status stamps become
// "<status>_at" keys on the object itself, which is what the dashboard
// reads.
func encodeTask(t model.Task) map[string]any {
	out := map[string]any{
		"id":         t.ID,
		"status":     t.Status,
		"created_at": t.CreatedAt,
	}
	setIf := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	setIf("title", t.Title)
	setIf("description", t.Description)
	setIf("type", t.Type)
	setIf("parent_task", t.ParentTask)
	setIf("assigned_worker", t.AssignedWorker)
	setIf("worker", t.Worker)
	setIf("artifact_dir", t.ArtifactDir)
	setIf("script", t.Script)
	if len(t.Extra) > 0 {
		out["extra"] = t.Extra
	}

	for status, at := range t.StatusTimes {
		out[status+"_at"] = at
	}

	transitions := make([]map[string]any, 0, len(t.Transitions))
	for _, tr := range t.Transitions {
		m := map[string]any{"from": tr.From, "to": tr.To, "at": tr.At}
		if tr.Note != "" {
			m["note"] = tr.Note
		}
		if tr.Worker != "" {
			m["worker"] = tr.Worker
		}
		transitions = append(transitions, m)
	}
	out["transitions"] = transitions

	return out
}

func encodeTasks(ts []model.Task) []map[string]any {
	out := make([]map[string]any, 0, len(ts))
	for _, t := range ts {
		out = append(out, encodeTask(t))
	}
	return out
}

type workerDTO struct {
	ID        string     `json:"id"`
	IP        string     `json:"ip"`
	Status    string     `json:"status"`
	Task      string     `json:"task,omitempty"`
	VNCPort   int        `json:"vnc_port,omitempty"`
	Skills    []skillDTO `json:"skills"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func encodeWorker(w model.Worker) workerDTO {
	skills := make([]skillDTO, 0, len(w.Skills))
	for _, s := range w.Skills {
		skills = append(skills, skillDTO{Name: s.Name, Desc: s.Desc})
	}
	return workerDTO{
		ID:        w.ID,
		IP:        w.Addr,
		Status:    w.Status,
		Task:      w.Task,
		VNCPort:   w.VNCPort,
		Skills:    skills,
		UpdatedAt: w.UpdatedAt,
	}
}

type sandboxMessageDTO struct {
	Role   string     `json:"role"`
	Text   string     `json:"text"`
	Images []imageDTO `json:"images,omitempty"`
	At     time.Time  `json:"at"`
}

type toolCallDTO struct {
	Tool    string    `json:"tool"`
	Summary string    `json:"summary"`
	Result  string    `json:"result"`
	At      time.Time `json:"at"`
}

type scenarioDTO struct {
	Name   string `json:"name"`
	Script string `json:"script"`
}

type validationWorkerDTO struct {
	Role      string        `json:"role"`
	Scenarios []scenarioDTO `json:"scenarios"`
}

type sandboxDTO struct {
	ID        string                `json:"id"`
	Port      int                   `json:"port"`
	Status    string                `json:"status"`
	WorkDir   string                `json:"work_dir"`
	Entry     string                `json:"entry,omitempty"`
	Messages  []sandboxMessageDTO   `json:"messages"`
	ToolCalls []toolCallDTO         `json:"tool_calls"`
	Files     []string              `json:"files"`
	Workers   []validationWorkerDTO `json:"workers"`
	CreatedAt time.Time             `json:"created_at"`
}

func encodeSandbox(sb model.Sandbox) sandboxDTO {
	dto := sandboxDTO{
		ID:        sb.ID,
		Port:      sb.Port,
		Status:    string(sb.Status),
		WorkDir:   sb.WorkDir,
		Entry:     sb.Entry,
		Messages:  []sandboxMessageDTO{},
		ToolCalls: []toolCallDTO{},
		Files:     []string{},
		Workers:   []validationWorkerDTO{},
		CreatedAt: sb.CreatedAt,
	}
	for _, m := range sb.Messages {
		md := sandboxMessageDTO{Role: m.Role, Text: m.Text, At: m.At}
		for _, img := range m.Images {
			md.Images = append(md.Images, imageDTO{MediaType: img.MediaType, Data: img.Data})
		}
		dto.Messages = append(dto.Messages, md)
	}
	for _, tc := range sb.ToolCalls {
		dto.ToolCalls = append(dto.ToolCalls, toolCallDTO{Tool: tc.Tool, Summary: tc.Summary, Result: tc.Result, At: tc.At})
	}
	for f := range sb.Files {
		dto.Files = append(dto.Files, f)
	}
	sort.Strings(dto.Files)
	for _, w := range sb.Workers {
		wd := validationWorkerDTO{Role: w.Role, Scenarios: []scenarioDTO{}}
		for _, sc := range w.Scenarios {
			wd.Scenarios = append(wd.Scenarios, scenarioDTO{Name: sc.Name, Script: sc.Script})
		}
		dto.Workers = append(dto.Workers, wd)
	}
	return dto
}
