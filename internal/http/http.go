// Package http exposes the orchestrator API used by workers, the planner's
// operators and the sandbox callers.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hwfleet/fleetmaster/internal/app/dispatch"
	"github.com/hwfleet/fleetmaster/internal/app/sandbox"
	"github.com/hwfleet/fleetmaster/internal/app/task"
	"github.com/hwfleet/fleetmaster/internal/app/worker"
	"github.com/hwfleet/fleetmaster/internal/log"
	"github.com/hwfleet/fleetmaster/internal/model"
)

// ServerConfig is the configuration for the API server.
type ServerConfig struct {
	Tasks     *task.Service
	Dispatch  *dispatch.Service
	Workers   *worker.Service
	Sandboxes *sandbox.Service
	Logger    log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("task service is required")
	}
	if c.Dispatch == nil {
		return fmt.Errorf("dispatch service is required")
	}
	if c.Workers == nil {
		return fmt.Errorf("worker service is required")
	}
	if c.Sandboxes == nil {
		return fmt.Errorf("sandbox service is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "http.Server"})
	return nil
}

// Server is the JSON API server.
type Server struct {
	tasks     *task.Service
	dispatch  *dispatch.Service
	workers   *worker.Service
	sandboxes *sandbox.Service
	logger    log.Logger
	handler   http.Handler
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		tasks:     cfg.Tasks,
		dispatch:  cfg.Dispatch,
		workers:   cfg.Workers,
		sandboxes: cfg.Sandboxes,
		logger:    cfg.Logger,
	}
	s.handler = s.routes()

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /worker/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /worker/task/{id}", s.handleClaimTask)

	mux.HandleFunc("POST /task", s.handleCreateTask)
	mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	mux.HandleFunc("POST /task/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /task/{id}/state", s.handleTaskState)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /sandboxes", s.handleCreateSandbox)
	mux.HandleFunc("GET /sandboxes", s.handleListSandboxes)
	mux.HandleFunc("GET /sandboxes/{id}", s.handleGetSandbox)
	mux.HandleFunc("POST /sandboxes/{id}/chat", s.handleSandboxChat)
	mux.HandleFunc("POST /sandboxes/{id}/scenario", s.handleSandboxScenario)
	mux.HandleFunc("DELETE /sandboxes/{id}", s.handleDeleteSandbox)

	return mux
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req := heartbeatRequest{}
	if !s.decode(w, r, &req) {
		return
	}

	skills := make([]model.Skill, 0, len(req.Skills))
	for _, sk := range req.Skills {
		skills = append(skills, model.Skill{Name: sk.Name, Desc: sk.Desc})
	}
	got, err := s.workers.Heartbeat(r.Context(), model.Worker{
		ID:      req.ID,
		Addr:    req.IP,
		Status:  req.Status,
		Task:    req.Task,
		VNCPort: req.VNCPort,
		Skills:  skills,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "worker": encodeWorker(*got)})
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	got, err := s.dispatch.ClaimNext(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if got == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"task": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": encodeTask(*got)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	req := createTaskRequest{}
	if !s.decode(w, r, &req) {
		return
	}

	got, err := s.tasks.Create(r.Context(), model.TaskSpec{
		Title:          req.Title,
		Description:    req.Description,
		Type:           req.Type,
		Status:         req.Status,
		ParentTask:     req.ParentTask,
		AssignedWorker: req.AssignedWorker,
		ArtifactDir:    req.ArtifactDir,
		Script:         req.Script,
		Extra:          req.Extra,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{"task": encodeTask(*got)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	got, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": encodeTask(*got)})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	got, err := s.tasks.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": encodeTask(*got)})
}

func (s *Server) handleTaskState(w http.ResponseWriter, r *http.Request) {
	req := stateRequest{}
	if !s.decode(w, r, &req) {
		return
	}

	got, err := s.tasks.Transition(r.Context(), task.TransitionRequest{
		TaskID: r.PathValue("id"),
		To:     req.To,
		Note:   req.Note,
		Worker: req.Worker,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": encodeTask(*got)})
}

// handleStatus keeps the {workers: map, tasks: []} snapshot shape the
// dashboard expects.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	workerMap := map[string]workerDTO{}
	for _, wk := range workers {
		workerMap[wk.ID] = encodeWorker(wk)
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workers": workerMap,
		"tasks":   encodeTasks(tasks),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	got, err := s.sandboxes.Create(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"sandbox": encodeSandbox(*got)})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	got, err := s.sandboxes.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	dtos := make([]sandboxDTO, 0, len(got))
	for _, sb := range got {
		dtos = append(dtos, encodeSandbox(sb))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sandboxes": dtos})
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	got, err := s.sandboxes.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sandbox": encodeSandbox(*got)})
}

func (s *Server) handleSandboxChat(w http.ResponseWriter, r *http.Request) {
	req := chatRequest{}
	if !s.decode(w, r, &req) {
		return
	}

	images := make([]model.SandboxImage, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, model.SandboxImage{MediaType: img.MediaType, Data: img.Data})
	}

	got, err := s.sandboxes.Chat(r.Context(), r.PathValue("id"), req.Message, images)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// 202: the build continues in the background, poll the sandbox.
	s.writeJSON(w, http.StatusAccepted, map[string]any{"sandbox": encodeSandbox(*got)})
}

func (s *Server) handleSandboxScenario(w http.ResponseWriter, r *http.Request) {
	req := scenarioRequest{}
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.sandboxes.RunScenario(r.Context(), r.PathValue("id"), req.Host, model.ValidationScenario{
		Name:   req.Name,
		Script: req.Script,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"exit_code": res.ExitCode,
		"output":    res.Output,
	})
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.sandboxes.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(w, fmt.Errorf("could not decode request body: %w: %w", err, model.ErrNotValid))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorf("Could not encode response: %s", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNotValid):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrAlreadyExists):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %s", err)
	}

	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}
