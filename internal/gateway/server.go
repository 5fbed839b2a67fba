// Package gateway is the HTTP surface of the engine: task submission and
// status for callers, plus the internal trigger endpoint the processing
// chain posts to.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/trigger"
)

// Server is the Loom gateway HTTP server.
type Server struct {
	httpServer *http.Server
	store      store.Store
	dispatch   trigger.Trigger
	bus        *events.Bus
	hub        *Hub
	host       string
	port       int
}

// NewServer creates a gateway over the run store. dispatch receives every
// stack run id that becomes processable here: fresh roots on submission and
// ids posted to the internal trigger endpoint.
func NewServer(st store.Store, dispatch trigger.Trigger, bus *events.Bus, host string, port int) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		store:    st,
		dispatch: dispatch,
		bus:      bus,
		host:     host,
		port:     port,
	}

	s.hub = NewHub(bus)

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/events/stream", s.hub.ServeWS)

	// API: tasks
	r.Post("/api/tasks/execute", s.handleExecute)
	r.Get("/api/tasks/status/{taskRunID}", s.handleStatus)
	r.Post("/api/tasks/cancel/{taskRunID}", s.handleCancel)
	r.Get("/api/tasks/{taskRunID}/runs", s.handleStackRuns)

	// Internal: trigger chaining
	r.Post("/api/internal/runs/process", s.handleProcess)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("Loom gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type executeRequest struct {
	TaskID string          `json:"task_id"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type executeResponse struct {
	TaskRunID string `json:"task_run_id"`
}

// handleExecute creates the task run plus its root stack run and fires the
// first trigger. Always returns immediately; completion is observed via the
// status endpoint.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	tr, root, err := s.store.Submit(r.Context(), req.TaskID, req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.bus.Publish(events.NewEvent(events.EventTaskSubmitted, events.SourceGateway, tr.ID, map[string]any{
		"task_id":      tr.TaskID,
		"stack_run_id": root.ID,
	}))
	s.dispatch.Fire(r.Context(), root.ID)

	writeJSON(w, http.StatusAccepted, executeResponse{TaskRunID: tr.ID})
}

type statusResponse struct {
	TaskRunID           string          `json:"task_run_id"`
	TaskID              string          `json:"task_id"`
	Status              string          `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	Error               string          `json:"error,omitempty"`
	WaitingOnStackRunID string          `json:"waiting_on_stack_run_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	EndedAt             *time.Time      `json:"ended_at,omitempty"`
}

// handleStatus is a pure read. It never triggers processing as a side
// effect.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tr, err := s.store.GetTaskRun(r.Context(), chi.URLParam(r, "taskRunID"))
	if err == store.ErrNotFound {
		http.Error(w, "task run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		TaskRunID:           tr.ID,
		TaskID:              tr.TaskID,
		Status:              string(tr.Status),
		Result:              tr.Result,
		Error:               tr.Error,
		WaitingOnStackRunID: tr.WaitingOnStackRunID,
		CreatedAt:           tr.CreatedAt,
		EndedAt:             tr.EndedAt,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskRunID")
	err := s.store.CancelTaskRun(r.Context(), id)
	if err == store.ErrNotFound {
		http.Error(w, "task run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.Publish(events.NewEvent(events.EventTaskCancelled, events.SourceGateway, id, nil))
	writeJSON(w, http.StatusAccepted, map[string]string{"task_run_id": id})
}

// handleStackRuns lists all slices of a task run, oldest first. Partial
// progress stays inspectable after the task run ends.
func (s *Server) handleStackRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskRunID")
	if _, err := s.store.GetTaskRun(r.Context(), id); err == store.ErrNotFound {
		http.Error(w, "task run not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	list, err := s.store.ListStackRuns(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type processRequest struct {
	StackRunID string `json:"stack_run_id"`
}

// handleProcess is the internal trigger endpoint: fire-and-forget,
// idempotent, acknowledges before the step runs.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.StackRunID == "" {
		http.Error(w, "stack_run_id is required", http.StatusBadRequest)
		return
	}

	s.dispatch.Fire(r.Context(), req.StackRunID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}
	writeJSON(w, http.StatusOK, s.bus.History(limit))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
