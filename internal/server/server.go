// Package server exposes conversations over HTTP: messages stream back as
// server-sent events or over a WebSocket, and tasks, messages and background
// processes can be inspected.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeloop/internal/audit"
	"codeloop/internal/config"
	"codeloop/internal/logging"
	"codeloop/internal/orchestrator"
	"codeloop/internal/process"
	"codeloop/internal/sandbox"
	"codeloop/internal/store"
	"codeloop/internal/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Runner runs one conversation turn. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request, sink transport.Sink) (orchestrator.Outcome, error)
	SetOptions(opts orchestrator.Options)
}

// Server serves the HTTP API.
type Server struct {
	runner    Runner
	store     store.Store
	sandboxes *sandbox.Manager
	cfg       config.ServerConfig
	upgrader  websocket.Upgrader
	runs      *runRegistry
	audit     *audit.Logger
}

// New creates a server.
func New(runner Runner, st store.Store, sandboxes *sandbox.Manager, cfg config.ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = config.DefaultServerAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	return &Server{
		runner:    runner,
		store:     st,
		sandboxes: sandboxes,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		runs: newRunRegistry(),
	}
}

// SetAuditLogger exposes the tool executions recorded by logger.
func (s *Server) SetAuditLogger(logger *audit.Logger) {
	s.audit = logger
}

// ApplyConfig updates the options of conversations started after the call.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.runner.SetOptions(orchestrator.OptionsFromConfig(cfg))
	logging.Info("applied configuration",
		"max_rounds", cfg.Orchestrator.MaxRounds,
		"command_timeout", cfg.Drain.CommandTimeout)
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/projects", s.handleProjects)
	mux.HandleFunc("POST /api/projects/{project}/messages", s.handleMessage)
	mux.HandleFunc("GET /api/projects/{project}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/projects/{project}/processes", s.handleProcesses)
	mux.HandleFunc("DELETE /api/projects/{project}/processes/{id}", s.handleKillProcess)
	mux.HandleFunc("GET /api/projects/{project}/audit", s.handleAudit)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	return logRequests(mux)
}

// Run listens on the configured address until ctx is done, then shuts down
// gracefully and cancels conversations still running.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.runs.cancelAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("server shutdown", "error", err)
		}
	}()

	logging.Info("server listening", "addr", listener.Addr().String())
	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// messageRequest is the body of a user message.
type messageRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if err := sandbox.ValidateProject(project); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		respondError(w, r, http.StatusBadRequest, "content is required")
		return
	}

	req := orchestrator.Request{
		TaskID:         uuid.NewString(),
		ConversationID: body.ConversationID,
		Project:        project,
		Content:        body.Content,
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	ctx, done := s.track(r.Context(), req.TaskID)
	defer done()

	w.Header().Set("X-Task-ID", req.TaskID)
	w.Header().Set("X-Conversation-ID", req.ConversationID)
	sse, err := transport.NewSSE(w)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.run(ctx, req, sse)
}

// track registers a cancellable context for taskID. The task is
// cancellable from the moment its ID is handed out.
func (s *Server) track(ctx context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.runs.add(taskID, cancel)
	return ctx, func() {
		s.runs.remove(taskID)
		cancel()
	}
}

func (s *Server) run(ctx context.Context, req orchestrator.Request, sink transport.Sink) orchestrator.Outcome {
	out, err := s.runner.Run(ctx, req, sink)
	if err != nil {
		logging.Debug("conversation ended with error", "task_id", req.TaskID, "status", out.Status, "error", err)
	}
	return out
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runs.cancel(id) {
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancelled": true})
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "cancelled": false, "status": task.Status})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	procs := []process.Info{}
	if sb, ok := s.sandboxes.Lookup(r.PathValue("project")); ok {
		procs = append(procs, sb.Processes().List()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": procs})
}

func (s *Server) handleKillProcess(w http.ResponseWriter, r *http.Request) {
	sb, ok := s.sandboxes.Lookup(r.PathValue("project"))
	if !ok {
		respondError(w, r, http.StatusNotFound, "project has no open workspace")
		return
	}
	id := r.PathValue("id")
	if err := sb.Processes().Kill(id); err != nil {
		if errors.Is(err, process.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "killed": true})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.sandboxes.Projects()})
}

// handleAudit lists recorded tool executions of a project, oldest first.
// Query parameters tool, conversation_id, success and limit narrow the list.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if err := sandbox.ValidateProject(project); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := audit.QueryFilter{
		Project:        project,
		ToolName:       q.Get("tool"),
		ConversationID: q.Get("conversation_id"),
	}
	if v := q.Get("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid success filter")
			return
		}
		filter.Success = &ok
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	entries := s.audit.Query(filter)
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, r, http.StatusInternalServerError, err.Error())
}

func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logging.Warn("request failed",
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
		"error", message)
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to write response", "error", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

// runRegistry tracks cancel functions of running conversations.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]context.CancelFunc)}
}

func (r *runRegistry) add(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[id] = cancel
}

func (r *runRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

func (r *runRegistry) cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.runs[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *runRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.runs {
		cancel()
	}
}
