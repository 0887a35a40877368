package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/conductor/internal/locks"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/registry"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/tasks"
)

// Server provides the HTTP API for Conductor.
type Server struct {
	service *Service
	addr    string
	version string
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr, version string, logger *slog.Logger) *Server {
	return &Server{
		service: service,
		addr:    addr,
		version: version,
		logger:  logging.OrDiscard(logger).With("component", "http"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("GET /scheduler", s.handleScheduler)

	// Task endpoints
	mux.HandleFunc("POST /projects/{project}/tasks", s.createTask)
	mux.HandleFunc("GET /projects/{project}/tasks", s.listTasks)
	mux.HandleFunc("GET /projects/{project}/tasks/next", s.nextTask)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.deleteTask)
	mux.HandleFunc("POST /tasks/{id}/claim", s.claimTask)
	mux.HandleFunc("POST /tasks/{id}/release", s.releaseTask)
	mux.HandleFunc("POST /tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /tasks/{id}/block", s.blockTask)
	mux.HandleFunc("POST /tasks/{id}/dispatch", s.dispatchTask)

	// Instance endpoints
	mux.HandleFunc("POST /instances", s.registerInstance)
	mux.HandleFunc("GET /instances/{id}", s.getInstance)
	mux.HandleFunc("POST /instances/{id}/heartbeat", s.heartbeat)
	mux.HandleFunc("POST /instances/{id}/disconnect", s.disconnectInstance)
	mux.HandleFunc("POST /instances/{id}/claim-next", s.claimNext)
	mux.HandleFunc("GET /projects/{project}/instances", s.listInstances)

	// Lock endpoints
	mux.HandleFunc("GET /projects/{project}/locks", s.listLocks)
	mux.HandleFunc("POST /projects/{project}/locks", s.acquireLock)
	mux.HandleFunc("POST /projects/{project}/locks/release", s.releaseLock)
	mux.HandleFunc("POST /projects/{project}/locks/force-release", s.forceReleaseLock)
	mux.HandleFunc("POST /projects/{project}/locks/extend", s.extendLock)
	mux.HandleFunc("POST /projects/{project}/locks/bulk", s.bulkAcquire)
	mux.HandleFunc("POST /projects/{project}/locks/release-instance", s.releaseInstanceLocks)
	mux.HandleFunc("GET /projects/{project}/locks/check", s.checkLocks)

	// Orchestrator endpoints
	mux.HandleFunc("POST /projects/{project}/dispatch", s.dispatchRound)
	mux.HandleFunc("GET /projects/{project}/stats", s.stats)

	// Gateway endpoints
	mux.HandleFunc("GET /machines/{machine}/messages", s.consumeMessages)
	mux.HandleFunc("POST /machines/{machine}/messages", s.sendMessage)
	mux.HandleFunc("POST /machines/{machine}/requests", s.sendRequest)
	mux.HandleFunc("POST /replies/{requestId}", s.postReply)

	return s.logRequests(mux)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // long enough for request/reply waits
	}

	s.logger.Info("starting conductor daemon", "addr", s.addr, "version", s.version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody(err))
}

// decode reads an optional JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// --- System handlers ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.DB.Ping(r.Context()); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, &store.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.service.Audit.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if s.service.Scheduler == nil {
		s.writeError(w, fmt.Errorf("%w: scheduler is not running", ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, s.service.Scheduler.Stats())
}

// --- Task handlers ---

type createTaskRequest struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Priority      models.Priority `json:"priority"`
	Wave          *int            `json:"wave"`
	Dependencies  []string        `json:"dependencies"`
	FilePaths     []string        `json:"file_paths"`
	EstimatedCost float64         `json:"estimated_cost"`
	CreatedBy     string          `json:"created_by"`
	// Dispatch tries to assign the task immediately.
	Dispatch bool `json:"dispatch"`
}

type createTaskResponse struct {
	Task     *models.Task                 `json:"task"`
	Dispatch *orchestrator.DispatchResult `json:"dispatch,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	task, dispatch, err := s.service.CreateTaskAndDispatch(r.Context(), tasks.CreateParams{
		ProjectID:     r.PathValue("project"),
		Wave:          req.Wave,
		Title:         req.Title,
		Description:   req.Description,
		Priority:      req.Priority,
		Dependencies:  req.Dependencies,
		FilePaths:     req.FilePaths,
		EstimatedCost: req.EstimatedCost,
		CreatedBy:     req.CreatedBy,
	}, req.Dispatch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResponse{Task: task, Dispatch: dispatch})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tasks.Filter{
		ProjectID:  r.PathValue("project"),
		Status:     models.TaskStatus(q.Get("status")),
		AssignedTo: q.Get("assignee"),
		Priority:   models.Priority(q.Get("priority")),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, &store.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)})
		return
	}
	if f.Priority != "" && !f.Priority.Valid() {
		s.writeError(w, &store.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", f.Priority)})
		return
	}
	if raw := q.Get("wave"); raw != "" {
		wave, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, &store.ValidationError{Field: "wave", Message: "must be an integer"})
			return
		}
		f.Wave = &wave
	}

	list, err := s.service.Tasks.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

type nextTaskResponse struct {
	Task *models.Task `json:"task"`
}

func (s *Server) nextTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.Tasks.NextAvailable(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nextTaskResponse{Task: task})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Orchestrator.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type claimRequest struct {
	InstanceID string `json:"instance_id"`
}

// writeClaim reports contention as 409 with the holder or unmet
// dependencies in the body.
func writeClaim(w http.ResponseWriter, res *tasks.ClaimResult) {
	status := http.StatusOK
	switch res.Outcome {
	case store.ClaimOutcomeAlreadyClaimed, store.ClaimOutcomeDependenciesNotMet:
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Orchestrator.ClaimTask(r.Context(), r.PathValue("id"), req.InstanceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeClaim(w, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) releaseTask(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.service.Orchestrator.ReleaseTask(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeRequest struct {
	Summary       string   `json:"summary"`
	FilesModified []string `json:"files_modified"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.service.Orchestrator.CompleteTask(r.Context(), r.PathValue("id"), req.Summary, req.FilesModified)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) blockTask(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.service.Orchestrator.BlockTask(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) dispatchTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Orchestrator.DispatchOne(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == orchestrator.OutcomeLost {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// --- Instance handlers ---

type registerRequest struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	MachineID        string `json:"machine_id"`
	SessionID        string `json:"session_id"`
	MaxContextTokens int    `json:"max_context_tokens"`
}

func (s *Server) registerInstance(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := s.service.Registry.Register(r.Context(), store.RegisterParams{
		ID:               req.ID,
		ProjectID:        req.ProjectID,
		MachineID:        req.MachineID,
		SessionID:        req.SessionID,
		MaxContextTokens: req.MaxContextTokens,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.service.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type heartbeatRequest struct {
	ContextTokens *int                   `json:"context_tokens"`
	Status        *models.InstanceStatus `json:"status"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := s.service.Registry.Heartbeat(r.Context(), r.PathValue("id"), store.HeartbeatParams{
		ContextTokens: req.ContextTokens,
		Status:        req.Status,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type disconnectResponse struct {
	Disconnect   *registry.DisconnectResult `json:"disconnect"`
	Redispatched []orchestrator.Assignment  `json:"redispatched"`
}

func (s *Server) disconnectInstance(w http.ResponseWriter, r *http.Request) {
	result, assigned, err := s.service.DisconnectInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disconnectResponse{Disconnect: result, Redispatched: assigned})
}

func (s *Server) claimNext(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Orchestrator.ClaimForInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeClaim(w, res)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	f := store.InstanceFilter{
		ProjectID:     r.PathValue("project"),
		ConnectedOnly: r.URL.Query().Get("all") != "true",
	}
	list, err := s.service.Registry.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Instance{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Lock handlers ---

type lockRequest struct {
	Path       string   `json:"path"`
	Paths      []string `json:"paths"`
	InstanceID string   `json:"instance_id"`
	Reason     string   `json:"reason"`
	TTLMinutes int      `json:"ttl_minutes"`
	Minutes    int      `json:"minutes"`
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	q := r.URL.Query()

	var list []models.Lock
	var err error
	if pattern := q.Get("pattern"); pattern != "" {
		list, err = s.service.Locks.Matching(r.Context(), project, pattern)
	} else {
		list, err = s.service.Locks.ListActive(r.Context(), project, q.Get("instance"))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Lock{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Locks.Acquire(r.Context(), locks.AcquireParams{
		ProjectID:  r.PathValue("project"),
		Path:       req.Path,
		InstanceID: req.InstanceID,
		Reason:     req.Reason,
		TTL:        minutes(req.TTLMinutes),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Conflict != nil {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := s.service.Locks.Release(r.Context(), r.PathValue("project"), req.Path, req.InstanceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", ErrLockNotHeld, req.Path))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "path": req.Path})
}

func (s *Server) forceReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	removed, err := s.service.Locks.ForceRelease(r.Context(), r.PathValue("project"), req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if removed == nil {
		s.writeError(w, fmt.Errorf("%w: no active lock on %s", ErrNotFound, req.Path))
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (s *Server) extendLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Minutes <= 0 {
		s.writeError(w, &store.ValidationError{Field: "minutes", Message: "must be positive"})
		return
	}
	lock, err := s.service.Locks.Extend(r.Context(), r.PathValue("project"), req.Path, req.InstanceID, minutes(req.Minutes))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if lock == nil {
		s.writeError(w, fmt.Errorf("%w: %s", ErrLockNotHeld, req.Path))
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) bulkAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Locks.BulkAcquire(r.Context(), r.PathValue("project"), req.Paths, req.InstanceID, req.Reason, minutes(req.TTLMinutes))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Conflict != nil {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) releaseInstanceLocks(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.InstanceID == "" {
		s.writeError(w, &store.ValidationError{Field: "instance_id", Message: "must not be empty"})
		return
	}
	released, err := s.service.Locks.ReleaseByInstance(r.Context(), r.PathValue("project"), req.InstanceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if released == nil {
		released = []models.Lock{}
	}
	writeJSON(w, http.StatusOK, released)
}

func (s *Server) checkLocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	paths := q["path"]
	if len(paths) == 0 {
		s.writeError(w, &store.ValidationError{Field: "path", Message: "at least one path is required"})
		return
	}
	statuses, err := s.service.Locks.CheckPaths(r.Context(), r.PathValue("project"), q.Get("instance"), paths)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// --- Orchestrator handlers ---

func (s *Server) dispatchRound(w http.ResponseWriter, r *http.Request) {
	assigned, err := s.service.Orchestrator.AutoDispatch(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assigned)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Orchestrator.Stats(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Gateway handlers ---

func (s *Server) consumeMessages(w http.ResponseWriter, r *http.Request) {
	envs, err := s.service.Gateway.Consume(r.Context(), r.PathValue("machine"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

type messageRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Type == "" {
		s.writeError(w, &store.ValidationError{Field: "type", Message: "must not be empty"})
		return
	}
	env, err := s.service.Gateway.Send(r.Context(), r.PathValue("machine"), req.Type, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, env)
}

func (s *Server) sendRequest(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	reply, err := s.service.Request(r.Context(), r.PathValue("machine"), req.Type, req.Payload, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) postReply(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !json.Valid(body) {
		s.writeError(w, ErrInvalidJSON)
		return
	}
	requestID := r.PathValue("requestId")
	ok, err := s.service.Gateway.Respond(r.Context(), requestID, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", ErrNoSuchRequest, requestID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}
