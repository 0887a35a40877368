package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/gateway"
	"github.com/fentz26/conductor/internal/locks"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/registry"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/tasks"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(nil)
	pdr := audit.NewPDRWriter(st, nil)
	pdr.Attach(bus)

	ts := tasks.New(st, bus, nil)
	lm := locks.NewManager(st, bus, 0, nil)
	reg := registry.New(st, ts, lm, bus, registry.DefaultConfig(), nil)
	bridge := gateway.NewBridge(gateway.NewMemoryQueue(nil), nil, gateway.Config{}, nil)

	return NewService(Service{
		DB:           st,
		Tasks:        ts,
		Registry:     reg,
		Orchestrator: orchestrator.New(ts, reg, bridge, bus, nil),
		Locks:        lm,
		Gateway:      bridge,
		Audit:        pdr,
	}, nil)
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	server := NewServer(newTestService(t), "127.0.0.1:0", "test", nil)
	return server, server.Handler()
}

// do performs a request and decodes the JSON reply into out when non-nil.
func do(t *testing.T, h http.Handler, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if out != nil {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: failed to decode response: %v", method, path, err)
		}
	}
	return w.Code
}

func TestHealthEndpoint_OK(t *testing.T) {
	_, h := newTestServer(t)

	var health HealthResponse
	if code := do(t, h, http.MethodGet, "/health", nil, &health); code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version != "test" {
		t.Errorf("Expected version 'test', got '%s'", health.Version)
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	_, h := newTestServer(t)
	if code := do(t, h, http.MethodPost, "/health", nil, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	server, h := newTestServer(t)
	server.service.DB.Close()

	var health HealthResponse
	if code := do(t, h, http.MethodGet, "/health", nil, &health); code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", code)
	}
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestTaskLifecycle(t *testing.T) {
	_, h := newTestServer(t)

	var created createTaskResponse
	code := do(t, h, http.MethodPost, "/projects/p1/tasks", map[string]any{"title": "build", "priority": "high"}, &created)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	id := created.Task.ID

	var claim store.ClaimResult
	if code := do(t, h, http.MethodPost, "/tasks/"+id+"/claim", map[string]string{"instance_id": "w1"}, &claim); code != http.StatusOK {
		t.Fatalf("Expected 200 on claim, got %d", code)
	}
	if !claim.Claimed() {
		t.Fatalf("Expected claimed outcome, got %s", claim.Outcome)
	}

	var lost store.ClaimResult
	if code := do(t, h, http.MethodPost, "/tasks/"+id+"/claim", map[string]string{"instance_id": "w2"}, &lost); code != http.StatusConflict {
		t.Fatalf("Expected 409 on second claim, got %d", code)
	}
	if lost.Holder != "w1" {
		t.Errorf("Expected holder w1, got %q", lost.Holder)
	}

	var done models.Task
	code = do(t, h, http.MethodPost, "/tasks/"+id+"/complete", map[string]any{"summary": "ok", "files_modified": []string{"a.go"}}, &done)
	if code != http.StatusOK || done.Status != models.TaskStatusDone {
		t.Fatalf("Expected completed task, got %d %s", code, done.Status)
	}

	var errBody ErrorResponse
	if code := do(t, h, http.MethodPost, "/tasks/"+id+"/complete", nil, &errBody); code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 completing twice, got %d", code)
	}

	var list []models.Task
	do(t, h, http.MethodGet, "/projects/p1/tasks?status=done", nil, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 done task, got %d", len(list))
	}

	if code := do(t, h, http.MethodDelete, "/tasks/"+id, nil, nil); code != http.StatusOK {
		t.Errorf("Expected 200 on delete, got %d", code)
	}
	if code := do(t, h, http.MethodGet, "/tasks/"+id, nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", code)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	_, h := newTestServer(t)

	var other createTaskResponse
	do(t, h, http.MethodPost, "/projects/other/tasks", map[string]any{"title": "x"}, &other)

	var errBody ErrorResponse
	code := do(t, h, http.MethodPost, "/projects/p1/tasks", map[string]any{
		"title":        "y",
		"dependencies": []string{other.Task.ID},
	}, &errBody)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for cross-project dependency, got %d", code)
	}
	if errBody.Field != "dependencies" {
		t.Errorf("Expected field 'dependencies', got %q", errBody.Field)
	}

	req := httptest.NewRequest(http.MethodPost, "/projects/p1/tasks", bytes.NewBufferString("{nope"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad json, got %d", w.Code)
	}

	if code := do(t, h, http.MethodGet, "/projects/p1/tasks?status=weird", nil, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for unknown status, got %d", code)
	}
}

func TestDependencyGatedClaim(t *testing.T) {
	_, h := newTestServer(t)

	var a, b createTaskResponse
	do(t, h, http.MethodPost, "/projects/p1/tasks", map[string]any{"title": "a"}, &a)
	do(t, h, http.MethodPost, "/projects/p1/tasks", map[string]any{"title": "b", "dependencies": []string{a.Task.ID}}, &b)

	var res store.ClaimResult
	if code := do(t, h, http.MethodPost, "/tasks/"+b.Task.ID+"/claim", map[string]string{"instance_id": "w"}, &res); code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", code)
	}
	if res.Outcome != store.ClaimOutcomeDependenciesNotMet || len(res.UnmetDependencies) != 1 {
		t.Errorf("Unexpected result: %+v", res)
	}

	var next nextTaskResponse
	do(t, h, http.MethodGet, "/projects/p1/tasks/next", nil, &next)
	if next.Task == nil || next.Task.ID != a.Task.ID {
		t.Errorf("Expected next task to be a, got %+v", next.Task)
	}
}

func TestInstancesAndDispatch(t *testing.T) {
	server, h := newTestServer(t)

	var inst models.Instance
	code := do(t, h, http.MethodPost, "/instances", map[string]any{"id": "i1", "project_id": "p1", "machine_id": "m1"}, &inst)
	if code != http.StatusCreated || inst.Status != models.InstanceStatusIdle {
		t.Fatalf("Expected idle instance, got %d %s", code, inst.Status)
	}

	var created createTaskResponse
	do(t, h, http.MethodPost, "/projects/p1/tasks", map[string]any{"title": "t1"}, &created)

	var assigned []orchestrator.Assignment
	if code := do(t, h, http.MethodPost, "/projects/p1/dispatch", nil, &assigned); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(assigned) != 1 || assigned[0].InstanceID != "i1" {
		t.Fatalf("Expected one assignment to i1, got %+v", assigned)
	}

	var envs []models.Envelope
	do(t, h, http.MethodGet, "/machines/m1/messages", nil, &envs)
	if len(envs) != 1 || envs[0].Type != orchestrator.MessageTaskAssigned {
		t.Errorf("Expected a task.assigned envelope, got %+v", envs)
	}

	var stats orchestrator.Stats
	do(t, h, http.MethodGet, "/projects/p1/stats", nil, &stats)
	if stats.Instances[models.InstanceStatusBusy] != 1 || stats.Tasks[models.TaskStatusInProgress] != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	tokens := 1000
	var beat models.Instance
	if code := do(t, h, http.MethodPost, "/instances/i1/heartbeat", map[string]any{"context_tokens": tokens}, &beat); code != http.StatusOK {
		t.Fatalf("Expected 200 on heartbeat, got %d", code)
	}
	if beat.ContextTokensUsed != tokens {
		t.Errorf("Expected %d tokens, got %d", tokens, beat.ContextTokensUsed)
	}

	var disc disconnectResponse
	if code := do(t, h, http.MethodPost, "/instances/i1/disconnect", nil, &disc); code != http.StatusOK {
		t.Fatalf("Expected 200 on disconnect, got %d", code)
	}
	if len(disc.Disconnect.ReleasedTasks) != 1 {
		t.Errorf("Expected one released task, got %+v", disc.Disconnect)
	}

	task, err := server.service.Tasks.Get(context.Background(), created.Task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != models.TaskStatusPending || task.AssignedTo != "" {
		t.Errorf("Expected task back to pending, got %s/%s", task.Status, task.AssignedTo)
	}

	var active []models.Instance
	do(t, h, http.MethodGet, "/projects/p1/instances", nil, &active)
	if len(active) != 0 {
		t.Errorf("Expected no active instances, got %d", len(active))
	}
	var all []models.Instance
	do(t, h, http.MethodGet, "/projects/p1/instances?all=true", nil, &all)
	if len(all) != 1 {
		t.Errorf("Expected one instance overall, got %d", len(all))
	}

	if code := do(t, h, http.MethodPost, "/instances/i1/heartbeat", map[string]any{}, nil); code != http.StatusConflict {
		t.Errorf("Expected 409 heartbeat after disconnect, got %d", code)
	}
	if code := do(t, h, http.MethodGet, "/instances/ghost", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown instance, got %d", code)
	}
}

func TestLockEndpoints(t *testing.T) {
	_, h := newTestServer(t)

	var res store.LockResult
	if code := do(t, h, http.MethodPost, "/projects/p1/locks", map[string]any{"path": "src/x.ts", "instance_id": "A"}, &res); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}

	var conflict store.LockResult
	if code := do(t, h, http.MethodPost, "/projects/p1/locks", map[string]any{"path": "src/x.ts", "instance_id": "B"}, &conflict); code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", code)
	}
	if conflict.Conflict == nil || conflict.Conflict.HolderID != "A" {
		t.Errorf("Expected conflict with A, got %+v", conflict.Conflict)
	}

	var bulk store.BulkLockResult
	code := do(t, h, http.MethodPost, "/projects/p1/locks/bulk", map[string]any{"paths": []string{"a.ts", "src/x.ts"}, "instance_id": "B"}, &bulk)
	if code != http.StatusConflict || bulk.Conflict.Path != "src/x.ts" {
		t.Fatalf("Expected bulk conflict on src/x.ts, got %d %+v", code, bulk.Conflict)
	}

	var statuses []locks.PathStatus
	do(t, h, http.MethodGet, "/projects/p1/locks/check?instance=B&path=src/x.ts&path=a.ts", nil, &statuses)
	if len(statuses) != 2 || !statuses[0].HeldByOther || statuses[1].Locked {
		t.Errorf("Unexpected statuses: %+v", statuses)
	}

	var extended models.Lock
	if code := do(t, h, http.MethodPost, "/projects/p1/locks/extend", map[string]any{"path": "src/x.ts", "instance_id": "A", "minutes": 60}, &extended); code != http.StatusOK {
		t.Fatalf("Expected 200 on extend, got %d", code)
	}
	if time.Until(extended.ExpiresAt) < 59*time.Minute {
		t.Errorf("Expected expiry about an hour out, got %v", extended.ExpiresAt)
	}

	if code := do(t, h, http.MethodPost, "/projects/p1/locks/release", map[string]any{"path": "src/x.ts", "instance_id": "B"}, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 releasing someone else's lock, got %d", code)
	}
	if code := do(t, h, http.MethodPost, "/projects/p1/locks/release", map[string]any{"path": "src/x.ts", "instance_id": "A"}, nil); code != http.StatusOK {
		t.Errorf("Expected 200 releasing own lock, got %d", code)
	}

	do(t, h, http.MethodPost, "/projects/p1/locks/bulk", map[string]any{"paths": []string{"a.ts", "b.ts"}, "instance_id": "B"}, nil)

	var matched []models.Lock
	do(t, h, http.MethodGet, "/projects/p1/locks?pattern=*.ts", nil, &matched)
	if len(matched) != 2 {
		t.Errorf("Expected 2 matching locks, got %d", len(matched))
	}

	var forced models.Lock
	if code := do(t, h, http.MethodPost, "/projects/p1/locks/force-release", map[string]any{"path": "a.ts"}, &forced); code != http.StatusOK || forced.InstanceID != "B" {
		t.Errorf("Expected force release of B's lock, got %d %+v", code, forced)
	}

	var released []models.Lock
	do(t, h, http.MethodPost, "/projects/p1/locks/release-instance", map[string]any{"instance_id": "B"}, &released)
	if len(released) != 1 {
		t.Errorf("Expected 1 lock released, got %d", len(released))
	}

	var remaining []models.Lock
	do(t, h, http.MethodGet, "/projects/p1/locks", nil, &remaining)
	if len(remaining) != 0 {
		t.Errorf("Expected no locks left, got %d", len(remaining))
	}
}

func TestGatewayRequestReply(t *testing.T) {
	_, h := newTestServer(t)

	type result struct {
		code  int
		reply RequestReply
	}
	done := make(chan result, 1)
	go func() {
		body := `{"type":"status","payload":{"verbose":true},"timeout_seconds":5}`
		req := httptest.NewRequest(http.MethodPost, "/machines/m9/requests", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		var r RequestReply
		json.NewDecoder(w.Body).Decode(&r)
		done <- result{w.Code, r}
	}()

	var requestID string
	deadline := time.Now().Add(5 * time.Second)
	for requestID == "" && time.Now().Before(deadline) {
		var envs []models.Envelope
		do(t, h, http.MethodGet, "/machines/m9/messages", nil, &envs)
		if len(envs) == 1 {
			var payload map[string]any
			json.Unmarshal(envs[0].Payload, &payload)
			requestID, _ = payload[gateway.RequestIDKey].(string)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if requestID == "" {
		t.Fatal("Request never reached the machine inbox")
	}

	if code := do(t, h, http.MethodPost, "/replies/"+requestID, map[string]any{"state": "idle"}, nil); code != http.StatusOK {
		t.Fatalf("Expected 200 delivering reply, got %d", code)
	}

	got := <-done
	if got.code != http.StatusOK || !got.reply.Replied {
		t.Fatalf("Expected a reply, got %d %+v", got.code, got.reply)
	}
	var body map[string]string
	json.Unmarshal(got.reply.Reply, &body)
	if body["state"] != "idle" {
		t.Errorf("Unexpected reply body: %s", got.reply.Reply)
	}

	if code := do(t, h, http.MethodPost, "/replies/"+requestID, map[string]any{}, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for a consumed request id, got %d", code)
	}
}

func TestAuditAndScheduler(t *testing.T) {
	_, h := newTestServer(t)
	do(t, h, http.MethodPost, "/projects/p1/tasks", map[string]any{"title": "audited"}, nil)

	var entries []models.PDREntry
	if code := do(t, h, http.MethodGet, "/audit?limit=10", nil, &entries); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(entries) == 0 || entries[0].Action != "task.created" {
		t.Errorf("Expected a task.created audit entry, got %+v", entries)
	}

	if code := do(t, h, http.MethodGet, "/scheduler", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 without a scheduler, got %d", code)
	}
}
