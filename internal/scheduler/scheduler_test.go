package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/locks"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/registry"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/tasks"
)

type env struct {
	db    *store.Store
	tasks *tasks.Store
	reg   *registry.Registry
	locks *locks.Manager
	orch  *orchestrator.Orchestrator
	clock *clock.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	db, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClock(fake))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(nil)
	ts := tasks.New(db, bus, nil)
	lm := locks.NewManager(db, bus, time.Minute, nil)
	reg := registry.New(db, ts, lm, bus, registry.DefaultConfig(), nil)
	return &env{
		db:    db,
		tasks: ts,
		reg:   reg,
		locks: lm,
		orch:  orchestrator.New(ts, reg, nil, bus, nil),
		clock: fake,
	}
}

func (e *env) scheduler(cfg *Config) *Scheduler {
	return New(Deps{
		Dispatcher: e.orch,
		Projects:   e.tasks,
		Reaper:     e.reg,
		Purgers: []Purger{
			e.locks,
			PurgeFunc(e.db.MessageQueue(0).PurgeExpiredMessages),
		},
		Clock: e.clock,
	}, cfg, nil)
}

func (e *env) register(t *testing.T, id, project string) {
	t.Helper()
	if _, err := e.reg.Register(context.Background(), store.RegisterParams{ID: id, ProjectID: project, MachineID: "m1"}); err != nil {
		t.Fatalf("Failed to register %s: %v", id, err)
	}
}

func (e *env) createTask(t *testing.T, project, title string) *models.Task {
	t.Helper()
	task, err := e.tasks.Create(context.Background(), tasks.CreateParams{ProjectID: project, Title: title})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	return task
}

func TestRunOnce_DispatchesEveryProject(t *testing.T) {
	e := newEnv(t)
	e.register(t, "a1", "alpha")
	e.register(t, "b1", "beta")
	e.createTask(t, "alpha", "one")
	e.createTask(t, "beta", "two")
	e.createTask(t, "beta", "three")

	sch := e.scheduler(nil)
	got := sch.RunOnce(context.Background())
	if len(got) != 2 {
		t.Fatalf("Expected 2 assignments, got %d", len(got))
	}

	stats := sch.Stats()
	if stats.Rounds != 1 || stats.Dispatched != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.LastRoundAt == nil || !stats.LastRoundAt.Equal(e.clock.Now()) {
		t.Errorf("Expected last round at %v, got %v", e.clock.Now(), stats.LastRoundAt)
	}
}

func TestRunOnce_ReapsThenRedispatches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "old", "p1")
	task := e.createTask(t, "p1", "work")

	sch := e.scheduler(nil)
	if got := sch.RunOnce(ctx); len(got) != 1 || got[0].InstanceID != "old" {
		t.Fatalf("Expected task on old, got %+v", got)
	}

	e.clock.Advance(registry.DefaultConfig().StaleAfter + time.Second)
	e.register(t, "new", "p1")

	got := sch.RunOnce(ctx)
	if len(got) != 1 || got[0].InstanceID != "new" || got[0].TaskID != task.ID {
		t.Fatalf("Expected task moved to new, got %+v", got)
	}
	if sch.Stats().Reaped != 1 {
		t.Errorf("Expected 1 reaped instance, got %d", sch.Stats().Reaped)
	}

	inst, err := e.reg.Get(ctx, "old")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if inst.Status != models.InstanceStatusDisconnected {
		t.Errorf("Expected old to be disconnected, got %s", inst.Status)
	}
}

func TestRunOnce_PurgesOnSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.locks.Acquire(ctx, locks.AcquireParams{ProjectID: "p1", Path: "a.go", InstanceID: "x"}); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	e.clock.Advance(2 * time.Minute)

	sch := e.scheduler(&Config{PurgeEvery: 2})
	sch.RunOnce(ctx)
	if n := sch.Stats().Purged; n != 0 {
		t.Fatalf("Expected no purge on round 1, got %d", n)
	}
	sch.RunOnce(ctx)
	if n := sch.Stats().Purged; n != 1 {
		t.Fatalf("Expected 1 purged row on round 2, got %d", n)
	}
}

type failingProjects struct{}

func (failingProjects) ProjectsWithPending(context.Context) ([]string, error) {
	return nil, errors.New("database is gone")
}

func TestRunOnce_RecordsErrors(t *testing.T) {
	e := newEnv(t)
	sch := New(Deps{Dispatcher: e.orch, Projects: failingProjects{}}, nil, nil)

	if got := sch.RunOnce(context.Background()); len(got) != 0 {
		t.Fatalf("Expected no assignments, got %d", len(got))
	}
	if sch.Stats().LastError != "database is gone" {
		t.Errorf("Expected last error to be recorded, got %q", sch.Stats().LastError)
	}
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	e.register(t, "w", "p1")
	e.createTask(t, "p1", "tick")

	sch := e.scheduler(&Config{Interval: 10 * time.Millisecond})
	sch.Start(context.Background())
	sch.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for sch.Stats().Dispatched == 0 {
		if time.Now().After(deadline) {
			sch.Stop()
			t.Fatal("Timed out waiting for the loop to dispatch")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sch.Stats().Running {
		t.Error("Expected scheduler to report running")
	}

	sch.Stop()
	sch.Stop()
	if sch.Stats().Running {
		t.Error("Expected scheduler to report stopped")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := (&Config{Interval: 5 * time.Second}).withDefaults()
	if cfg.Interval != 5*time.Second {
		t.Errorf("Expected interval to be kept, got %v", cfg.Interval)
	}
	if cfg.PurgeEvery != DefaultConfig().PurgeEvery {
		t.Errorf("Expected default purge cadence, got %d", cfg.PurgeEvery)
	}
	var nilCfg *Config
	if nilCfg.withDefaults().Interval != time.Second {
		t.Error("Expected nil config to use defaults")
	}
}
