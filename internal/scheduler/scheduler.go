package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/orchestrator"
)

// Dispatcher runs one dispatch round for a project.
type Dispatcher interface {
	AutoDispatch(ctx context.Context, projectID string) ([]orchestrator.Assignment, error)
}

// Reaper disconnects instances that stopped reporting.
type Reaper interface {
	ReapStale(ctx context.Context) ([]string, error)
}

// ProjectLister lists projects that have work waiting.
type ProjectLister interface {
	ProjectsWithPending(ctx context.Context) ([]string, error)
}

// Purger deletes expired rows.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// PurgeFunc adapts a function to Purger.
type PurgeFunc func(ctx context.Context) (int64, error)

func (f PurgeFunc) Purge(ctx context.Context) (int64, error) { return f(ctx) }

// Deps are the components a round drives. Reaper and Purgers are optional.
type Deps struct {
	Dispatcher Dispatcher
	Projects   ProjectLister
	Reaper     Reaper
	Purgers    []Purger
	Clock      clock.Clock
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Running     bool       `json:"running"`
	Interval    string     `json:"interval"`
	Rounds      int64      `json:"rounds"`
	Dispatched  int64      `json:"dispatched"`
	Reaped      int64      `json:"reaped"`
	Purged      int64      `json:"purged"`
	LastRoundAt *time.Time `json:"last_round_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Scheduler calls the orchestrator on a fixed interval. Each round reaps
// stale instances, dispatches every project with pending work and, every
// PurgeEvery rounds, purges expired rows.
type Scheduler struct {
	deps   Deps
	config *Config
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats

	// Control
	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(deps Deps, cfg *Config, logger *slog.Logger) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		deps:   deps,
		config: cfg,
		logger: logging.OrDiscard(logger).With("component", "scheduler"),
		stats:  Stats{Interval: cfg.Interval.String()},
	}
}

// Start begins the scheduler loop. It is a no-op if already running.
func (sch *Scheduler) Start(ctx context.Context) {
	sch.runMu.Lock()
	defer sch.runMu.Unlock()
	if sch.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	sch.cancel = cancel
	sch.setRunning(true)

	sch.wg.Add(1)
	go sch.loop(ctx)
	sch.logger.Info("scheduler started", "interval", sch.config.Interval)
}

// Stop halts the loop and waits for an in-flight round to finish.
func (sch *Scheduler) Stop() {
	sch.runMu.Lock()
	cancel := sch.cancel
	sch.cancel = nil
	sch.runMu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	sch.wg.Wait()
	sch.setRunning(false)
	sch.logger.Info("scheduler stopped")
}

// Run starts the loop and blocks until ctx is done.
func (sch *Scheduler) Run(ctx context.Context) error {
	sch.Start(ctx)
	<-ctx.Done()
	sch.Stop()
	return nil
}

func (sch *Scheduler) loop(ctx context.Context) {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sch.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single round and returns the assignments it made.
// Failures are logged and recorded in Stats; the round carries on with the
// next project.
func (sch *Scheduler) RunOnce(ctx context.Context) []orchestrator.Assignment {
	var lastErr error
	fail := func(msg string, err error, attrs ...any) {
		lastErr = err
		sch.logger.Warn(msg, append(attrs, "error", err)...)
	}

	var reaped int
	if sch.deps.Reaper != nil {
		ids, err := sch.deps.Reaper.ReapStale(ctx)
		if err != nil {
			fail("reap stale instances failed", err)
		}
		reaped = len(ids)
	}

	var assigned []orchestrator.Assignment
	projects, err := sch.deps.Projects.ProjectsWithPending(ctx)
	if err != nil {
		fail("list projects failed", err)
	}
	for _, project := range projects {
		if ctx.Err() != nil {
			break
		}
		got, err := sch.deps.Dispatcher.AutoDispatch(ctx, project)
		if err != nil && ctx.Err() == nil {
			fail("dispatch round failed", err, "project_id", project)
		}
		assigned = append(assigned, got...)
	}

	sch.mu.Lock()
	sch.stats.Rounds++
	round := sch.stats.Rounds
	sch.mu.Unlock()

	var purged int64
	if round%int64(sch.config.PurgeEvery) == 0 {
		for _, p := range sch.deps.Purgers {
			n, err := p.Purge(ctx)
			if err != nil {
				fail("purge failed", err)
				continue
			}
			purged += n
		}
	}

	now := sch.deps.Clock.Now()
	sch.mu.Lock()
	sch.stats.Dispatched += int64(len(assigned))
	sch.stats.Reaped += int64(reaped)
	sch.stats.Purged += purged
	sch.stats.LastRoundAt = &now
	if lastErr != nil {
		sch.stats.LastError = lastErr.Error()
	}
	sch.mu.Unlock()

	if len(assigned) > 0 || reaped > 0 {
		sch.logger.Info("dispatch round", "round", round, "dispatched", len(assigned), "reaped", reaped)
	}
	return assigned
}

// Stats returns a snapshot of scheduler activity.
func (sch *Scheduler) Stats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	out := sch.stats
	if out.LastRoundAt != nil {
		t := *out.LastRoundAt
		out.LastRoundAt = &t
	}
	return out
}

func (sch *Scheduler) setRunning(v bool) {
	sch.mu.Lock()
	sch.stats.Running = v
	sch.mu.Unlock()
}
