// Package registry keeps lifecycle and availability bookkeeping for worker
// instances.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

// Release reasons recorded on tasks freed by instance lifecycle changes.
const (
	ReasonDisconnected = "instance disconnected"
	ReasonReconnected  = "instance re-registered"
)

// TaskReleaser frees the tasks an instance holds.
type TaskReleaser interface {
	ReleaseAssignedTo(ctx context.Context, instanceID, reason string) ([]string, error)
}

// LockReleaser frees the locks an instance holds.
type LockReleaser interface {
	ReleaseByInstance(ctx context.Context, projectID, instanceID string) ([]models.Lock, error)
}

// Config holds the acceptance and liveness knobs.
type Config struct {
	// ContextCeilingPercent is the usage at or above which an instance is
	// not handed more work.
	ContextCeilingPercent float64
	// MaxContextTokens is the budget used when an instance reports none.
	MaxContextTokens int
	// StaleAfter is how long an instance may be silent before ReapStale
	// disconnects it.
	StaleAfter time.Duration
}

// DefaultConfig returns the default registry settings.
func DefaultConfig() Config {
	return Config{
		ContextCeilingPercent: 90,
		MaxContextTokens:      200000,
		StaleAfter:            2 * time.Minute,
	}
}

// DisconnectResult reports what the disconnect cascade did.
type DisconnectResult struct {
	Instance      *models.Instance `json:"instance"`
	ReleasedTasks []string         `json:"released_tasks"`
	ReleasedLocks []string         `json:"released_locks"`
	// Errors lists cascade steps that failed; the cascade continues past them.
	Errors []string `json:"errors,omitempty"`
}

// Registry tracks worker instances.
type Registry struct {
	db     *store.Store
	tasks  TaskReleaser
	locks  LockReleaser
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
}

// New creates a registry. tasks and locks receive the disconnect cascade;
// either may be nil to skip that step.
func New(db *store.Store, tasks TaskReleaser, locks LockReleaser, bus *events.Bus, cfg Config, logger *slog.Logger) *Registry {
	if cfg.ContextCeilingPercent <= 0 {
		cfg.ContextCeilingPercent = DefaultConfig().ContextCeilingPercent
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultConfig().MaxContextTokens
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Registry{
		db:     db,
		tasks:  tasks,
		locks:  locks,
		bus:    bus,
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With("component", "registry"),
	}
}

// Config returns the registry settings in effect.
func (r *Registry) Config() Config {
	return r.cfg
}

// Register creates or resets an instance. A reconnect is indistinguishable
// from a first connect; any task still assigned to the id is released in
// the same transaction that resets the instance, so no task is left
// pointing at an idle instance.
func (r *Registry) Register(ctx context.Context, p store.RegisterParams) (*models.Instance, error) {
	inst, released, err := r.db.ReregisterInstance(ctx, p, ReasonReconnected)
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		r.logger.Info("released tasks on re-registration", "instance_id", p.ID, "tasks", released)
		r.publishReleased(inst.ProjectID, inst.ID, released, ReasonReconnected)
	}

	r.logger.Info("instance registered", "instance_id", inst.ID, "project_id", inst.ProjectID, "machine_id", inst.MachineID)
	r.bus.Publish(events.Event{
		Type:       events.InstanceRegistered,
		ProjectID:  inst.ProjectID,
		InstanceID: inst.ID,
		Data:       map[string]any{"machine_id": inst.MachineID},
		Time:       r.db.Now(),
	})
	return inst, nil
}

func (r *Registry) publishReleased(projectID, instanceID string, taskIDs []string, reason string) {
	for _, id := range taskIDs {
		r.bus.Publish(events.Event{
			Type:       events.TaskReleased,
			ProjectID:  projectID,
			TaskID:     id,
			InstanceID: instanceID,
			Data:       map[string]any{"reason": reason},
			Time:       r.db.Now(),
		})
	}
}

// Get returns an instance, or store.ErrInstanceNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := r.db.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrInstanceNotFound, id)
	}
	return inst, nil
}

// ListActive returns the connected instances of a project.
func (r *Registry) ListActive(ctx context.Context, projectID string) ([]models.Instance, error) {
	return r.db.ListInstances(ctx, store.InstanceFilter{ProjectID: projectID, ConnectedOnly: true})
}

// List returns instances matching f.
func (r *Registry) List(ctx context.Context, f store.InstanceFilter) ([]models.Instance, error) {
	return r.db.ListInstances(ctx, f)
}

// Heartbeat records activity and optionally context usage and status. It
// does not affect task assignment.
func (r *Registry) Heartbeat(ctx context.Context, id string, p store.HeartbeatParams) (*models.Instance, error) {
	return r.db.TouchInstance(ctx, id, p)
}

// MarkBusy records that the instance is working on taskID. It reports
// false when the instance is not idle and connected.
func (r *Registry) MarkBusy(ctx context.Context, id, taskID string) (bool, error) {
	return r.db.SetInstanceBusy(ctx, id, taskID)
}

// MarkIdle returns the instance to idle. With a non-empty taskID the change
// only applies while the instance still holds that task. completed bumps
// the tasks-completed counter.
func (r *Registry) MarkIdle(ctx context.Context, id, taskID string, completed bool) (bool, error) {
	return r.db.SetInstanceIdle(ctx, id, taskID, completed)
}

// MarkDisconnected runs the disconnect cascade: stamp the instance
// disconnected, release its tasks, then release its locks. The stamp goes
// first so no dispatch can hand the instance new work while the cascade
// runs. A failing step is logged and recorded in the result; the remaining
// steps still run.
func (r *Registry) MarkDisconnected(ctx context.Context, id string) (*DisconnectResult, error) {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result := &DisconnectResult{ReleasedTasks: []string{}, ReleasedLocks: []string{}}

	if _, err := r.db.MarkInstanceDisconnected(ctx, id); err != nil {
		r.logger.Warn("disconnect: failed to mark instance", "instance_id", id, "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("mark disconnected: %v", err))
	}

	if r.tasks != nil {
		released, err := r.tasks.ReleaseAssignedTo(ctx, id, ReasonDisconnected)
		if err != nil {
			r.logger.Warn("disconnect: failed to release tasks", "instance_id", id, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("release tasks: %v", err))
		} else {
			result.ReleasedTasks = append(result.ReleasedTasks, released...)
		}
	}

	if r.locks != nil {
		released, err := r.locks.ReleaseByInstance(ctx, inst.ProjectID, id)
		if err != nil {
			r.logger.Warn("disconnect: failed to release locks", "instance_id", id, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("release locks: %v", err))
		} else {
			for _, l := range released {
				result.ReleasedLocks = append(result.ReleasedLocks, l.Path)
			}
		}
	}

	if current, err := r.db.GetInstance(ctx, id); err == nil && current != nil {
		result.Instance = current
	} else {
		result.Instance = inst
	}

	r.logger.Info("instance disconnected",
		"instance_id", id,
		"released_tasks", len(result.ReleasedTasks),
		"released_locks", len(result.ReleasedLocks))
	r.bus.Publish(events.Event{
		Type:       events.InstanceDisconnected,
		ProjectID:  inst.ProjectID,
		InstanceID: id,
		Data: map[string]any{
			"released_tasks": result.ReleasedTasks,
			"released_locks": result.ReleasedLocks,
		},
		Time: r.db.Now(),
	})
	return result, nil
}

// BestAvailable returns the idle, connected instance of a project with the
// lowest context usage that is still below its ceiling, ties broken by id.
// It returns nil when no instance can take a task.
func (r *Registry) BestAvailable(ctx context.Context, projectID string) (*models.Instance, error) {
	idle, err := r.db.IdleInstances(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range idle {
		if r.CanAcceptTask(&idle[i]) {
			return &idle[i], nil
		}
	}
	return nil, nil
}

// CanAcceptTask reports whether inst is idle, connected and below the
// context usage ceiling.
func (r *Registry) CanAcceptTask(inst *models.Instance) bool {
	if inst == nil || !inst.Connected() || inst.Status != models.InstanceStatusIdle || inst.CurrentTaskID != "" {
		return false
	}
	return inst.ContextUsagePercent(r.cfg.MaxContextTokens) < r.cfg.ContextCeilingPercent
}

// ReapStale disconnects every instance silent for longer than StaleAfter
// and returns their ids.
func (r *Registry) ReapStale(ctx context.Context) ([]string, error) {
	cutoff := r.db.Now().Add(-r.cfg.StaleAfter)
	stale, err := r.db.StaleInstances(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var reaped []string
	for _, inst := range stale {
		r.logger.Info("instance stale, disconnecting", "instance_id", inst.ID, "last_activity_at", inst.LastActivityAt)
		if _, err := r.MarkDisconnected(ctx, inst.ID); err != nil {
			r.logger.Warn("failed to disconnect stale instance", "instance_id", inst.ID, "error", err)
			continue
		}
		reaped = append(reaped, inst.ID)
	}
	return reaped, nil
}

// CountByStatus returns instance counts per status for a project.
func (r *Registry) CountByStatus(ctx context.Context, projectID string) (map[models.InstanceStatus]int, error) {
	return r.db.CountInstancesByStatus(ctx, projectID)
}
