// Package orchestrator matches pending tasks to available instances. It owns
// no state of its own; everything it reads and writes goes through the task
// store and the instance registry.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/registry"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/tasks"
)

// MessageTaskAssigned is the envelope type sent to a machine when one of its
// instances receives a task.
const MessageTaskAssigned = "task.assigned"

// claimAttempts bounds the retries when a pick is lost to a concurrent round.
const claimAttempts = 3

// Notifier delivers fire-and-forget envelopes to worker machines.
type Notifier interface {
	Send(ctx context.Context, machineID, msgType string, payload any) (*models.Envelope, error)
}

// Outcome describes how one dispatch attempt resolved.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeNoCapacity means no idle instance below the usage ceiling exists.
	OutcomeNoCapacity Outcome = "no_capacity"
	// OutcomeLost means the task was claimed elsewhere, or the chosen
	// instance stopped being idle, before the assignment committed.
	OutcomeLost Outcome = "lost"
	// OutcomeNotEligible means the task is not pending or its dependencies
	// are not done.
	OutcomeNotEligible Outcome = "not_eligible"
)

// Assignment is one (task, instance) pair produced by a dispatch.
type Assignment struct {
	TaskID     string `json:"task_id"`
	Title      string `json:"title"`
	InstanceID string `json:"instance_id"`
	MachineID  string `json:"machine_id"`
}

// DispatchResult reports a single dispatch attempt.
type DispatchResult struct {
	Outcome    Outcome            `json:"outcome"`
	Assignment *Assignment        `json:"assignment,omitempty"`
	Claim      *tasks.ClaimResult `json:"claim,omitempty"`
}

// Stats aggregates the current state of a project.
type Stats struct {
	ProjectID string                        `json:"project_id"`
	Instances map[models.InstanceStatus]int `json:"instances"`
	Tasks     map[models.TaskStatus]int     `json:"tasks"`
	// Available counts pending tasks whose dependencies are done.
	Available int `json:"available"`
}

// Orchestrator coordinates the task store and the instance registry.
type Orchestrator struct {
	tasks    *tasks.Store
	registry *registry.Registry
	notifier Notifier
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates an orchestrator. notifier may be nil to skip worker
// notification.
func New(ts *tasks.Store, reg *registry.Registry, notifier Notifier, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		tasks:    ts,
		registry: reg,
		notifier: notifier,
		bus:      bus,
		logger:   logging.OrDiscard(logger).With("component", "orchestrator"),
	}
}

// DispatchOne assigns one task to the best available instance of its
// project. Claiming the task and marking the instance busy happen in one
// transaction; if either fails nothing is changed. Running out of capacity
// or losing a race is reported in the result, not as an error.
func (o *Orchestrator) DispatchOne(ctx context.Context, taskID string) (*DispatchResult, error) {
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	inst, err := o.registry.BestAvailable(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if inst == nil || !o.registry.CanAcceptTask(inst) {
		return &DispatchResult{Outcome: OutcomeNoCapacity}, nil
	}

	claim, err := o.tasks.Assign(ctx, task.ID, inst.ID)
	if err != nil {
		return nil, err
	}
	switch claim.Outcome {
	case store.ClaimOutcomeClaimed:
	case store.ClaimOutcomeAlreadyClaimed, store.ClaimOutcomeInstanceUnavailable:
		return &DispatchResult{Outcome: OutcomeLost, Claim: claim}, nil
	default:
		return &DispatchResult{Outcome: OutcomeNotEligible, Claim: claim}, nil
	}

	a := &Assignment{TaskID: task.ID, Title: task.Title, InstanceID: inst.ID, MachineID: inst.MachineID}
	o.logger.Info("task dispatched", "task_id", a.TaskID, "instance_id", a.InstanceID, "machine_id", a.MachineID)
	o.notify(ctx, claim.Task, inst)
	o.bus.Publish(events.Event{
		Type:       events.DispatchAssigned,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		InstanceID: inst.ID,
		Data:       map[string]any{"machine_id": inst.MachineID},
	})
	return &DispatchResult{Outcome: OutcomeDispatched, Assignment: a, Claim: claim}, nil
}

// AutoDispatch runs one dispatch round for a project. Eligible tasks are
// tried in dispatch order; the round stops at the first task for which no
// instance has capacity, so a later task never jumps ahead of an earlier
// one. It returns the assignments made, which may be empty.
func (o *Orchestrator) AutoDispatch(ctx context.Context, projectID string) ([]Assignment, error) {
	available, err := o.tasks.Available(ctx, projectID)
	if err != nil {
		return nil, err
	}

	dispatched := []Assignment{}
	for _, task := range available {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		ok, err := o.tasks.DependenciesSatisfied(ctx, task.ID)
		if err != nil {
			return dispatched, err
		}
		if !ok {
			continue
		}

		res, err := o.dispatchWithRetry(ctx, task.ID)
		if err != nil {
			return dispatched, err
		}
		switch res.Outcome {
		case OutcomeDispatched:
			dispatched = append(dispatched, *res.Assignment)
		case OutcomeNoCapacity:
			o.logger.Debug("dispatch round stopped, no capacity", "project_id", projectID, "dispatched", len(dispatched))
			return dispatched, nil
		}
	}
	return dispatched, nil
}

// dispatchWithRetry retries a task whose chosen instance went busy under
// it. A task claimed by someone else, or no longer pending, is skipped.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, taskID string) (*DispatchResult, error) {
	var res *DispatchResult
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var err error
		res, err = o.DispatchOne(ctx, taskID)
		if errors.Is(err, store.ErrTaskNotFound) || errors.Is(err, store.ErrInvalidTransition) {
			return &DispatchResult{Outcome: OutcomeNotEligible}, nil
		}
		if err != nil {
			return nil, err
		}
		if res.Outcome != OutcomeLost || res.Claim == nil || res.Claim.Outcome != store.ClaimOutcomeInstanceUnavailable {
			return res, nil
		}
	}
	return res, nil
}

// OnInstanceDisconnect runs the disconnect cascade for an instance. Callers
// should run AutoDispatch afterwards to hand the released work out again.
func (o *Orchestrator) OnInstanceDisconnect(ctx context.Context, instanceID string) (*registry.DisconnectResult, error) {
	return o.registry.MarkDisconnected(ctx, instanceID)
}

// Stats computes instance and task counts for a project from current state.
func (o *Orchestrator) Stats(ctx context.Context, projectID string) (*Stats, error) {
	instances, err := o.registry.CountByStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}
	taskCounts, err := o.tasks.CountByStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}
	available, err := o.tasks.Available(ctx, projectID)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ProjectID: projectID,
		Instances: make(map[models.InstanceStatus]int, len(models.InstanceStatuses)),
		Tasks:     make(map[models.TaskStatus]int, len(models.TaskStatuses)),
		Available: len(available),
	}
	for _, s := range models.InstanceStatuses {
		st.Instances[s] = instances[s]
	}
	for _, s := range models.TaskStatuses {
		st.Tasks[s] = taskCounts[s]
	}
	return st, nil
}

// ClaimTask claims a task on behalf of an instance. A registered instance
// is marked busy in the same transaction and must be idle and below its
// usage ceiling; an unregistered claimer only takes the task.
func (o *Orchestrator) ClaimTask(ctx context.Context, taskID, instanceID string) (*tasks.ClaimResult, error) {
	if instanceID == "" {
		return nil, &store.ValidationError{Field: "instance_id", Message: "must not be empty"}
	}
	inst, err := o.registry.Get(ctx, instanceID)
	if errors.Is(err, store.ErrInstanceNotFound) {
		return o.tasks.Claim(ctx, taskID, instanceID)
	}
	if err != nil {
		return nil, err
	}
	if !o.registry.CanAcceptTask(inst) {
		if _, err := o.tasks.Get(ctx, taskID); err != nil {
			return nil, err
		}
		return &tasks.ClaimResult{Outcome: store.ClaimOutcomeInstanceUnavailable}, nil
	}
	return o.tasks.Assign(ctx, taskID, instanceID)
}

// ClaimForInstance hands a registered instance the next eligible task of
// its project. Losing a pick to a concurrent round moves on to the next one.
func (o *Orchestrator) ClaimForInstance(ctx context.Context, instanceID string) (*tasks.ClaimResult, error) {
	inst, err := o.registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !o.registry.CanAcceptTask(inst) {
		return &tasks.ClaimResult{Outcome: store.ClaimOutcomeInstanceUnavailable}, nil
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		next, err := o.tasks.NextAvailable(ctx, inst.ProjectID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return &tasks.ClaimResult{Outcome: store.ClaimOutcomeNoneAvailable}, nil
		}
		res, err := o.tasks.Assign(ctx, next.ID, instanceID)
		if err != nil {
			return nil, err
		}
		if res.Outcome != store.ClaimOutcomeAlreadyClaimed && res.Outcome != store.ClaimOutcomeDependenciesNotMet {
			return res, nil
		}
	}
	return &tasks.ClaimResult{Outcome: store.ClaimOutcomeNoneAvailable}, nil
}

// CompleteTask completes a task and returns its instance to idle, counting
// the completion.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID, summary string, filesModified []string) (*models.Task, error) {
	tr, err := o.tasks.Complete(ctx, taskID, summary, filesModified)
	if err != nil {
		return nil, err
	}
	o.idle(ctx, tr, true)
	return tr.Task, nil
}

// ReleaseTask returns a task to pending and frees its instance.
func (o *Orchestrator) ReleaseTask(ctx context.Context, taskID, reason string) (*models.Task, error) {
	tr, err := o.tasks.Release(ctx, taskID, reason)
	if err != nil {
		return nil, err
	}
	o.idle(ctx, tr, false)
	return tr.Task, nil
}

// BlockTask parks a task with a reason and frees its instance.
func (o *Orchestrator) BlockTask(ctx context.Context, taskID, reason string) (*models.Task, error) {
	if reason == "" {
		return nil, &store.ValidationError{Field: "reason", Message: "must not be empty"}
	}
	tr, err := o.tasks.Block(ctx, taskID, reason)
	if err != nil {
		return nil, err
	}
	o.idle(ctx, tr, false)
	return tr.Task, nil
}

// DeleteTask removes a task, releasing its claim and freeing its instance.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) error {
	tr, err := o.tasks.Delete(ctx, taskID)
	if err != nil {
		return err
	}
	o.idle(ctx, tr, false)
	return nil
}

// idle returns the previous assignee to idle. The task row already changed,
// so a failure here is logged rather than returned.
func (o *Orchestrator) idle(ctx context.Context, tr *store.Transition, completed bool) {
	if tr.PreviousAssignee == "" {
		return
	}
	if _, err := o.registry.MarkIdle(ctx, tr.PreviousAssignee, tr.Task.ID, completed); err != nil {
		o.logger.Warn("failed to mark instance idle",
			"instance_id", tr.PreviousAssignee, "task_id", tr.Task.ID, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, task *models.Task, inst *models.Instance) {
	if o.notifier == nil {
		return
	}
	payload := map[string]any{
		"task_id":     task.ID,
		"project_id":  task.ProjectID,
		"instance_id": inst.ID,
		"title":       task.Title,
		"description": task.Description,
		"priority":    task.Priority,
		"file_paths":  task.FilePaths,
	}
	if _, err := o.notifier.Send(ctx, inst.MachineID, MessageTaskAssigned, payload); err != nil {
		o.logger.Warn("failed to notify machine", "machine_id", inst.MachineID, "task_id", task.ID, "error", err)
	}
}
