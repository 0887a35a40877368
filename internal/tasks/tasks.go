// Package tasks implements the task state machine: creation, atomic claim,
// release, completion and dependency-gated selection.
package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult = store.ClaimResult

// Filter selects tasks for List.
type Filter = store.TaskFilter

// CreateParams holds the fields of a new task.
type CreateParams = store.CreateTaskParams

// Store is the task repository. Every mutation goes through one of its
// named operations, each a single transaction.
type Store struct {
	db     *store.Store
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a task store. bus and logger may be nil.
func New(db *store.Store, bus *events.Bus, logger *slog.Logger) *Store {
	return &Store{db: db, bus: bus, logger: logging.OrDiscard(logger).With("component", "tasks")}
}

// Create adds a pending task to a project.
func (s *Store) Create(ctx context.Context, p CreateParams) (*models.Task, error) {
	task, err := s.db.CreateTask(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", task.ID, "project_id", task.ProjectID, "title", task.Title)
	s.publish(events.TaskCreated, task, "", nil)
	return task, nil
}

// Get returns a task, or store.ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return task, nil
}

// List returns tasks matching f.
func (s *Store) List(ctx context.Context, f Filter) ([]models.Task, error) {
	return s.db.ListTasks(ctx, f)
}

// Claim atomically assigns a pending task to instanceID. Losing a race is
// reported in the result, not as an error.
func (s *Store) Claim(ctx context.Context, taskID, instanceID string) (*ClaimResult, error) {
	res, err := s.db.ClaimTask(ctx, taskID, instanceID)
	if err != nil {
		return nil, err
	}
	s.observeClaim(res, instanceID)
	return res, nil
}

// ClaimNextAvailable picks and claims the next eligible task of a project
// in one step.
func (s *Store) ClaimNextAvailable(ctx context.Context, projectID, instanceID string) (*ClaimResult, error) {
	res, err := s.db.ClaimNextAvailable(ctx, projectID, instanceID)
	if err != nil {
		return nil, err
	}
	s.observeClaim(res, instanceID)
	return res, nil
}

// Assign claims a task for instanceID and marks the instance busy in the
// same transaction. If the instance is no longer idle the claim is rolled
// back and the outcome is store.ClaimOutcomeInstanceUnavailable.
func (s *Store) Assign(ctx context.Context, taskID, instanceID string) (*ClaimResult, error) {
	res, err := s.db.AssignTask(ctx, taskID, instanceID)
	if err != nil {
		return nil, err
	}
	if res.Outcome == store.ClaimOutcomeInstanceUnavailable {
		s.logger.Debug("assignment dropped, instance unavailable", "task_id", taskID, "instance_id", instanceID)
	}
	s.observeClaim(res, instanceID)
	return res, nil
}

// Release returns a task to pending regardless of its state, recording
// reason for diagnostics.
func (s *Store) Release(ctx context.Context, taskID, reason string) (*store.Transition, error) {
	tr, err := s.db.ReleaseTask(ctx, taskID, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task released", "task_id", taskID, "previous_assignee", tr.PreviousAssignee, "reason", reason)
	s.publish(events.TaskReleased, tr.Task, tr.PreviousAssignee, map[string]any{"reason": reason})
	return tr, nil
}

// Complete marks an in-progress task done.
func (s *Store) Complete(ctx context.Context, taskID, summary string, filesModified []string) (*store.Transition, error) {
	tr, err := s.db.CompleteTask(ctx, taskID, summary, filesModified)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task completed", "task_id", taskID, "instance_id", tr.PreviousAssignee)
	s.publish(events.TaskCompleted, tr.Task, tr.PreviousAssignee, map[string]any{"files_modified": tr.Task.FilesModified})
	return tr, nil
}

// Block parks a task with a reason, clearing any assignment.
func (s *Store) Block(ctx context.Context, taskID, reason string) (*store.Transition, error) {
	tr, err := s.db.BlockTask(ctx, taskID, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task blocked", "task_id", taskID, "reason", reason)
	s.publish(events.TaskBlocked, tr.Task, tr.PreviousAssignee, map[string]any{"reason": reason})
	return tr, nil
}

// Delete removes a task, releasing any claim first.
func (s *Store) Delete(ctx context.Context, taskID string) (*store.Transition, error) {
	tr, err := s.db.DeleteTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task deleted", "task_id", taskID)
	s.publish(events.TaskDeleted, tr.Task, tr.PreviousAssignee, nil)
	return tr, nil
}

// DependenciesSatisfied reports whether every dependency of the task is done.
func (s *Store) DependenciesSatisfied(ctx context.Context, taskID string) (bool, error) {
	return s.db.DependenciesSatisfied(ctx, taskID)
}

// NextAvailable returns the first eligible task of a project, or nil.
func (s *Store) NextAvailable(ctx context.Context, projectID string) (*models.Task, error) {
	return s.db.NextAvailable(ctx, projectID)
}

// Available returns every eligible task of a project in dispatch order.
func (s *Store) Available(ctx context.Context, projectID string) ([]models.Task, error) {
	return s.db.AvailableTasks(ctx, projectID)
}

// ReleaseAssignedTo releases every task held by instanceID.
func (s *Store) ReleaseAssignedTo(ctx context.Context, instanceID, reason string) ([]string, error) {
	ids, err := s.db.ReleaseTasksAssignedTo(ctx, instanceID, reason)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.logger.Info("task released", "task_id", id, "previous_assignee", instanceID, "reason", reason)
		s.bus.Publish(events.Event{
			Type:       events.TaskReleased,
			TaskID:     id,
			InstanceID: instanceID,
			Data:       map[string]any{"reason": reason},
			Time:       s.db.Now(),
		})
	}
	return ids, nil
}

// CountByStatus returns task counts per status for a project.
func (s *Store) CountByStatus(ctx context.Context, projectID string) (map[models.TaskStatus]int, error) {
	return s.db.CountTasksByStatus(ctx, projectID)
}

// ProjectsWithPending lists projects that have unassigned pending tasks.
func (s *Store) ProjectsWithPending(ctx context.Context) ([]string, error) {
	return s.db.ProjectsWithPendingTasks(ctx)
}

func (s *Store) observeClaim(res *ClaimResult, instanceID string) {
	switch res.Outcome {
	case store.ClaimOutcomeClaimed:
		s.logger.Info("task claimed", "task_id", res.Task.ID, "instance_id", instanceID)
		s.publish(events.TaskClaimed, res.Task, instanceID, nil)
	case store.ClaimOutcomeAlreadyClaimed:
		s.logger.Debug("claim lost", "instance_id", instanceID, "holder", res.Holder)
	case store.ClaimOutcomeDependenciesNotMet:
		s.logger.Debug("claim gated by dependencies", "task_id", res.Task.ID, "unmet", res.UnmetDependencies)
	}
}

func (s *Store) publish(eventType string, task *models.Task, instanceID string, data map[string]any) {
	s.bus.Publish(events.Event{
		Type:       eventType,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		InstanceID: instanceID,
		Data:       data,
		Time:       s.db.Now(),
	})
}
