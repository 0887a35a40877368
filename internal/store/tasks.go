package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

const taskColumns = `id, project_id, wave, title, description, priority, status, assigned_to,
	claimed_at, completed_at, dependencies, blocked_by, file_paths, estimated_cost,
	completion_summary, files_modified, created_by, created_at, updated_at`

// dispatchOrder is the eligibility ordering contract: wave ascending with
// wave-less tasks last, priority weight descending, creation time, then id.
const dispatchOrder = `ORDER BY (wave IS NULL) ASC, wave ASC,
	CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC,
	created_at ASC, id ASC`

// ClaimOutcome describes how a claim attempt resolved.
type ClaimOutcome string

const (
	ClaimOutcomeClaimed             ClaimOutcome = "claimed"
	ClaimOutcomeAlreadyClaimed      ClaimOutcome = "already_claimed"
	ClaimOutcomeDependenciesNotMet  ClaimOutcome = "dependencies_not_met"
	ClaimOutcomeNoneAvailable       ClaimOutcome = "none_available"
	ClaimOutcomeInstanceUnavailable ClaimOutcome = "instance_unavailable"
)

// ClaimResult holds the result of an atomic claim operation.
type ClaimResult struct {
	Outcome ClaimOutcome `json:"outcome"`
	// Task is the claimed task, or its current state when the claim lost.
	Task *models.Task `json:"task,omitempty"`
	// Holder is the winning instance when Outcome is already_claimed.
	Holder string `json:"holder,omitempty"`
	// UnmetDependencies lists dependency ids that are not done.
	UnmetDependencies []string `json:"unmet_dependencies,omitempty"`
}

// Claimed reports whether the claim succeeded.
func (r *ClaimResult) Claimed() bool {
	return r != nil && r.Outcome == ClaimOutcomeClaimed
}

// Transition is the result of a status change that may have cleared an
// assignment. PreviousAssignee is the instance that held the task before.
type Transition struct {
	Task             *models.Task
	PreviousAssignee string
}

// CreateTaskParams holds the fields accepted when creating a task.
type CreateTaskParams struct {
	ProjectID     string
	Wave          *int
	Title         string
	Description   string
	Priority      models.Priority
	Dependencies  []string
	FilePaths     []string
	EstimatedCost float64
	CreatedBy     string
}

// TaskFilter selects tasks for ListTasks. Empty fields match everything.
type TaskFilter struct {
	ProjectID  string
	Status     models.TaskStatus
	AssignedTo string
	Priority   models.Priority
	Wave       *int
}

// errInstanceUnavailable aborts an assignment transaction.
var errInstanceUnavailable = errors.New("instance unavailable")

// --- Task Operations ---

// CreateTask inserts a new pending task. Every dependency must reference an
// existing task in the same project.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*models.Task, error) {
	if strings.TrimSpace(p.ProjectID) == "" {
		return nil, validationError("project_id", "must not be empty")
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, validationError("title", "must not be empty")
	}
	if p.Priority == "" {
		p.Priority = models.PriorityMedium
	}
	if !p.Priority.Valid() {
		return nil, validationError("priority", "unknown priority %q", p.Priority)
	}

	deps := dedupe(p.Dependencies)
	now := s.clock.Now()
	task := &models.Task{
		ID:            uuid.New().String(),
		ProjectID:     p.ProjectID,
		Wave:          p.Wave,
		Title:         p.Title,
		Description:   p.Description,
		Priority:      p.Priority,
		Status:        models.TaskStatusPending,
		Dependencies:  deps,
		FilePaths:     dedupe(p.FilePaths),
		EstimatedCost: p.EstimatedCost,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if len(deps) > 0 {
			found, err := taskProjectsTx(ctx, tx, deps)
			if err != nil {
				return err
			}
			for _, depID := range deps {
				project, ok := found[depID]
				if !ok {
					return validationError("dependencies", "task %s does not exist", depID)
				}
				if project != p.ProjectID {
					return validationError("dependencies", "task %s belongs to another project", depID)
				}
			}
		}

		var wave any
		if task.Wave != nil {
			wave = *task.Wave
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, project_id, wave, title, description, priority, status, dependencies,
				file_paths, estimated_cost, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.ProjectID, wave, task.Title, task.Description, task.Priority, task.Status,
			encodeList(task.Dependencies), encodeList(task.FilePaths), task.EstimatedCost, task.CreatedBy,
			nanos(now), nanos(now),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask retrieves a task by ID. It returns nil, nil when the task does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, s.db, id)
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var where []string
	var args []any

	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, f.Priority)
	}
	if f.Wave != nil {
		where = append(where, "wave = ?")
		args = append(args, *f.Wave)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	return queryTasks(ctx, s.db, query, args...)
}

// DeleteTask removes a task, clearing any claim first.
func (s *Store) DeleteTask(ctx context.Context, id string) (*Transition, error) {
	var result *Transition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		prev := task.AssignedTo
		task.AssignedTo = ""
		task.ClaimedAt = nil
		result = &Transition{Task: task, PreviousAssignee: prev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimTask atomically assigns a pending, dependency-satisfied task to an
// instance. Losing a race is reported as ClaimOutcomeAlreadyClaimed, not as
// an error; claiming a task that is done, blocked or in review is
// ErrInvalidTransition.
func (s *Store) ClaimTask(ctx context.Context, taskID, instanceID string) (*ClaimResult, error) {
	if instanceID == "" {
		return nil, validationError("instance_id", "must not be empty")
	}
	var result *ClaimResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = s.claimTx(ctx, tx, taskID, instanceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimNextAvailable selects the first eligible task of a project in
// dispatch order and claims it within the same transaction.
func (s *Store) ClaimNextAvailable(ctx context.Context, projectID, instanceID string) (*ClaimResult, error) {
	if instanceID == "" {
		return nil, validationError("instance_id", "must not be empty")
	}
	var result *ClaimResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		candidates, err := availableTasks(ctx, tx, projectID, 1)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			result = &ClaimResult{Outcome: ClaimOutcomeNoneAvailable}
			return nil
		}
		result, err = s.claimTx(ctx, tx, candidates[0].ID, instanceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AssignTask claims a task for an instance and marks the instance busy in
// one transaction. Either both rows change or neither does: if the instance
// is no longer idle and connected the claim is rolled back and the outcome
// is ClaimOutcomeInstanceUnavailable.
func (s *Store) AssignTask(ctx context.Context, taskID, instanceID string) (*ClaimResult, error) {
	var result *ClaimResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := getInstance(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if inst == nil {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}

		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task != nil && task.ProjectID != inst.ProjectID {
			return validationError("instance_id", "instance %s is attached to project %s, not %s",
				instanceID, inst.ProjectID, task.ProjectID)
		}

		result, err = s.claimTx(ctx, tx, taskID, instanceID)
		if err != nil || !result.Claimed() {
			return err
		}

		now := s.clock.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, current_task_id = ?, last_activity_at = ?
			 WHERE id = ? AND status = ? AND current_task_id IS NULL AND disconnected_at IS NULL`,
			models.InstanceStatusBusy, taskID, nanos(now),
			instanceID, models.InstanceStatusIdle,
		)
		if err != nil {
			return fmt.Errorf("mark instance busy: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		} else if n == 0 {
			return errInstanceUnavailable
		}
		return nil
	})
	if errors.Is(err, errInstanceUnavailable) {
		return &ClaimResult{Outcome: ClaimOutcomeInstanceUnavailable}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// claimTx performs the claim compare-and-set inside tx.
func (s *Store) claimTx(ctx context.Context, tx *sql.Tx, taskID, instanceID string) (*ClaimResult, error) {
	task, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	switch {
	case task.Status == models.TaskStatusInProgress || task.AssignedTo != "":
		return &ClaimResult{Outcome: ClaimOutcomeAlreadyClaimed, Task: task, Holder: task.AssignedTo}, nil
	case task.Status != models.TaskStatusPending:
		return nil, fmt.Errorf("%w: cannot claim task %s in status %s", ErrInvalidTransition, taskID, task.Status)
	}

	unmet, err := unmetDependencies(ctx, tx, task)
	if err != nil {
		return nil, err
	}
	if len(unmet) > 0 {
		return &ClaimResult{Outcome: ClaimOutcomeDependenciesNotMet, Task: task, UnmetDependencies: unmet}, nil
	}

	now := s.clock.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_to = ?, claimed_at = ?, blocked_by = '', updated_at = ?
		 WHERE id = ? AND status = ? AND assigned_to IS NULL`,
		models.TaskStatusInProgress, instanceID, nanos(now), nanos(now),
		taskID, models.TaskStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Task was modified between our check and update
		current, err := getTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		holder := ""
		if current != nil {
			holder = current.AssignedTo
		}
		return &ClaimResult{Outcome: ClaimOutcomeAlreadyClaimed, Task: current, Holder: holder}, nil
	}

	task.Status = models.TaskStatusInProgress
	task.AssignedTo = instanceID
	task.ClaimedAt = &now
	task.BlockedBy = ""
	task.UpdatedAt = now
	return &ClaimResult{Outcome: ClaimOutcomeClaimed, Task: task}, nil
}

// ReleaseTask returns a task to pending, clearing its assignment and
// recording reason in blocked_by. It is unconditional and idempotent.
func (s *Store) ReleaseTask(ctx context.Context, taskID, reason string) (*Transition, error) {
	return s.resetTask(ctx, taskID, models.TaskStatusPending, reason, nil)
}

// BlockTask marks a task blocked with reason, clearing any assignment. A
// done task cannot be blocked.
func (s *Store) BlockTask(ctx context.Context, taskID, reason string) (*Transition, error) {
	return s.resetTask(ctx, taskID, models.TaskStatusBlocked, reason, func(t *models.Task) error {
		if t.Status == models.TaskStatusDone {
			return fmt.Errorf("%w: cannot block task %s in status %s", ErrInvalidTransition, t.ID, t.Status)
		}
		return nil
	})
}

func (s *Store) resetTask(ctx context.Context, taskID string, status models.TaskStatus, reason string, check func(*models.Task) error) (*Transition, error) {
	var result *Transition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if check != nil {
			if err := check(task); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, assigned_to = NULL, claimed_at = NULL, blocked_by = ?, updated_at = ?
			 WHERE id = ?`,
			status, reason, nanos(now), taskID,
		)
		if err != nil {
			return fmt.Errorf("reset task: %w", err)
		}

		prev := task.AssignedTo
		task.Status = status
		task.AssignedTo = ""
		task.ClaimedAt = nil
		task.BlockedBy = reason
		task.UpdatedAt = now
		result = &Transition{Task: task, PreviousAssignee: prev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteTask marks an in-progress task done and records the completion
// summary. Any other starting status is ErrInvalidTransition.
func (s *Store) CompleteTask(ctx context.Context, taskID, summary string, filesModified []string) (*Transition, error) {
	var result *Transition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if task.Status != models.TaskStatusInProgress {
			return fmt.Errorf("%w: cannot complete task %s in status %s", ErrInvalidTransition, taskID, task.Status)
		}

		now := s.clock.Now()
		files := dedupe(filesModified)
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, assigned_to = NULL, completed_at = ?, completion_summary = ?,
				files_modified = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			models.TaskStatusDone, nanos(now), summary, encodeList(files), nanos(now),
			taskID, models.TaskStatusInProgress,
		)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}

		prev := task.AssignedTo
		task.Status = models.TaskStatusDone
		task.AssignedTo = ""
		task.CompletedAt = &now
		task.CompletionSummary = summary
		task.FilesModified = files
		task.UpdatedAt = now
		result = &Transition{Task: task, PreviousAssignee: prev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReleaseTasksAssignedTo returns every task held by instanceID to pending.
func (s *Store) ReleaseTasksAssignedTo(ctx context.Context, instanceID, reason string) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = releaseAssignedTx(ctx, tx, instanceID, reason, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func releaseAssignedTx(ctx context.Context, tx *sql.Tx, instanceID, reason string, now time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE assigned_to = ? ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query assigned tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_to = NULL, claimed_at = NULL, blocked_by = ?, updated_at = ?
		 WHERE assigned_to = ?`,
		models.TaskStatusPending, reason, nanos(now), instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("release assigned tasks: %w", err)
	}
	return ids, nil
}

// DependenciesSatisfied reports whether every dependency of the task is done.
// A dependency id that no longer resolves to a task is not satisfied.
func (s *Store) DependenciesSatisfied(ctx context.Context, taskID string) (bool, error) {
	task, err := getTask(ctx, s.db, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	unmet, err := unmetDependencies(ctx, s.db, task)
	if err != nil {
		return false, err
	}
	return len(unmet) == 0, nil
}

// NextAvailable returns the first eligible task of a project in dispatch
// order, or nil when nothing is eligible.
func (s *Store) NextAvailable(ctx context.Context, projectID string) (*models.Task, error) {
	tasks, err := availableTasks(ctx, s.db, projectID, 1)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

// AvailableTasks returns every eligible task of a project in dispatch order.
func (s *Store) AvailableTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	return availableTasks(ctx, s.db, projectID, 0)
}

// CountTasksByStatus returns task counts per status for a project.
func (s *Store) CountTasksByStatus(ctx context.Context, projectID string) (map[models.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ProjectsWithPendingTasks lists projects that have at least one unassigned
// pending task.
func (s *Store) ProjectsWithPendingTasks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project_id FROM tasks WHERE status = ? AND assigned_to IS NULL ORDER BY project_id`,
		models.TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, id)
	}
	return projects, rows.Err()
}

// --- helpers ---

// availableTasks returns pending, unassigned, dependency-satisfied tasks in
// dispatch order. limit <= 0 returns all of them.
func availableTasks(ctx context.Context, q querier, projectID string, limit int) ([]models.Task, error) {
	candidates, err := queryTasks(ctx, q,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND status = ? AND assigned_to IS NULL `+dispatchOrder,
		projectID, models.TaskStatusPending)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	statuses, err := projectStatuses(ctx, q, projectID)
	if err != nil {
		return nil, err
	}

	var eligible []models.Task
	for _, task := range candidates {
		if !depsDone(task.Dependencies, statuses) {
			continue
		}
		eligible = append(eligible, task)
		if limit > 0 && len(eligible) >= limit {
			break
		}
	}
	return eligible, nil
}

func depsDone(deps []string, statuses map[string]models.TaskStatus) bool {
	for _, depID := range deps {
		if statuses[depID] != models.TaskStatusDone {
			return false
		}
	}
	return true
}

func unmetDependencies(ctx context.Context, q querier, task *models.Task) ([]string, error) {
	if len(task.Dependencies) == 0 {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, status FROM tasks WHERE id IN (`+placeholders(len(task.Dependencies))+`)`,
		stringArgs(task.Dependencies)...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]models.TaskStatus, len(task.Dependencies))
	for rows.Next() {
		var id string
		var status models.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		statuses[id] = status
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var unmet []string
	for _, depID := range task.Dependencies {
		if statuses[depID] != models.TaskStatusDone {
			unmet = append(unmet, depID)
		}
	}
	return unmet, nil
}

func projectStatuses(ctx context.Context, q querier, projectID string) (map[string]models.TaskStatus, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, status FROM tasks WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query task statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]models.TaskStatus)
	for rows.Next() {
		var id string
		var status models.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan task status: %w", err)
		}
		statuses[id] = status
	}
	return statuses, rows.Err()
}

func taskProjectsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, project_id FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query dependency projects: %w", err)
	}
	defer rows.Close()

	found := make(map[string]string, len(ids))
	for rows.Next() {
		var id, project string
		if err := rows.Scan(&id, &project); err != nil {
			return nil, fmt.Errorf("scan dependency project: %w", err)
		}
		found[id] = project
	}
	return found, rows.Err()
}

func getTask(ctx context.Context, q querier, id string) (*models.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]models.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var task models.Task
	var wave sql.NullInt64
	var assignedTo sql.NullString
	var claimedAt, completedAt sql.NullInt64
	var deps, filePaths, filesModified string
	var createdAt, updatedAt int64

	err := row.Scan(&task.ID, &task.ProjectID, &wave, &task.Title, &task.Description, &task.Priority,
		&task.Status, &assignedTo, &claimedAt, &completedAt, &deps, &task.BlockedBy, &filePaths,
		&task.EstimatedCost, &task.CompletionSummary, &filesModified, &task.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if wave.Valid {
		w := int(wave.Int64)
		task.Wave = &w
	}
	if assignedTo.Valid {
		task.AssignedTo = assignedTo.String
	}
	task.ClaimedAt = nullableTime(claimedAt)
	task.CompletedAt = nullableTime(completedAt)
	task.Dependencies = decodeList(deps)
	task.FilePaths = decodeList(filePaths)
	task.FilesModified = decodeList(filesModified)
	task.CreatedAt = fromNanos(createdAt)
	task.UpdatedAt = fromNanos(updatedAt)
	return &task, nil
}

func dedupe(items []string) []string {
	out := []string{}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
