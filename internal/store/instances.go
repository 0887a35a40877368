package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/models"
)

const instanceColumns = `id, project_id, machine_id, session_id, status, current_task_id,
	context_tokens_used, max_context_tokens, tasks_completed, connected_at, last_activity_at, disconnected_at`

// RegisterParams identifies an instance on (re)registration.
type RegisterParams struct {
	ID               string
	ProjectID        string
	MachineID        string
	SessionID        string
	MaxContextTokens int
}

// InstanceFilter selects instances for ListInstances.
type InstanceFilter struct {
	ProjectID string
	Status    models.InstanceStatus
	// ConnectedOnly excludes disconnected instances.
	ConnectedOnly bool
}

// HeartbeatParams carries the optional fields of a heartbeat.
type HeartbeatParams struct {
	ContextTokens *int
	Status        *models.InstanceStatus
}

// --- Instance Operations ---

// UpsertInstance creates or resets an instance. A reconnect resets counters,
// status and the disconnect stamp exactly like a first registration.
func (s *Store) UpsertInstance(ctx context.Context, p RegisterParams) (*models.Instance, error) {
	if err := validateRegister(p); err != nil {
		return nil, err
	}
	return upsertInstance(ctx, s.db, p, s.clock.Now())
}

// ReregisterInstance releases every task still assigned to the id and
// resets the instance to idle in one transaction, so no assignment can land
// between the release and the reset. It returns the released task ids.
func (s *Store) ReregisterInstance(ctx context.Context, p RegisterParams, reason string) (*models.Instance, []string, error) {
	if err := validateRegister(p); err != nil {
		return nil, nil, err
	}
	var (
		inst     *models.Instance
		released []string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		var err error
		released, err = releaseAssignedTx(ctx, tx, p.ID, reason, now)
		if err != nil {
			return err
		}
		inst, err = upsertInstance(ctx, tx, p, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return inst, released, nil
}

func validateRegister(p RegisterParams) error {
	if strings.TrimSpace(p.ID) == "" {
		return validationError("instance_id", "must not be empty")
	}
	if strings.TrimSpace(p.ProjectID) == "" {
		return validationError("project_id", "must not be empty")
	}
	if strings.TrimSpace(p.MachineID) == "" {
		return validationError("machine_id", "must not be empty")
	}
	if p.MaxContextTokens < 0 {
		return validationError("max_context_tokens", "must not be negative")
	}
	return nil
}

func upsertInstance(ctx context.Context, q querier, p RegisterParams, now time.Time) (*models.Instance, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO instances (id, project_id, machine_id, session_id, status, current_task_id,
			context_tokens_used, max_context_tokens, tasks_completed, connected_at, last_activity_at, disconnected_at)
		 VALUES (?, ?, ?, ?, ?, NULL, 0, ?, 0, ?, ?, NULL)
		 ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			machine_id = excluded.machine_id,
			session_id = excluded.session_id,
			status = excluded.status,
			current_task_id = NULL,
			context_tokens_used = 0,
			max_context_tokens = excluded.max_context_tokens,
			tasks_completed = 0,
			connected_at = excluded.connected_at,
			last_activity_at = excluded.last_activity_at,
			disconnected_at = NULL`,
		p.ID, p.ProjectID, p.MachineID, p.SessionID, models.InstanceStatusIdle,
		p.MaxContextTokens, nanos(now), nanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert instance: %w", err)
	}

	return &models.Instance{
		ID:               p.ID,
		ProjectID:        p.ProjectID,
		MachineID:        p.MachineID,
		SessionID:        p.SessionID,
		Status:           models.InstanceStatusIdle,
		MaxContextTokens: p.MaxContextTokens,
		ConnectedAt:      now,
		LastActivityAt:   now,
	}, nil
}

// GetInstance retrieves an instance by ID. It returns nil, nil when missing.
func (s *Store) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	return getInstance(ctx, s.db, id)
}

// ListInstances returns instances matching the filter ordered by id.
func (s *Store) ListInstances(ctx context.Context, f InstanceFilter) ([]models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
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
	if f.ConnectedOnly {
		where = append(where, "disconnected_at IS NULL")
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`

	return queryInstances(ctx, s.db, query, args...)
}

// TouchInstance records activity for an instance and optionally updates its
// context usage and status. Only idle and active may be set this way, and
// only while the instance holds no task; busy is reserved for assignment.
func (s *Store) TouchInstance(ctx context.Context, id string, p HeartbeatParams) (*models.Instance, error) {
	if p.ContextTokens != nil && *p.ContextTokens < 0 {
		return nil, validationError("context_tokens", "must not be negative")
	}

	var result *models.Instance
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if inst == nil {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		if !inst.Connected() {
			return fmt.Errorf("%w: %s", ErrInstanceDisconnected, id)
		}

		if p.Status != nil && *p.Status != inst.Status {
			switch *p.Status {
			case models.InstanceStatusIdle, models.InstanceStatusActive:
				if inst.CurrentTaskID != "" {
					return fmt.Errorf("%w: instance %s holds task %s", ErrInvalidTransition, id, inst.CurrentTaskID)
				}
			default:
				return fmt.Errorf("%w: heartbeat cannot set status %s", ErrInvalidTransition, *p.Status)
			}
			inst.Status = *p.Status
		}
		if p.ContextTokens != nil {
			inst.ContextTokensUsed = *p.ContextTokens
		}
		inst.LastActivityAt = s.clock.Now()

		_, err = tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, context_tokens_used = ?, last_activity_at = ? WHERE id = ?`,
			inst.Status, inst.ContextTokensUsed, nanos(inst.LastActivityAt), id,
		)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		result = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetInstanceBusy marks an idle, connected instance busy with taskID. It
// reports false when the instance is not in a state to take the task.
func (s *Store) SetInstanceBusy(ctx context.Context, id, taskID string) (bool, error) {
	if taskID == "" {
		return false, validationError("task_id", "must not be empty")
	}
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, current_task_id = ?, last_activity_at = ?
		 WHERE id = ? AND status IN (?, ?) AND current_task_id IS NULL AND disconnected_at IS NULL`,
		models.InstanceStatusBusy, taskID, nanos(now),
		id, models.InstanceStatusIdle, models.InstanceStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("mark instance busy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		inst, err := getInstance(ctx, s.db, id)
		if err != nil {
			return false, err
		}
		if inst == nil {
			return false, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
	}
	return n > 0, nil
}

// SetInstanceIdle returns a busy instance to idle. When taskID is non-empty
// the instance must currently hold that task; otherwise nothing changes.
// completed increments the tasks-completed counter.
func (s *Store) SetInstanceIdle(ctx context.Context, id, taskID string, completed bool) (bool, error) {
	query := `UPDATE instances SET status = ?, current_task_id = NULL, last_activity_at = ?,
		tasks_completed = tasks_completed + ?
		WHERE id = ? AND disconnected_at IS NULL`
	inc := 0
	if completed {
		inc = 1
	}
	args := []any{models.InstanceStatusIdle, nanos(s.clock.Now()), inc, id}
	if taskID != "" {
		query += ` AND current_task_id = ?`
		args = append(args, taskID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark instance idle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkInstanceDisconnected stamps the instance disconnected and clears its
// current task. It returns the instance as it was before the change.
func (s *Store) MarkInstanceDisconnected(ctx context.Context, id string) (*models.Instance, error) {
	var prev *models.Instance
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if inst == nil {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		prev = inst

		now := s.clock.Now()
		_, err = tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, current_task_id = NULL, disconnected_at = COALESCE(disconnected_at, ?),
				last_activity_at = ?
			 WHERE id = ?`,
			models.InstanceStatusDisconnected, nanos(now), nanos(now), id,
		)
		if err != nil {
			return fmt.Errorf("mark instance disconnected: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// IdleInstances returns the idle, connected instances of a project with
// the lowest context usage first, ties broken by id.
func (s *Store) IdleInstances(ctx context.Context, projectID string) ([]models.Instance, error) {
	return queryInstances(ctx, s.db,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE project_id = ? AND status = ? AND current_task_id IS NULL AND disconnected_at IS NULL
		 ORDER BY context_tokens_used ASC, id ASC`,
		projectID, models.InstanceStatusIdle)
}

// StaleInstances returns connected instances whose last activity is before cutoff.
func (s *Store) StaleInstances(ctx context.Context, cutoff time.Time) ([]models.Instance, error) {
	return queryInstances(ctx, s.db,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE disconnected_at IS NULL AND last_activity_at < ?
		 ORDER BY id ASC`,
		nanos(cutoff))
}

// CountInstancesByStatus returns instance counts per status for a project.
func (s *Store) CountInstancesByStatus(ctx context.Context, projectID string) (map[models.InstanceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM instances WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.InstanceStatus]int)
	for rows.Next() {
		var status models.InstanceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan instance count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func getInstance(ctx context.Context, q querier, id string) (*models.Instance, error) {
	inst, err := scanInstance(q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

func queryInstances(ctx context.Context, q querier, query string, args ...any) ([]models.Instance, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func scanInstance(row scanner) (*models.Instance, error) {
	var inst models.Instance
	var currentTask sql.NullString
	var connectedAt, lastActivity int64
	var disconnectedAt sql.NullInt64

	err := row.Scan(&inst.ID, &inst.ProjectID, &inst.MachineID, &inst.SessionID, &inst.Status, &currentTask,
		&inst.ContextTokensUsed, &inst.MaxContextTokens, &inst.TasksCompleted, &connectedAt, &lastActivity,
		&disconnectedAt)
	if err != nil {
		return nil, err
	}
	if currentTask.Valid {
		inst.CurrentTaskID = currentTask.String
	}
	inst.ConnectedAt = fromNanos(connectedAt)
	inst.LastActivityAt = fromNanos(lastActivity)
	inst.DisconnectedAt = nullableTime(disconnectedAt)
	return &inst, nil
}
