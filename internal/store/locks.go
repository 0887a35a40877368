package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

const lockColumns = `id, project_id, path, instance_id, reason, locked_at, expires_at`

// LockRequest describes a lock acquisition.
type LockRequest struct {
	ProjectID  string
	Path       string
	InstanceID string
	Reason     string
	TTL        time.Duration
}

// LockConflict identifies the active lock that blocked an acquisition.
type LockConflict struct {
	Path      string    `json:"path"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LockResult is the outcome of an acquisition. Exactly one of Lock or
// Conflict is set.
type LockResult struct {
	Lock *models.Lock `json:"lock,omitempty"`
	// Renewed is true when the holder already owned the lock.
	Renewed  bool          `json:"renewed,omitempty"`
	Conflict *LockConflict `json:"conflict,omitempty"`
}

// Acquired reports whether the lock is now held by the requester.
func (r *LockResult) Acquired() bool {
	return r != nil && r.Conflict == nil && r.Lock != nil
}

// BulkLockResult is the outcome of an all-or-nothing acquisition.
type BulkLockResult struct {
	Locks    []models.Lock `json:"locks,omitempty"`
	Conflict *LockConflict `json:"conflict,omitempty"`
}

// Acquired reports whether every requested path is now held.
func (r *BulkLockResult) Acquired() bool {
	return r != nil && r.Conflict == nil
}

// --- Lock Operations ---

// AcquireLock takes or renews the lock on a path. Expired rows for the path
// are removed first, so an expired lock never blocks anyone.
func (s *Store) AcquireLock(ctx context.Context, req LockRequest) (*LockResult, error) {
	if err := validateLockRequest(req.ProjectID, req.InstanceID, req.TTL, req.Path); err != nil {
		return nil, err
	}

	var result *LockResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = s.acquireTx(ctx, tx, req, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BulkAcquireLocks acquires every path for one holder or none of them. All
// paths are checked before any row is written.
func (s *Store) BulkAcquireLocks(ctx context.Context, projectID string, paths []string, instanceID, reason string, ttl time.Duration) (*BulkLockResult, error) {
	paths = dedupe(paths)
	if len(paths) == 0 {
		return nil, validationError("paths", "must not be empty")
	}
	if err := validateLockRequest(projectID, instanceID, ttl, paths...); err != nil {
		return nil, err
	}

	var result *BulkLockResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE project_id = ? AND path IN (`+placeholders(len(paths))+`) AND expires_at <= ?`,
			append(append([]any{projectID}, stringArgs(paths)...), nanos(now))...,
		); err != nil {
			return fmt.Errorf("purge expired locks: %w", err)
		}

		for _, path := range paths {
			existing, err := activeLock(ctx, tx, projectID, path, now)
			if err != nil {
				return err
			}
			if existing != nil && existing.InstanceID != instanceID {
				result = &BulkLockResult{Conflict: &LockConflict{
					Path:      path,
					HolderID:  existing.InstanceID,
					ExpiresAt: existing.ExpiresAt,
				}}
				return nil
			}
		}

		locks := make([]models.Lock, 0, len(paths))
		for _, path := range paths {
			res, err := s.acquireTx(ctx, tx, LockRequest{
				ProjectID:  projectID,
				Path:       path,
				InstanceID: instanceID,
				Reason:     reason,
				TTL:        ttl,
			}, now)
			if err != nil {
				return err
			}
			locks = append(locks, *res.Lock)
		}
		result = &BulkLockResult{Locks: locks}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) acquireTx(ctx context.Context, tx *sql.Tx, req LockRequest, now time.Time) (*LockResult, error) {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM locks WHERE project_id = ? AND path = ? AND expires_at <= ?`,
		req.ProjectID, req.Path, nanos(now),
	); err != nil {
		return nil, fmt.Errorf("purge expired lock: %w", err)
	}

	existing, err := activeLock(ctx, tx, req.ProjectID, req.Path, now)
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(req.TTL)

	if existing != nil {
		if existing.InstanceID != req.InstanceID {
			return &LockResult{Conflict: &LockConflict{
				Path:      req.Path,
				HolderID:  existing.InstanceID,
				ExpiresAt: existing.ExpiresAt,
			}}, nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE locks SET reason = ?, expires_at = ? WHERE id = ?`,
			req.Reason, nanos(expiresAt), existing.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("renew lock: %w", err)
		}
		existing.Reason = req.Reason
		existing.ExpiresAt = expiresAt
		return &LockResult{Lock: existing, Renewed: true}, nil
	}

	lock := &models.Lock{
		ID:         uuid.New().String(),
		ProjectID:  req.ProjectID,
		Path:       req.Path,
		InstanceID: req.InstanceID,
		Reason:     req.Reason,
		LockedAt:   now,
		ExpiresAt:  expiresAt,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (id, project_id, path, instance_id, reason, locked_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lock.ID, lock.ProjectID, lock.Path, lock.InstanceID, lock.Reason, nanos(now), nanos(expiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	return &LockResult{Lock: lock}, nil
}

// ReleaseLock removes an active lock held by instanceID. It reports false
// when no such lock exists.
func (s *Store) ReleaseLock(ctx context.Context, projectID, path, instanceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE project_id = ? AND path = ? AND instance_id = ? AND expires_at > ?`,
		projectID, path, instanceID, nanos(s.clock.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ForceReleaseLock removes the lock on a path regardless of holder and
// returns the active lock that was removed, if any.
func (s *Store) ForceReleaseLock(ctx context.Context, projectID, path string) (*models.Lock, error) {
	var removed *models.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = activeLock(ctx, tx, projectID, path, s.clock.Now())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE project_id = ? AND path = ?`, projectID, path); err != nil {
			return fmt.Errorf("force release lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ExtendLock sets the expiry of an active lock held by instanceID to now+d.
// It returns nil when the caller does not hold an active lock on the path.
func (s *Store) ExtendLock(ctx context.Context, projectID, path, instanceID string, d time.Duration) (*models.Lock, error) {
	if d <= 0 {
		return nil, validationError("duration", "must be positive")
	}
	var result *models.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		lock, err := activeLock(ctx, tx, projectID, path, now)
		if err != nil || lock == nil || lock.InstanceID != instanceID {
			return err
		}
		expiresAt := now.Add(d)
		if _, err := tx.ExecContext(ctx,
			`UPDATE locks SET expires_at = ? WHERE id = ?`, nanos(expiresAt), lock.ID,
		); err != nil {
			return fmt.Errorf("extend lock: %w", err)
		}
		lock.ExpiresAt = expiresAt
		result = lock
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetActiveLock returns the active lock on a path, or nil.
func (s *Store) GetActiveLock(ctx context.Context, projectID, path string) (*models.Lock, error) {
	return activeLock(ctx, s.db, projectID, path, s.clock.Now())
}

// ListActiveLocks returns the active locks of a project, optionally only
// those held by instanceID, ordered by path.
func (s *Store) ListActiveLocks(ctx context.Context, projectID, instanceID string) ([]models.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM locks WHERE project_id = ? AND expires_at > ?`
	args := []any{projectID, nanos(s.clock.Now())}
	if instanceID != "" {
		query += ` AND instance_id = ?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY path ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []models.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, *lock)
	}
	return locks, rows.Err()
}

// ReleaseLocksByInstance removes every lock held by instanceID in a project
// and returns the ones that were still active.
func (s *Store) ReleaseLocksByInstance(ctx context.Context, projectID, instanceID string) ([]models.Lock, error) {
	var released []models.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+lockColumns+` FROM locks WHERE project_id = ? AND instance_id = ? AND expires_at > ? ORDER BY path`,
			projectID, instanceID, nanos(s.clock.Now()))
		if err != nil {
			return fmt.Errorf("query instance locks: %w", err)
		}
		for rows.Next() {
			lock, err := scanLock(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan lock: %w", err)
			}
			released = append(released, *lock)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE project_id = ? AND instance_id = ?`, projectID, instanceID,
		); err != nil {
			return fmt.Errorf("release instance locks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// PurgeExpiredLocks deletes expired lock rows and returns how many were removed.
func (s *Store) PurgeExpiredLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, nanos(s.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return res.RowsAffected()
}

func activeLock(ctx context.Context, q querier, projectID, path string, now time.Time) (*models.Lock, error) {
	lock, err := scanLock(q.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE project_id = ? AND path = ? AND expires_at > ?`,
		projectID, path, nanos(now)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	return lock, nil
}

func scanLock(row scanner) (*models.Lock, error) {
	var lock models.Lock
	var lockedAt, expiresAt int64
	if err := row.Scan(&lock.ID, &lock.ProjectID, &lock.Path, &lock.InstanceID, &lock.Reason, &lockedAt, &expiresAt); err != nil {
		return nil, err
	}
	lock.LockedAt = fromNanos(lockedAt)
	lock.ExpiresAt = fromNanos(expiresAt)
	return &lock, nil
}

func validateLockRequest(projectID, instanceID string, ttl time.Duration, paths ...string) error {
	if strings.TrimSpace(projectID) == "" {
		return validationError("project_id", "must not be empty")
	}
	if strings.TrimSpace(instanceID) == "" {
		return validationError("instance_id", "must not be empty")
	}
	if ttl <= 0 {
		return validationError("ttl", "must be positive")
	}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			return validationError("path", "must not be empty")
		}
	}
	return nil
}
