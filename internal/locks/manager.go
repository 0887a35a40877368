// Package locks manages expiring, path-scoped file locks within a project.
// Expired locks are treated as absent on every check; no background sweep
// is needed for correctness.
package locks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 30 * time.Minute

// Result is the outcome of a single acquisition.
type Result = store.LockResult

// BulkResult is the outcome of an all-or-nothing acquisition.
type BulkResult = store.BulkLockResult

// Conflict identifies the holder that blocked an acquisition.
type Conflict = store.LockConflict

// AcquireParams describes a lock request. A zero TTL uses the manager default.
type AcquireParams struct {
	ProjectID  string
	Path       string
	InstanceID string
	Reason     string
	TTL        time.Duration
}

// PathStatus reports who holds one path, from the point of view of a caller.
type PathStatus struct {
	Path      string     `json:"path"`
	Locked    bool       `json:"locked"`
	HolderID  string     `json:"holder_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// HeldByOther is true when the holder is not the asking instance.
	HeldByOther bool `json:"held_by_other"`
}

// Manager is the lock manager.
type Manager struct {
	db         *store.Store
	bus        *events.Bus
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewManager creates a lock manager. defaultTTL <= 0 uses DefaultTTL.
func NewManager(db *store.Store, bus *events.Bus, defaultTTL time.Duration, logger *slog.Logger) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Manager{
		db:         db,
		bus:        bus,
		defaultTTL: defaultTTL,
		logger:     logging.OrDiscard(logger).With("component", "locks"),
	}
}

// DefaultTTL returns the duration used when a request gives none.
func (m *Manager) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// Acquire takes the lock on a path, or renews it when the caller already
// holds it. Another instance's active lock is reported as a Conflict.
func (m *Manager) Acquire(ctx context.Context, p AcquireParams) (*Result, error) {
	res, err := m.db.AcquireLock(ctx, store.LockRequest{
		ProjectID:  p.ProjectID,
		Path:       p.Path,
		InstanceID: p.InstanceID,
		Reason:     p.Reason,
		TTL:        m.ttl(p.TTL),
	})
	if err != nil {
		return nil, err
	}
	if res.Conflict != nil {
		m.logger.Debug("lock held by another instance",
			"path", p.Path, "instance_id", p.InstanceID, "holder", res.Conflict.HolderID)
		return res, nil
	}
	m.logger.Info("lock acquired", "path", p.Path, "instance_id", p.InstanceID, "renewed", res.Renewed)
	m.publish(events.LockAcquired, res.Lock, map[string]any{"renewed": res.Renewed, "expires_at": res.Lock.ExpiresAt})
	return res, nil
}

// BulkAcquire locks every path for one instance or none of them. The first
// conflicting path is reported.
func (m *Manager) BulkAcquire(ctx context.Context, projectID string, paths []string, instanceID, reason string, ttl time.Duration) (*BulkResult, error) {
	res, err := m.db.BulkAcquireLocks(ctx, projectID, paths, instanceID, reason, m.ttl(ttl))
	if err != nil {
		return nil, err
	}
	if res.Conflict != nil {
		m.logger.Debug("bulk lock refused",
			"instance_id", instanceID, "path", res.Conflict.Path, "holder", res.Conflict.HolderID)
		return res, nil
	}
	for i := range res.Locks {
		m.publish(events.LockAcquired, &res.Locks[i], map[string]any{"bulk": true})
	}
	m.logger.Info("bulk lock acquired", "instance_id", instanceID, "paths", len(res.Locks))
	return res, nil
}

// Release frees a lock held by instanceID. It reports false when no active
// lock by that instance exists.
func (m *Manager) Release(ctx context.Context, projectID, path, instanceID string) (bool, error) {
	ok, err := m.db.ReleaseLock(ctx, projectID, path, instanceID)
	if err != nil || !ok {
		return false, err
	}
	m.logger.Info("lock released", "path", path, "instance_id", instanceID)
	m.bus.Publish(events.Event{
		Type:       events.LockReleased,
		ProjectID:  projectID,
		InstanceID: instanceID,
		Path:       path,
		Time:       m.db.Now(),
	})
	return true, nil
}

// ForceRelease frees a lock regardless of holder. It is for administrative
// callers only. It returns the lock that was active, if any.
func (m *Manager) ForceRelease(ctx context.Context, projectID, path string) (*models.Lock, error) {
	removed, err := m.db.ForceReleaseLock(ctx, projectID, path)
	if err != nil {
		return nil, err
	}
	if removed != nil {
		m.logger.Warn("lock force-released", "path", path, "holder", removed.InstanceID)
		m.publish(events.LockReleased, removed, map[string]any{"forced": true})
	}
	return removed, nil
}

// Extend pushes expiry to now+d on an active lock held by instanceID. It
// returns nil when the caller does not hold the lock.
func (m *Manager) Extend(ctx context.Context, projectID, path, instanceID string, d time.Duration) (*models.Lock, error) {
	lock, err := m.db.ExtendLock(ctx, projectID, path, instanceID, d)
	if err != nil || lock == nil {
		return nil, err
	}
	m.publish(events.LockExtended, lock, map[string]any{"expires_at": lock.ExpiresAt})
	return lock, nil
}

// IsLocked reports whether an active lock exists on the path.
func (m *Manager) IsLocked(ctx context.Context, projectID, path string) (bool, error) {
	lock, err := m.db.GetActiveLock(ctx, projectID, path)
	return lock != nil, err
}

// Owner returns the active lock on the path, or nil.
func (m *Manager) Owner(ctx context.Context, projectID, path string) (*models.Lock, error) {
	return m.db.GetActiveLock(ctx, projectID, path)
}

// ReleaseByInstance frees every lock the instance holds in a project.
func (m *Manager) ReleaseByInstance(ctx context.Context, projectID, instanceID string) ([]models.Lock, error) {
	released, err := m.db.ReleaseLocksByInstance(ctx, projectID, instanceID)
	if err != nil {
		return nil, err
	}
	for i := range released {
		m.publish(events.LockReleased, &released[i], nil)
	}
	if len(released) > 0 {
		m.logger.Info("released instance locks", "instance_id", instanceID, "count", len(released))
	}
	return released, nil
}

// ListActive returns a project's active locks, optionally only instanceID's.
func (m *Manager) ListActive(ctx context.Context, projectID, instanceID string) ([]models.Lock, error) {
	return m.db.ListActiveLocks(ctx, projectID, instanceID)
}

// Matching returns the active locks whose path matches a doublestar glob,
// e.g. "src/**/*.go".
func (m *Manager) Matching(ctx context.Context, projectID, pattern string) ([]models.Lock, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, &store.ValidationError{Field: "pattern", Message: fmt.Sprintf("invalid glob %q", pattern)}
	}
	active, err := m.db.ListActiveLocks(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	var matched []models.Lock
	for _, lock := range active {
		if ok, _ := doublestar.Match(pattern, lock.Path); ok {
			matched = append(matched, lock)
		}
	}
	return matched, nil
}

// CheckPaths reports the lock state of each path for instanceID. Entries
// may be globs; a glob reports every active lock it matches.
func (m *Manager) CheckPaths(ctx context.Context, projectID, instanceID string, paths []string) ([]PathStatus, error) {
	var out []PathStatus
	for _, p := range paths {
		var held []models.Lock
		if hasMeta(p) {
			matched, err := m.Matching(ctx, projectID, p)
			if err != nil {
				return nil, err
			}
			held = matched
		} else {
			lock, err := m.db.GetActiveLock(ctx, projectID, p)
			if err != nil {
				return nil, err
			}
			if lock != nil {
				held = []models.Lock{*lock}
			}
		}

		if len(held) == 0 {
			out = append(out, PathStatus{Path: p})
			continue
		}
		for _, lock := range held {
			expires := lock.ExpiresAt
			out = append(out, PathStatus{
				Path:        lock.Path,
				Locked:      true,
				HolderID:    lock.InstanceID,
				ExpiresAt:   &expires,
				HeldByOther: lock.InstanceID != instanceID,
			})
		}
	}
	return out, nil
}

// Purge deletes expired lock rows. Expiry is already enforced on read; this
// only keeps the table small.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	return m.db.PurgeExpiredLocks(ctx)
}

func (m *Manager) ttl(d time.Duration) time.Duration {
	if d <= 0 {
		return m.defaultTTL
	}
	return d
}

func (m *Manager) publish(eventType string, lock *models.Lock, data map[string]any) {
	m.bus.Publish(events.Event{
		Type:       eventType,
		ProjectID:  lock.ProjectID,
		InstanceID: lock.InstanceID,
		Path:       lock.Path,
		Data:       data,
		Time:       m.db.Now(),
	})
}

func hasMeta(p string) bool {
	for _, c := range p {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
