package locks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *clock.Fake, *[]events.Event) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	db, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClock(fake))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(nil)
	var seen []events.Event
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e) })
	return NewManager(db, bus, ttl, nil), fake, &seen
}

func TestAcquire_MutualExclusionUntilRelease(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	ctx := context.Background()

	res, err := m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "src/x.ts", InstanceID: "A"})
	require.NoError(t, err)
	require.True(t, res.Acquired())
	assert.Equal(t, DefaultTTL, res.Lock.ExpiresAt.Sub(res.Lock.LockedAt))

	res, err = m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "src/x.ts", InstanceID: "B"})
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "A", res.Conflict.HolderID)

	ok, err := m.Release(ctx, "p1", "src/x.ts", "A")
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "src/x.ts", InstanceID: "B"})
	require.NoError(t, err)
	assert.True(t, res.Acquired())
}

func TestAcquire_MutualExclusionUntilExpiry(t *testing.T) {
	m, fake, _ := newTestManager(t, 10*time.Minute)
	ctx := context.Background()

	_, err := m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "src/x.ts", InstanceID: "A"})
	require.NoError(t, err)

	fake.Advance(9 * time.Minute)
	res, _ := m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "src/x.ts", InstanceID: "B"})
	assert.False(t, res.Acquired())

	fake.Advance(time.Minute)
	locked, err := m.IsLocked(ctx, "p1", "src/x.ts")
	require.NoError(t, err)
	assert.False(t, locked, "a lock at its expiry instant is expired")

	res, _ = m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "src/x.ts", InstanceID: "B"})
	require.True(t, res.Acquired())

	owner, err := m.Owner(ctx, "p1", "src/x.ts")
	require.NoError(t, err)
	assert.Equal(t, "B", owner.InstanceID)
}

func TestAcquire_SameHolderRenews(t *testing.T) {
	m, fake, _ := newTestManager(t, 10*time.Minute)
	ctx := context.Background()

	m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "a.go", InstanceID: "A"})
	fake.Advance(5 * time.Minute)

	res, err := m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "a.go", InstanceID: "A", TTL: time.Hour})
	require.NoError(t, err)
	assert.True(t, res.Renewed)
	assert.Equal(t, fake.Now().Add(time.Hour), res.Lock.ExpiresAt)
}

func TestBulkAcquire_AllOrNothing(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, err := m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "b.ts", InstanceID: "other"})
	require.NoError(t, err)

	res, err := m.BulkAcquire(ctx, "p1", []string{"a.ts", "b.ts"}, "A", "refactor", 0)
	require.NoError(t, err)
	require.False(t, res.Acquired())
	assert.Equal(t, "b.ts", res.Conflict.Path)
	assert.Equal(t, "other", res.Conflict.HolderID)

	held, err := m.ListActive(ctx, "p1", "A")
	require.NoError(t, err)
	assert.Empty(t, held)
	locked, _ := m.IsLocked(ctx, "p1", "a.ts")
	assert.False(t, locked)
}

func TestExtend(t *testing.T) {
	m, fake, seen := newTestManager(t, 10*time.Minute)
	ctx := context.Background()

	m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "a.go", InstanceID: "A"})

	lock, err := m.Extend(ctx, "p1", "a.go", "B", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, lock, "only the holder may extend")

	lock, err = m.Extend(ctx, "p1", "a.go", "A", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, fake.Now().Add(time.Hour), lock.ExpiresAt)
	assert.Equal(t, events.LockExtended, (*seen)[len(*seen)-1].Type)
}

func TestForceRelease(t *testing.T) {
	m, _, seen := newTestManager(t, 0)
	ctx := context.Background()

	m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "a.go", InstanceID: "A"})

	removed, err := m.ForceRelease(ctx, "p1", "a.go")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "A", removed.InstanceID)

	last := (*seen)[len(*seen)-1]
	assert.Equal(t, events.LockReleased, last.Type)
	assert.Equal(t, true, last.Data["forced"])

	removed, err = m.ForceRelease(ctx, "p1", "a.go")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestReleaseByInstance(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	ctx := context.Background()

	m.BulkAcquire(ctx, "p1", []string{"a.go", "b.go"}, "A", "", 0)
	m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "c.go", InstanceID: "B"})

	released, err := m.ReleaseByInstance(ctx, "p1", "A")
	require.NoError(t, err)
	assert.Len(t, released, 2)

	remaining, _ := m.ListActive(ctx, "p1", "")
	require.Len(t, remaining, 1)
	assert.Equal(t, "c.go", remaining[0].Path)
}

func TestMatchingAndCheckPaths(t *testing.T) {
	m, _, _ := newTestManager(t, 0)
	ctx := context.Background()

	m.BulkAcquire(ctx, "p1", []string{"src/api/handler.go", "src/api/routes.go", "docs/readme.md"}, "A", "", 0)
	m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "src/db/schema.go", InstanceID: "B"})

	matched, err := m.Matching(ctx, "p1", "src/**/*.go")
	require.NoError(t, err)
	assert.Len(t, matched, 3)

	_, err = m.Matching(ctx, "p1", "src/[")
	var ve *store.ValidationError
	assert.True(t, errors.As(err, &ve))

	statuses, err := m.CheckPaths(ctx, "p1", "A", []string{"src/db/schema.go", "free.go", "src/api/*.go"})
	require.NoError(t, err)
	require.Len(t, statuses, 4)

	assert.True(t, statuses[0].Locked)
	assert.True(t, statuses[0].HeldByOther)
	assert.Equal(t, "B", statuses[0].HolderID)

	assert.False(t, statuses[1].Locked)
	assert.Equal(t, "free.go", statuses[1].Path)

	for _, st := range statuses[2:] {
		assert.True(t, st.Locked)
		assert.False(t, st.HeldByOther)
	}
}

func TestPurge(t *testing.T) {
	m, fake, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	m.Acquire(ctx, AcquireParams{ProjectID: "p1", Path: "a.go", InstanceID: "A"})
	fake.Advance(2 * time.Minute)

	n, err := m.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
