package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func lockReq(path, holder string) LockRequest {
	return LockRequest{ProjectID: "p1", Path: path, InstanceID: holder, Reason: "editing", TTL: 30 * time.Minute}
}

func TestAcquireLock_MutualExclusion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.AcquireLock(ctx, lockReq("src/x.ts", "inst-a"))
	if err != nil {
		t.Fatalf("First lock acquisition failed: %v", err)
	}
	if !res.Acquired() {
		t.Fatal("Expected first lock to be created")
	}

	// Second attempt reports the holder
	res, err = s.AcquireLock(ctx, lockReq("src/x.ts", "inst-b"))
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if res.Acquired() || res.Conflict == nil || res.Conflict.HolderID != "inst-a" {
		t.Fatalf("Expected conflict held by inst-a, got %+v", res)
	}

	ok, err := s.ReleaseLock(ctx, "p1", "src/x.ts", "inst-a")
	if err != nil || !ok {
		t.Fatalf("ReleaseLock failed: %v, %v", ok, err)
	}

	res, _ = s.AcquireLock(ctx, lockReq("src/x.ts", "inst-b"))
	if !res.Acquired() || res.Lock.InstanceID != "inst-b" {
		t.Errorf("Expected inst-b to acquire after release, got %+v", res)
	}
}

func TestAcquireLock_ConcurrentAttempts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0
	conflictCount := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.AcquireLock(ctx, lockReq("shared.go", fmt.Sprintf("holder-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				t.Errorf("Unexpected error: %v", err)
			case res.Acquired():
				successCount++
			default:
				conflictCount++
			}
		}(i)
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("Expected exactly 1 successful lock, got %d", successCount)
	}
	if conflictCount != attempts-1 {
		t.Errorf("Expected %d conflicts, got %d", attempts-1, conflictCount)
	}
}

func TestAcquireLock_RenewBySameHolder(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	first, _ := s.AcquireLock(ctx, lockReq("a.go", "inst-a"))
	fake.Advance(10 * time.Minute)

	req := lockReq("a.go", "inst-a")
	req.Reason = "still editing"
	res, err := s.AcquireLock(ctx, req)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !res.Acquired() || !res.Renewed {
		t.Fatalf("Expected renewal, got %+v", res)
	}
	if res.Lock.ID != first.Lock.ID {
		t.Error("Renewal should keep the same lock row")
	}
	want := testEpoch.Add(40 * time.Minute)
	if !res.Lock.ExpiresAt.Equal(want) {
		t.Errorf("Expected expiry %v, got %v", want, res.Lock.ExpiresAt)
	}
	if res.Lock.Reason != "still editing" {
		t.Errorf("Expected reason updated, got %q", res.Lock.Reason)
	}
}

func TestAcquireLock_ExpiryBoundary(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	req := lockReq("src/x.ts", "inst-a")
	req.TTL = time.Minute
	s.AcquireLock(ctx, req)

	fake.Advance(time.Minute - time.Nanosecond)
	if lock, _ := s.GetActiveLock(ctx, "p1", "src/x.ts"); lock == nil {
		t.Fatal("Lock should still be active just before expiry")
	}
	res, _ := s.AcquireLock(ctx, lockReq("src/x.ts", "inst-b"))
	if res.Acquired() {
		t.Fatal("inst-b should not acquire before expiry")
	}

	// Exactly at the expiry instant the lock is expired.
	fake.Advance(time.Nanosecond)
	if lock, _ := s.GetActiveLock(ctx, "p1", "src/x.ts"); lock != nil {
		t.Fatal("Lock at its expiry instant should be treated as absent")
	}
	if ok, _ := s.ReleaseLock(ctx, "p1", "src/x.ts", "inst-a"); ok {
		t.Error("Releasing an expired lock should report not found")
	}
	res, err := s.AcquireLock(ctx, lockReq("src/x.ts", "inst-b"))
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !res.Acquired() || res.Renewed {
		t.Errorf("Expected fresh lock for inst-b, got %+v", res)
	}
}

func TestReleaseLock_OnlyHolder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.AcquireLock(ctx, lockReq("a.go", "inst-a"))

	if ok, _ := s.ReleaseLock(ctx, "p1", "a.go", "inst-b"); ok {
		t.Error("Non-holder should not release the lock")
	}
	if ok, _ := s.ReleaseLock(ctx, "p1", "missing.go", "inst-a"); ok {
		t.Error("Releasing an unknown path should report not found")
	}

	removed, err := s.ForceReleaseLock(ctx, "p1", "a.go")
	if err != nil {
		t.Fatalf("ForceReleaseLock failed: %v", err)
	}
	if removed == nil || removed.InstanceID != "inst-a" {
		t.Errorf("Expected forced removal of inst-a lock, got %+v", removed)
	}
	if lock, _ := s.GetActiveLock(ctx, "p1", "a.go"); lock != nil {
		t.Error("Expected no active lock after force release")
	}
	removed, _ = s.ForceReleaseLock(ctx, "p1", "a.go")
	if removed != nil {
		t.Error("Second force release should remove nothing")
	}
}

func TestExtendLock(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	s.AcquireLock(ctx, lockReq("a.go", "inst-a"))
	fake.Advance(20 * time.Minute)

	lock, err := s.ExtendLock(ctx, "p1", "a.go", "inst-a", time.Hour)
	if err != nil {
		t.Fatalf("ExtendLock failed: %v", err)
	}
	want := testEpoch.Add(20*time.Minute + time.Hour)
	if lock == nil || !lock.ExpiresAt.Equal(want) {
		t.Fatalf("Expected expiry %v, got %+v", want, lock)
	}

	if lock, _ := s.ExtendLock(ctx, "p1", "a.go", "inst-b", time.Hour); lock != nil {
		t.Error("Non-holder should not extend the lock")
	}

	fake.Advance(2 * time.Hour)
	if lock, _ := s.ExtendLock(ctx, "p1", "a.go", "inst-a", time.Hour); lock != nil {
		t.Error("Expired lock should not be extendable")
	}

	if _, err := s.ExtendLock(ctx, "p1", "a.go", "inst-a", 0); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for zero duration, got %v", err)
	}
}

func TestBulkAcquireLocks_Atomicity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.AcquireLock(ctx, lockReq("b.ts", "inst-b"))

	res, err := s.BulkAcquireLocks(ctx, "p1", []string{"a.ts", "b.ts"}, "inst-a", "refactor", time.Hour)
	if err != nil {
		t.Fatalf("BulkAcquireLocks failed: %v", err)
	}
	if res.Acquired() {
		t.Fatal("Expected bulk acquire to fail")
	}
	if res.Conflict.Path != "b.ts" || res.Conflict.HolderID != "inst-b" {
		t.Errorf("Expected conflict on b.ts held by inst-b, got %+v", res.Conflict)
	}
	if lock, _ := s.GetActiveLock(ctx, "p1", "a.ts"); lock != nil {
		t.Error("a.ts must not be locked after a failed bulk acquire")
	}
	held, _ := s.ListActiveLocks(ctx, "p1", "inst-a")
	if len(held) != 0 {
		t.Errorf("Expected zero locks for inst-a, got %d", len(held))
	}

	s.ReleaseLock(ctx, "p1", "b.ts", "inst-b")
	res, err = s.BulkAcquireLocks(ctx, "p1", []string{"a.ts", "b.ts", "a.ts"}, "inst-a", "refactor", time.Hour)
	if err != nil {
		t.Fatalf("BulkAcquireLocks failed: %v", err)
	}
	if !res.Acquired() || len(res.Locks) != 2 {
		t.Fatalf("Expected 2 locks, got %+v", res)
	}

	if _, err := s.BulkAcquireLocks(ctx, "p1", nil, "inst-a", "", time.Hour); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for empty paths, got %v", err)
	}
}

func TestReleaseLocksByInstance(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	s.AcquireLock(ctx, lockReq("a.go", "inst-a"))
	short := lockReq("b.go", "inst-a")
	short.TTL = time.Minute
	s.AcquireLock(ctx, short)
	s.AcquireLock(ctx, lockReq("c.go", "inst-b"))
	fake.Advance(2 * time.Minute)

	released, err := s.ReleaseLocksByInstance(ctx, "p1", "inst-a")
	if err != nil {
		t.Fatalf("ReleaseLocksByInstance failed: %v", err)
	}
	if len(released) != 1 || released[0].Path != "a.go" {
		t.Errorf("Expected only the active a.go lock reported, got %v", released)
	}

	all, _ := s.ListActiveLocks(ctx, "p1", "")
	if len(all) != 1 || all[0].InstanceID != "inst-b" {
		t.Errorf("Expected only inst-b lock to remain, got %v", all)
	}
}

func TestPurgeExpiredLocks(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	short := lockReq("a.go", "inst-a")
	short.TTL = time.Minute
	s.AcquireLock(ctx, short)
	s.AcquireLock(ctx, lockReq("b.go", "inst-a"))
	fake.Advance(time.Minute)

	n, err := s.PurgeExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredLocks failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 purged lock, got %d", n)
	}
}

func TestAcquireLock_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	bad := lockReq("", "inst-a")
	if _, err := s.AcquireLock(ctx, bad); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for empty path, got %v", err)
	}
	bad = lockReq("a.go", "inst-a")
	bad.TTL = 0
	if _, err := s.AcquireLock(ctx, bad); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for zero ttl, got %v", err)
	}
}
