package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/clock"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	task, err := s.CreateTask(ctx, CreateTaskParams{ProjectID: "p1", Title: "persist me"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got == nil || got.Title != "persist me" {
		t.Errorf("Expected task to survive reopen, got %+v", got)
	}
}

func TestPing(t *testing.T) {
	s, _ := newTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestPDR(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	first, err := s.WritePDR(ctx, "task.created", "abc123", "success", "task-1", "details")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if first.ID == "" {
		t.Error("PDR ID should not be empty")
	}

	fake.Advance(time.Second)
	if _, err := s.WritePDR(ctx, "lock.acquired", "def456", "success", "", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	entries, err := s.ListPDR(ctx, 10)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "lock.acquired" {
		t.Errorf("Expected newest entry first, got %s", entries[0].Action)
	}
	if entries[1].TaskID != "task-1" {
		t.Errorf("Expected task id task-1, got %q", entries[1].TaskID)
	}
	if !entries[1].Timestamp.Equal(testEpoch) {
		t.Errorf("Expected timestamp %v, got %v", testEpoch, entries[1].Timestamp)
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	err := validationError("title", "must not be empty")

	if !errors.Is(err, ErrValidation) {
		t.Error("Expected ValidationError to match ErrValidation")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "title" {
		t.Errorf("Expected ValidationError for title, got %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	cases := map[int]string{0: "", 1: "?", 3: "?, ?, ?"}
	for n, want := range cases {
		if got := placeholders(n); got != want {
			t.Errorf("placeholders(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestListEncoding(t *testing.T) {
	if got := encodeList(nil); got != "[]" {
		t.Errorf("Expected [] for nil list, got %s", got)
	}
	items := decodeList(encodeList([]string{"a.go", "b.go"}))
	if len(items) != 2 || items[1] != "b.go" {
		t.Errorf("Unexpected decoded list: %v", items)
	}
	if got := decodeList("not json"); len(got) != 0 {
		t.Errorf("Expected empty list for bad json, got %v", got)
	}
}

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	fake := clock.NewFake(testEpoch)
	s, err := New(dbPath, WithClock(fake))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fake
}
