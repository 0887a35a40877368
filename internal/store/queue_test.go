package store

import (
	"context"
	"testing"
	"time"
)

func TestMessageQueue_PushPopAll(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	q := s.MessageQueue(10 * time.Millisecond)

	q.Push(ctx, "m1", []byte(`{"n":1}`), time.Minute)
	q.Push(ctx, "m1", []byte(`{"n":2}`), 5*time.Minute)
	q.Push(ctx, "m2", []byte(`{"n":3}`), 5*time.Minute)

	fake.Advance(2 * time.Minute)

	bodies, err := q.PopAll(ctx, "m1")
	if err != nil {
		t.Fatalf("PopAll failed: %v", err)
	}
	if len(bodies) != 1 || string(bodies[0]) != `{"n":2}` {
		t.Errorf("Expected only the unexpired message, got %q", bodies)
	}

	bodies, _ = q.PopAll(ctx, "m1")
	if len(bodies) != 0 {
		t.Errorf("Expected drained inbox, got %d messages", len(bodies))
	}

	bodies, _ = q.PopAll(ctx, "m2")
	if len(bodies) != 1 {
		t.Errorf("Expected m2 inbox untouched, got %d messages", len(bodies))
	}
}

func TestMessageQueue_ReplySlotSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	q := s.MessageQueue(10 * time.Millisecond)

	if err := q.OpenReply(ctx, "req-1", time.Minute); err != nil {
		t.Fatalf("OpenReply failed: %v", err)
	}
	if _, ok, _ := q.TakeReply(ctx, "req-1"); ok {
		t.Fatal("Empty slot should not yield a reply")
	}

	ok, err := q.PutReply(ctx, "req-1", []byte(`{"answer":42}`))
	if err != nil || !ok {
		t.Fatalf("PutReply failed: %v, %v", ok, err)
	}
	if ok, _ := q.PutReply(ctx, "req-1", []byte(`{"answer":43}`)); ok {
		t.Error("Second reply to the same slot should be rejected")
	}

	body, ok, err := q.AwaitReply(ctx, "req-1")
	if err != nil || !ok {
		t.Fatalf("AwaitReply failed: %v, %v", ok, err)
	}
	if string(body) != `{"answer":42}` {
		t.Errorf("Unexpected reply %s", body)
	}

	if _, ok, _ := q.TakeReply(ctx, "req-1"); ok {
		t.Error("Reply slot should be consumed after the first read")
	}
	if ok, _ := q.PutReply(ctx, "req-1", []byte(`{}`)); ok {
		t.Error("Consumed slot should not accept a reply")
	}
}

func TestMessageQueue_ExpiredSlotRejectsReply(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	q := s.MessageQueue(10 * time.Millisecond)

	q.OpenReply(ctx, "req-1", time.Second)
	fake.Advance(time.Second)

	if ok, _ := q.PutReply(ctx, "req-1", []byte(`{}`)); ok {
		t.Error("Expired slot should not accept a reply")
	}

	n, err := q.PurgeExpiredMessages(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 purged slot, got %d", n)
	}
}

func TestMessageQueue_AwaitReplyTimeout(t *testing.T) {
	s, _ := newTestStore(t)
	q := s.MessageQueue(5 * time.Millisecond)

	q.OpenReply(context.Background(), "req-1", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	body, ok, err := q.AwaitReply(ctx, "req-1")
	if err != nil {
		t.Fatalf("Timeout should not be an error, got %v", err)
	}
	if ok || body != nil {
		t.Errorf("Expected no reply, got %s", body)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("AwaitReply took too long: %v", elapsed)
	}
}

func TestMessageQueue_AwaitReplyArrivesLater(t *testing.T) {
	s, _ := newTestStore(t)
	q := s.MessageQueue(5 * time.Millisecond)
	bg := context.Background()

	q.OpenReply(bg, "req-1", time.Minute)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.PutReply(bg, "req-1", []byte(`"pong"`))
	}()

	ctx, cancel := context.WithTimeout(bg, 2*time.Second)
	defer cancel()

	body, ok, err := q.AwaitReply(ctx, "req-1")
	if err != nil || !ok {
		t.Fatalf("Expected reply, got %v, %v", ok, err)
	}
	if string(body) != `"pong"` {
		t.Errorf("Unexpected reply %s", body)
	}
}
