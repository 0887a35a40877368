package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/conductor/internal/clock"
)

type queued struct {
	body      []byte
	expiresAt time.Time
}

type replySlot struct {
	ch        chan []byte // buffered, capacity 1
	filled    bool
	expiresAt time.Time
}

// MemoryQueue is an in-process Queue. It is safe for concurrent use and
// loses everything on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	clock   clock.Clock
	inboxes map[string][]queued
	slots   map[string]*replySlot
}

// NewMemoryQueue creates an empty in-memory queue. clk may be nil.
func NewMemoryQueue(clk clock.Clock) *MemoryQueue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryQueue{
		clock:   clk,
		inboxes: make(map[string][]queued),
		slots:   make(map[string]*replySlot),
	}
}

func (q *MemoryQueue) Push(_ context.Context, machineID string, body []byte, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inboxes[machineID] = append(q.inboxes[machineID], queued{
		body:      append([]byte(nil), body...),
		expiresAt: q.clock.Now().Add(ttl),
	})
	return nil
}

func (q *MemoryQueue) PopAll(_ context.Context, machineID string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var out [][]byte
	for _, m := range q.inboxes[machineID] {
		if m.expiresAt.After(now) {
			out = append(out, m.body)
		}
	}
	delete(q.inboxes, machineID)
	return out, nil
}

func (q *MemoryQueue) OpenReply(_ context.Context, requestID string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.slots[requestID]; exists {
		return fmt.Errorf("reply slot %s already open", requestID)
	}
	q.slots[requestID] = &replySlot{ch: make(chan []byte, 1), expiresAt: q.clock.Now().Add(ttl)}
	return nil
}

func (q *MemoryQueue) PutReply(_ context.Context, requestID string, body []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot, ok := q.slots[requestID]
	if !ok || slot.filled || !slot.expiresAt.After(q.clock.Now()) {
		return false, nil
	}
	slot.filled = true
	slot.ch <- append([]byte{}, body...)
	return true, nil
}

func (q *MemoryQueue) TakeReply(_ context.Context, requestID string) ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot, ok := q.slots[requestID]
	if !ok {
		return nil, false, nil
	}
	select {
	case body := <-slot.ch:
		delete(q.slots, requestID)
		return body, true, nil
	default:
		return nil, false, nil
	}
}

func (q *MemoryQueue) AwaitReply(ctx context.Context, requestID string) ([]byte, bool, error) {
	q.mu.Lock()
	slot, ok := q.slots[requestID]
	q.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	select {
	case body := <-slot.ch:
		q.mu.Lock()
		if q.slots[requestID] == slot {
			delete(q.slots, requestID)
		}
		q.mu.Unlock()
		return body, true, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, false, nil
		}
		return nil, false, ctx.Err()
	}
}

func (q *MemoryQueue) CloseReply(_ context.Context, requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.slots, requestID)
	return nil
}

// Pending returns how many reply slots are open. It exists for leak checks.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
