package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MessageQueue is a durable machine inbox and reply-slot table backed by
// the store's SQLite database.
type MessageQueue struct {
	s    *Store
	poll time.Duration
}

// MessageQueue returns a queue over this store. poll is the interval at
// which AwaitReply re-checks its slot.
func (s *Store) MessageQueue(poll time.Duration) *MessageQueue {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &MessageQueue{s: s, poll: poll}
}

// Push appends body to a machine's inbox. It expires after ttl.
func (q *MessageQueue) Push(ctx context.Context, machineID string, body []byte, ttl time.Duration) error {
	now := q.s.clock.Now()
	_, err := q.s.db.ExecContext(ctx,
		`INSERT INTO queue_messages (machine_id, body, enqueued_at, expires_at) VALUES (?, ?, ?, ?)`,
		machineID, body, nanos(now), nanos(now.Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

// PopAll removes and returns every unexpired message for a machine in
// enqueue order. Expired messages are dropped.
func (q *MessageQueue) PopAll(ctx context.Context, machineID string) ([][]byte, error) {
	var bodies [][]byte
	err := q.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT body FROM queue_messages WHERE machine_id = ? AND expires_at > ? ORDER BY seq ASC`,
			machineID, nanos(q.s.clock.Now()))
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				rows.Close()
				return fmt.Errorf("scan message: %w", err)
			}
			bodies = append(bodies, body)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE machine_id = ?`, machineID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bodies, nil
}

// OpenReply creates an empty reply slot that accepts one reply until ttl elapses.
func (q *MessageQueue) OpenReply(ctx context.Context, requestID string, ttl time.Duration) error {
	_, err := q.s.db.ExecContext(ctx,
		`INSERT INTO reply_slots (request_id, body, replied_at, expires_at) VALUES (?, NULL, NULL, ?)`,
		requestID, nanos(q.s.clock.Now().Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("open reply slot: %w", err)
	}
	return nil
}

// PutReply fills an open, empty, unexpired slot. It reports false when the
// slot is unknown, already answered or expired.
func (q *MessageQueue) PutReply(ctx context.Context, requestID string, body []byte) (bool, error) {
	if body == nil {
		body = []byte{}
	}
	now := q.s.clock.Now()
	res, err := q.s.db.ExecContext(ctx,
		`UPDATE reply_slots SET body = ?, replied_at = ?
		 WHERE request_id = ? AND body IS NULL AND expires_at > ?`,
		body, nanos(now), requestID, nanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("put reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// TakeReply returns the reply for requestID if one has arrived, deleting
// the slot. It never blocks.
func (q *MessageQueue) TakeReply(ctx context.Context, requestID string) ([]byte, bool, error) {
	var body []byte
	var found bool
	err := q.s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT body FROM reply_slots WHERE request_id = ? AND body IS NOT NULL`, requestID,
		).Scan(&body)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("query reply: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reply_slots WHERE request_id = ?`, requestID); err != nil {
			return fmt.Errorf("delete reply slot: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return body, found, nil
}

// AwaitReply polls the slot until a reply arrives or ctx is done. A
// deadline is reported as no reply, not as an error.
func (q *MessageQueue) AwaitReply(ctx context.Context, requestID string) ([]byte, bool, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		body, ok, err := q.TakeReply(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return awaitDone(ctx)
			}
			return nil, false, err
		}
		if ok {
			return body, true, nil
		}

		select {
		case <-ctx.Done():
			return awaitDone(ctx)
		case <-ticker.C:
		}
	}
}

// CloseReply deletes the slot whether or not it was answered.
func (q *MessageQueue) CloseReply(ctx context.Context, requestID string) error {
	if _, err := q.s.db.ExecContext(ctx, `DELETE FROM reply_slots WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("close reply slot: %w", err)
	}
	return nil
}

// PurgeExpiredMessages drops expired queue messages and reply slots.
func (q *MessageQueue) PurgeExpiredMessages(ctx context.Context) (int64, error) {
	now := nanos(q.s.clock.Now())
	var total int64
	for _, stmt := range []string{
		`DELETE FROM queue_messages WHERE expires_at <= ?`,
		`DELETE FROM reply_slots WHERE expires_at <= ?`,
	} {
		res, err := q.s.db.ExecContext(ctx, stmt, now)
		if err != nil {
			return total, fmt.Errorf("purge expired messages: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func awaitDone(ctx context.Context) ([]byte, bool, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, false, nil
	}
	return nil, false, ctx.Err()
}
