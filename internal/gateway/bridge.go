// Package gateway is the asynchronous command/response channel to the
// machines that host worker instances. Offline machines and timeouts are
// routine: they surface as "no result", never as errors.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/conductor/internal/clock"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

// RequestIDKey is the payload field that carries the correlation id.
const RequestIDKey = "requestId"

// Defaults used when Config leaves a field zero.
const (
	DefaultMessageTTL     = 5 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
)

// Queue is the substrate the bridge runs on: a per-machine inbox plus
// single-use reply slots.
type Queue interface {
	// Push appends body to the machine's inbox; it expires after ttl.
	Push(ctx context.Context, machineID string, body []byte, ttl time.Duration) error
	// PopAll atomically drains the machine's unexpired messages.
	PopAll(ctx context.Context, machineID string) ([][]byte, error)
	// OpenReply creates an empty slot that accepts one reply within ttl.
	OpenReply(ctx context.Context, requestID string, ttl time.Duration) error
	// PutReply fills an open slot; false when unknown, filled or expired.
	PutReply(ctx context.Context, requestID string, body []byte) (bool, error)
	// TakeReply returns and deletes a filled slot without blocking.
	TakeReply(ctx context.Context, requestID string) ([]byte, bool, error)
	// AwaitReply blocks until a reply is taken or ctx is done.
	AwaitReply(ctx context.Context, requestID string) ([]byte, bool, error)
	// CloseReply deletes the slot.
	CloseReply(ctx context.Context, requestID string) error
}

// Config configures a Bridge.
type Config struct {
	MessageTTL     time.Duration
	RequestTimeout time.Duration
}

// Bridge sends envelopes to machines and correlates their replies.
type Bridge struct {
	queue  Queue
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger
}

// NewBridge creates a bridge over q. clk may be nil for the wall clock.
func NewBridge(q Queue, clk clock.Clock, cfg Config, logger *slog.Logger) *Bridge {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultMessageTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Bridge{
		queue:  q,
		clock:  clk,
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With("component", "gateway"),
	}
}

// Send enqueues a fire-and-forget envelope for a machine. The sender is not
// told if the envelope later expires unread.
func (b *Bridge) Send(ctx context.Context, machineID, msgType string, payload any) (*models.Envelope, error) {
	if machineID == "" {
		return nil, fmt.Errorf("send: machine id must not be empty")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	env := &models.Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: b.clock.Now().UnixMilli(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.queue.Push(ctx, machineID, body, b.cfg.MessageTTL); err != nil {
		return nil, err
	}
	b.logger.Debug("envelope queued", "machine_id", machineID, "type", msgType, "envelope_id", env.ID)
	return env, nil
}

// SendAndWait sends a request carrying a fresh correlation id and waits up
// to timeout for the reply. A timeout returns ok=false with a nil error.
// The reply slot is deleted on every path. timeout <= 0 uses the
// configured default.
func (b *Bridge) SendAndWait(ctx context.Context, machineID, msgType string, payload map[string]any, timeout time.Duration) (json.RawMessage, bool, error) {
	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}
	requestID := uuid.New().String()

	withID := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		withID[k] = v
	}
	withID[RequestIDKey] = requestID

	if err := b.queue.OpenReply(ctx, requestID, timeout); err != nil {
		return nil, false, err
	}
	defer func() {
		if err := b.queue.CloseReply(context.Background(), requestID); err != nil {
			b.logger.Warn("failed to close reply slot", "request_id", requestID, "error", err)
		}
	}()

	if _, err := b.Send(ctx, machineID, msgType, withID); err != nil {
		return nil, false, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, ok, err := b.queue.AwaitReply(waitCtx, requestID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		b.logger.Debug("no reply before timeout", "machine_id", machineID, "type", msgType, "request_id", requestID)
		return nil, false, nil
	}
	return json.RawMessage(body), true, nil
}

// Consume drains every queued envelope for a machine. Each envelope is
// returned by exactly one Consume call.
func (b *Bridge) Consume(ctx context.Context, machineID string) ([]models.Envelope, error) {
	bodies, err := b.queue.PopAll(ctx, machineID)
	if err != nil {
		return nil, err
	}
	envs := make([]models.Envelope, 0, len(bodies))
	for _, body := range bodies {
		var env models.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			b.logger.Warn("dropping undecodable envelope", "machine_id", machineID, "error", err)
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Respond delivers a worker's reply to a waiting SendAndWait. It reports
// false when nobody is waiting on requestID any more.
func (b *Bridge) Respond(ctx context.Context, requestID string, reply json.RawMessage) (bool, error) {
	ok, err := b.queue.PutReply(ctx, requestID, reply)
	if err != nil {
		return false, err
	}
	if !ok {
		b.logger.Debug("reply for unknown or closed request", "request_id", requestID)
	}
	return ok, nil
}

// TakeReply reads and consumes a reply without waiting.
func (b *Bridge) TakeReply(ctx context.Context, requestID string) (json.RawMessage, bool, error) {
	body, ok, err := b.queue.TakeReply(ctx, requestID)
	if err != nil || !ok {
		return nil, false, err
	}
	return json.RawMessage(body), true, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
