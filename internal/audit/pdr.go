// Package audit provides PDR (Process Decision Record) writing for Conductor.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
)

// PDRStore persists decision records.
type PDRStore interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
	ListPDR(ctx context.Context, limit int) ([]models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store  PDRStore
	logger *slog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s PDRStore, logger *slog.Logger) *PDRWriter {
	return &PDRWriter{store: s, logger: logging.OrDiscard(logger)}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(ctx, action, hashInputs(inputs), outcome, taskID, details)
}

// Attach subscribes the writer to every event on bus. It returns the
// subscription ID.
func (w *PDRWriter) Attach(bus *events.Bus) string {
	return bus.SubscribeAll(func(e events.Event) {
		details, err := json.Marshal(e)
		if err != nil {
			details = []byte(e.Type)
		}
		if _, err := w.Record(context.Background(), e.Type, e, "success", e.TaskID, string(details)); err != nil {
			w.logger.Warn("failed to write decision record", "event", e.Type, "error", err)
		}
	})
}

// ListRecent returns the newest records first.
func (w *PDRWriter) ListRecent(ctx context.Context, limit int) ([]models.PDREntry, error) {
	return w.store.ListPDR(ctx, limit)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
