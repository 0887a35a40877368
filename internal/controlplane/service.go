// Package controlplane provides the HTTP API and service layer for Conductor.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/gateway"
	"github.com/fentz26/conductor/internal/locks"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/registry"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/tasks"
)

// Service bundles the coordination components behind the HTTP API.
type Service struct {
	DB           *store.Store
	Tasks        *tasks.Store
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Locks        *locks.Manager
	Gateway      *gateway.Bridge
	Audit        *audit.PDRWriter
	// Scheduler is optional; without it GET /scheduler reports not found.
	Scheduler *scheduler.Scheduler

	logger *slog.Logger
}

// NewService creates a new control plane service.
func NewService(svc Service, logger *slog.Logger) *Service {
	svc.logger = logging.OrDiscard(logger).With("component", "controlplane")
	return &svc
}

// --- Composite operations ---

// DisconnectInstance runs the disconnect cascade and then a dispatch round
// so the released work is picked up again.
func (s *Service) DisconnectInstance(ctx context.Context, id string) (*registry.DisconnectResult, []orchestrator.Assignment, error) {
	result, err := s.Orchestrator.OnInstanceDisconnect(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if len(result.ReleasedTasks) == 0 {
		return result, []orchestrator.Assignment{}, nil
	}

	assigned, err := s.Orchestrator.AutoDispatch(ctx, result.Instance.ProjectID)
	if err != nil {
		s.logger.Warn("redispatch after disconnect failed", "instance_id", id, "error", err)
		assigned = []orchestrator.Assignment{}
	}
	return result, assigned, nil
}

// CreateTaskAndDispatch creates a task and, when dispatch is true, tries
// to hand it to an instance right away.
func (s *Service) CreateTaskAndDispatch(ctx context.Context, p tasks.CreateParams, dispatch bool) (*models.Task, *orchestrator.DispatchResult, error) {
	task, err := s.Tasks.Create(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if !dispatch {
		return task, nil, nil
	}
	res, err := s.Orchestrator.DispatchOne(ctx, task.ID)
	if err != nil {
		return task, nil, err
	}
	if res.Claim != nil && res.Claim.Task != nil {
		task = res.Claim.Task
	}
	return task, res, nil
}

// RequestReply is the outcome of a request sent to a machine.
type RequestReply struct {
	Replied bool            `json:"replied"`
	Reply   json.RawMessage `json:"reply,omitempty"`
}

// Request sends a correlated request to a machine and waits for its reply.
func (s *Service) Request(ctx context.Context, machineID, msgType string, payload map[string]any, timeout time.Duration) (*RequestReply, error) {
	if msgType == "" {
		return nil, &store.ValidationError{Field: "type", Message: "must not be empty"}
	}
	reply, ok, err := s.Gateway.SendAndWait(ctx, machineID, msgType, payload, timeout)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", msgType, err)
	}
	return &RequestReply{Replied: ok, Reply: reply}, nil
}
