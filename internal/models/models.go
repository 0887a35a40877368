// Package models defines the core domain types for Conductor.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusInProgress,
	TaskStatusBlocked,
	TaskStatusReview,
	TaskStatusDone,
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	for _, known := range TaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Priority is the scheduling priority of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the sort weight of the priority; higher is dispatched first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// Task represents a unit of work belonging to one project.
type Task struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	Wave              *int       `json:"wave,omitempty"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Priority          Priority   `json:"priority"`
	Status            TaskStatus `json:"status"`
	AssignedTo        string     `json:"assigned_to,omitempty"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Dependencies      []string   `json:"dependencies"`
	BlockedBy         string     `json:"blocked_by,omitempty"`
	FilePaths         []string   `json:"file_paths,omitempty"`
	EstimatedCost     float64    `json:"estimated_cost,omitempty"`
	CompletionSummary string     `json:"completion_summary,omitempty"`
	FilesModified     []string   `json:"files_modified,omitempty"`
	CreatedBy         string     `json:"created_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// InstanceStatus represents the availability of a worker instance.
type InstanceStatus string

const (
	InstanceStatusIdle         InstanceStatus = "idle"
	InstanceStatusBusy         InstanceStatus = "busy"
	InstanceStatusActive       InstanceStatus = "active"
	InstanceStatusDisconnected InstanceStatus = "disconnected"
)

// InstanceStatuses lists every instance status.
var InstanceStatuses = []InstanceStatus{
	InstanceStatusIdle,
	InstanceStatusBusy,
	InstanceStatusActive,
	InstanceStatusDisconnected,
}

// Instance is a running worker process attached to one project and machine.
type Instance struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	MachineID         string         `json:"machine_id"`
	SessionID         string         `json:"session_id,omitempty"`
	Status            InstanceStatus `json:"status"`
	CurrentTaskID     string         `json:"current_task_id,omitempty"`
	ContextTokensUsed int            `json:"context_tokens_used"`
	MaxContextTokens  int            `json:"max_context_tokens"`
	TasksCompleted    int            `json:"tasks_completed"`
	ConnectedAt       time.Time      `json:"connected_at"`
	LastActivityAt    time.Time      `json:"last_activity_at"`
	DisconnectedAt    *time.Time     `json:"disconnected_at,omitempty"`
}

// Connected reports whether the instance has not been disconnected.
func (i *Instance) Connected() bool {
	return i.DisconnectedAt == nil && i.Status != InstanceStatusDisconnected
}

// ContextUsagePercent returns context usage as a percentage of the token
// ceiling. fallbackMax is used when the instance carries no ceiling.
func (i *Instance) ContextUsagePercent(fallbackMax int) float64 {
	max := i.MaxContextTokens
	if max <= 0 {
		max = fallbackMax
	}
	if max <= 0 {
		return 0
	}
	return float64(i.ContextTokensUsed) * 100 / float64(max)
}

// Lock is an exclusive, expiring claim on one file path within a project.
type Lock struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Path       string    `json:"path"`
	InstanceID string    `json:"instance_id"`
	Reason     string    `json:"reason,omitempty"`
	LockedAt   time.Time `json:"locked_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Envelope is a message queued for a machine's worker.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
