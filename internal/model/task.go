package model

import (
	"time"
)

// TaskState represents the state of a task.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateClaimed   TaskState = "claimed"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminalTaskState reports whether a task state accepts no further
// transitions.
func IsTerminalTaskState(s TaskState) bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// Task is a unit of persistent work driven by the workflow engine. Payload
// and Result are opaque to the engine; the orchestrator owns their encoding.
type Task struct {
	ID      string
	Type    string
	GroupID string
	Payload []byte
	State   TaskState
	// CancelRequested asks the owning worker to abort at the next stage
	// boundary. Set by Cancel on tasks already claimed.
	CancelRequested bool
	WorkerID        string
	LeaseExpiry     *time.Time
	Attempts        int
	LastError       string
	Result          []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LeaseExpired reports whether the task's lease ran out at the given time.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseExpiry != nil && now.After(*t.LeaseExpiry)
}

// TaskStateChange is a single record of the status feed. Delivery is
// at-least-once, consumers must tolerate duplicates.
type TaskStateChange struct {
	TaskID    string
	GroupID   string
	OldState  TaskState
	NewState  TaskState
	Timestamp time.Time
}
