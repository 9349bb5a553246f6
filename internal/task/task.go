// Package task holds the canonical in-memory registry of tasks and the
// lifecycle state machine that worker events drive.
package task

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Agent names a worker agent mode.
type Agent string

const (
	AgentExplore Agent = "explore"
	AgentPlan    Agent = "plan"
	AgentBuild   Agent = "build"
)

// ValidAgent reports whether s names a known agent mode.
func ValidAgent(s string) bool {
	switch Agent(s) {
	case AgentExplore, AgentPlan, AgentBuild:
		return true
	}
	return false
}

const (
	// MaxAccumulatedText caps the concatenated text buffer per task (1 MiB).
	// Text past the cap is discarded.
	MaxAccumulatedText = 1 << 20

	// InputRequiredIdleThreshold is how long a task must sit idle after a
	// trailing question before it is considered to be waiting for input.
	InputRequiredIdleThreshold = 30 * time.Second

	// CompletedTaskMaxAge is the in-memory retention for terminal tasks.
	CompletedTaskMaxAge = time.Hour

	// PurgeInterval is the cadence of the terminal-task sweep.
	PurgeInterval = 10 * time.Minute

	idPrefix = "task_"
)

// ErrNotFound is returned for operations on unknown task ids.
var ErrNotFound = errors.New("task not found")

// NewID allocates a fresh task id: "task_" plus 24 hex chars.
func NewID() string {
	u := uuid.New()
	return idPrefix + hex.EncodeToString(u[:])[:24]
}

// Metadata is a read-only projection of a task.
type Metadata struct {
	TaskID        string
	SessionID     string
	Title         string
	Model         string
	Agent         string
	Status        Status
	StatusMessage string
	CreatedAt     time.Time
	LastEventAt   time.Time
}

// State extends Metadata with the accumulated output buffer.
type State struct {
	Metadata
	AccumulatedText string
	LastTextEventAt time.Time
	TextTruncated   bool
}
