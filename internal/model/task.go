package model

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidTransition is returned when a status change would move a task backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidStatus is returned for a status outside the task lifecycle.
	ErrInvalidStatus = errors.New("invalid task status")
)

// Status is the lifecycle state of a translation task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions can happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition enforces the forward-only task state machine.
// Staying in the same non-terminal status is allowed so progress updates
// can be applied while processing.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusQueued || to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Result references the output artifacts of a completed translation.
type Result struct {
	MonoPath string `json:"mono_path,omitempty"` // translated-only document
	DualPath string `json:"dual_path,omitempty"` // bilingual document
}

// Empty reports whether the engine produced no artifacts.
func (r Result) Empty() bool {
	return r.MonoPath == "" && r.DualPath == ""
}

// Task is the durable record of one translation job.
type Task struct {
	ID          string          `json:"task_id"`
	Owner       string          `json:"owner"`
	FileRef     string          `json:"file_ref"`
	Filename    string          `json:"original_filename"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Message     string          `json:"message"`
	Settings    json.RawMessage `json:"-"` // passed through to the engine, may hold credentials
	Result      *Result         `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate it freely.
func (t Task) Clone() Task {
	c := t
	if t.Settings != nil {
		c.Settings = append(json.RawMessage(nil), t.Settings...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}

// ClampProgress bounds p to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// SubmitRequest is a submission received from an asynchronous intake such as Kafka.
type SubmitRequest struct {
	Owner    string          `json:"owner"`
	FileRef  string          `json:"file_ref"`
	Filename string          `json:"filename"`
	Settings json.RawMessage `json:"settings"`
}
