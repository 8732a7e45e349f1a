package model

import "time"

// EventKind classifies progress events pushed to subscribers.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventFailed   EventKind = "failed"
	EventPing     EventKind = "ping"
)

// Event is one ephemeral progress update for a task.
type Event struct {
	Seq       int64     `json:"seq"`
	TaskID    string    `json:"task_id"`
	Kind      EventKind `json:"type"`
	Status    Status    `json:"status,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsTerminal reports whether the event ends the task's event sequence.
func (e Event) IsTerminal() bool {
	return e.Kind == EventComplete || e.Kind == EventFailed
}

// SnapshotEvent builds the event describing the current state of a stored task.
func SnapshotEvent(t Task) Event {
	e := Event{
		TaskID:    t.ID,
		Kind:      EventProgress,
		Status:    t.Status,
		Progress:  t.Progress,
		Message:   t.Message,
		Timestamp: t.UpdatedAt,
	}

	switch t.Status {
	case StatusCompleted:
		e.Kind = EventComplete
		if t.Result != nil {
			r := *t.Result
			e.Result = &r
		}
	case StatusFailed:
		e.Kind = EventFailed
		e.Error = t.Error
	}

	return e
}
