package core

import "time"

// EventType names a run lifecycle transition.
type EventType string

const (
	EventClaimed  EventType = "claimed"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
)

// Event describes one lifecycle transition of an execution.
type Event struct {
	Type          EventType `json:"type"`
	TaskID        string    `json:"task_id"`
	TaskAlias     string    `json:"task_alias,omitempty"`
	ExecutionID   string    `json:"execution_id"`
	Outcome       Outcome   `json:"outcome"`
	Trigger       Trigger   `json:"trigger,omitempty"`
	ProgressValue int64     `json:"progress_value,omitempty"`
	ProgressMax   int64     `json:"progress_max,omitempty"`
	Message       string    `json:"message,omitempty"`
	Error         string    `json:"error,omitempty"`
	MachineName   string    `json:"machine_name,omitempty"`
	At            time.Time `json:"at"`
}

// EventPublisher receives lifecycle events. Publish must not block.
type EventPublisher interface {
	Publish(evt Event)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
