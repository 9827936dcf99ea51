package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic is one of the stringly-typed channels events are published on.
type Topic string

const (
	TopicTasks    Topic = "tasks"
	TopicAgents   Topic = "agents"
	TopicPresence Topic = "presence"
)

// Type enumerates the wire event names carried on the bus.
type Type string

const (
	TaskSubmitted   Type = "task_submitted"
	TaskAssigned    Type = "task_assigned"
	TaskCompleted   Type = "task_completed"
	TaskRetry       Type = "task_retry"
	TaskDeadLetter  Type = "task_dead_letter"
	TaskProgress    Type = "task_progress"
	TaskReclaimed   Type = "task_reclaimed"
	TaskRequeued    Type = "task_requeued"
	AgentIdleEvent  Type = "agent_idle"
	AgentConnected  Type = "agent_connected"
	AgentDisconnect Type = "agent_disconnected"
	AgentJoined     Type = "agent_joined"
	AgentLeft       Type = "agent_left"
	StatusChanged   Type = "status_changed"
)

// Event is an immutable value record published on the bus.
type Event struct {
	ID        string      `json:"id"`
	Topic     Topic       `json:"topic"`
	Type      Type        `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// New constructs an Event with a fresh id and current timestamp.
func New(topic Topic, typ Type, payload interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Type:      typ,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
