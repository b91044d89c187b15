package model

import "time"

// EventLogEntry records the last notification processed for an entity/event pair.
type EventLogEntry struct {
	EntityID  int64     `json:"entity_id"`
	Event     EventKind `json:"event"`
	Account   string    `json:"account"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeadLetter is a task parked after exhausting its attempts.
type DeadLetter struct {
	TaskID    string    `json:"task_id"`
	Task      Task      `json:"task"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}
