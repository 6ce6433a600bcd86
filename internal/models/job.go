package models

import (
	"time"
)

// Status is a job lifecycle state persisted in the jobs table.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusRunning    Status = "RUNNING"
	StatusSuccess    Status = "SUCCESS"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
	StatusKilled     Status = "KILLED"
)

// order fixes the iteration order of Sources.
var order = []Status{StatusRegistered, StatusRunning, StatusSuccess, StatusDone, StatusError, StatusKilled}

// transitions lists the states each status may move to. Anything else is a backward move.
var transitions = map[Status][]Status{
	StatusRegistered: {StatusRunning, StatusKilled, StatusError},
	StatusRunning:    {StatusSuccess, StatusError, StatusKilled},
	StatusSuccess:    {StatusDone, StatusError},
}

// CanTransition reports whether from -> to is a forward edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns every status that may move to to, in lifecycle order.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range order {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusKilled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRegistered, StatusRunning, StatusSuccess, StatusDone, StatusError, StatusKilled:
		return true
	}
	return false
}

// Job is a scheduled SQL report persisted in the jobs table.
type Job struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	DueTime   time.Time `json:"due_time"`
	Query     string    `json:"query,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEntry is an append-only row of a job's execution history.
type LogEntry struct {
	ID      int64     `json:"id"`
	JobID   int64     `json:"job_id"`
	RunID   string    `json:"run_id,omitempty"`
	LogTime time.Time `json:"log_time"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
}

// NewJob carries the registration fields; the store assigns ID, status and timestamps.
type NewJob struct {
	Name    string
	Owner   string
	DueTime time.Time
	Query   string
}
