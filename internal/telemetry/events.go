// Package telemetry defines the typed events that flow over the WebSocket
// connection between pulsed and its clients.
package telemetry

import "time"

// EventType identifies the kind of WebSocket event.
type EventType string

const (
	EventHeartbeat EventType = "heartbeat"
	EventState     EventType = "state"
	EventProgress  EventType = "progress"
	EventLog       EventType = "log"
	EventJob       EventType = "job"
)

// Event is the base envelope shared by every event type. JobID is empty for
// daemon-wide events.
type Event struct {
	Type      EventType `json:"type"`
	TS        string    `json:"ts"`
	Component string    `json:"component,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
}

// NowTS returns the current UTC time as an RFC 3339 nano string, matching the
// timestamp format used across all events.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewEvent stamps an envelope with the current time.
func NewEvent(t EventType, component, jobID string) Event {
	return Event{Type: t, TS: NowTS(), Component: component, JobID: jobID}
}

// Heartbeat is sent periodically so clients can detect connectivity and
// monitor daemon uptime.
type Heartbeat struct {
	Event
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveJobs    int    `json:"active_jobs"`
}

// StateTransition is emitted whenever the daemon moves between operating
// states (e.g. IDLE -> OPTIMIZING).
type StateTransition struct {
	Event
	From string `json:"from"`
	To   string `json:"to"`
}

// Progress reports the running totals of an optimization job.
type Progress struct {
	Event
	Trials         int     `json:"trials"`
	FeasibleTrials int     `json:"feasible_trials"`
	BestDutyFactor float64 `json:"best_duty_factor"`
}

// LogLine carries a human-readable log message at a severity level.
type LogLine struct {
	Event
	Level   string `json:"level"`
	Message string `json:"message"`
}

// JobUpdate is emitted on every job state change.
type JobUpdate struct {
	Event
	State      string  `json:"state"`
	Mission    string  `json:"mission,omitempty"`
	DutyFactor float64 `json:"duty_factor,omitempty"`
	Error      string  `json:"error,omitempty"`
}
