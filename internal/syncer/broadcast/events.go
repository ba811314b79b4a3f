// Package broadcast delivers live job progress to observers connected by session id.
package broadcast

import (
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of event.
type EventType string

const (
	EventProgress   EventType = "progress"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"
	// EventConnected is sent to a new connection only.
	EventConnected EventType = "connected"
)

// Event is the envelope written to observers.
type Event struct {
	EventID   string    `json:"eventId"`
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func newEvent(sessionID string, t EventType, data any) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Counts are the job counters carried by progress and completion events.
type Counts struct {
	Succeeded int `json:"succeeded"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
	Warnings  int `json:"warnings"`
}

// Progress is the payload of a progress event.
type Progress struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Counts     Counts `json:"counts"`
	Message    string `json:"message,omitempty"`
}

// Completion is the payload of a completion event.
type Completion struct {
	Operation string `json:"operation"`
	Status    string `json:"status"`
	Success   bool   `json:"success"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Counts    Counts `json:"counts"`
	Duration  int64  `json:"duration"`
	Summary   string `json:"summary"`
}

// Severity grades error events.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorPayload is the payload of an error event. Message must already be sanitized.
type ErrorPayload struct {
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Suggestions []string `json:"suggestions,omitempty"`
}
