package call

import "time"

// Provider event types as delivered on the webhook path. Progress events move
// the session through its lifecycle; EventOutcome and EventTimeout are
// terminal for the attempt.
const (
	EventQueued     = "queued"
	EventRinging    = "ringing"
	EventInProgress = "in_progress"
	EventOutcome    = "outcome"
	EventTimeout    = "timeout"
)

// Event is an asynchronous status or voice-agent event correlated by call
// SID. For EventOutcome, Result carries the structured outcome code reported
// by the conversation agent and Summary its one-paragraph account of the call.
type Event struct {
	CallSID        string    `json:"call_sid"`
	VerificationID string    `json:"verification_id"`
	Type           string    `json:"type"`
	Result         string    `json:"result,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends the attempt.
func (e Event) Terminal() bool {
	return e.Type == EventOutcome || e.Type == EventTimeout
}

// StatusEvent is what the call monitor publishes to live subscribers.
type StatusEvent struct {
	CallSID        string         `json:"call_sid"`
	VerificationID string         `json:"verification_id"`
	EventType      string         `json:"event_type"`
	Message        string         `json:"message"`
	SessionStatus  string         `json:"session_status"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
}
