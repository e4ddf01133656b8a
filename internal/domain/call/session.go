package call

import (
	"encoding/json"
	"time"
)

// Session is the ephemeral per-attempt state of one in-flight call. It is
// owned by the call driver for the duration of the call and removed from the
// active set when the call ends.
type Session struct {
	CallSID        string         `json:"call_sid"`
	VerificationID string         `json:"verification_id"`
	ToNumber       string         `json:"to_number"`
	Simulated      bool           `json:"simulated"`
	Status         SessionStatus  `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	LastEventAt    time.Time      `json:"last_event_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Timeline       []TimelineItem `json:"timeline"`
}

// TimelineItem is one entry in a session's event log, surfaced to live
// dashboard subscribers.
type TimelineItem struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type SessionStatus int

const (
	SessionQueued SessionStatus = iota
	SessionRinging
	SessionInProgress
	SessionCompleting
	SessionEnded
)

func (s SessionStatus) String() string {
	switch s {
	case SessionQueued:
		return "queued"
	case SessionRinging:
		return "ringing"
	case SessionInProgress:
		return "in_progress"
	case SessionCompleting:
		return "completing"
	case SessionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form for API consumers.
func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// NewSession creates a session in queued state.
func NewSession(callSID, verificationID, toNumber string, simulated bool) *Session {
	now := time.Now()
	return &Session{
		CallSID:        callSID,
		VerificationID: verificationID,
		ToNumber:       toNumber,
		Simulated:      simulated,
		Status:         SessionQueued,
		StartedAt:      now,
		LastEventAt:    now,
	}
}

// Touch updates the session status and last-event timestamp.
func (s *Session) Touch(status SessionStatus) {
	s.Status = status
	s.LastEventAt = time.Now()
}

// End marks the session ended.
func (s *Session) End() {
	now := time.Now()
	s.Status = SessionEnded
	s.LastEventAt = now
	s.EndedAt = &now
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (s *Session) Clone() *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	cp.Timeline = make([]TimelineItem, len(s.Timeline))
	copy(cp.Timeline, s.Timeline)
	return &cp
}
