package calldriver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
)

// Service drives one in-flight call's lifecycle against the telephony
// collaborator and translates provider events into record transitions.
type Service interface {
	// StartCall dials the record's target (or the test endpoint in simulated
	// mode), registers a session with the call monitor and attaches the
	// provider call reference to the record.
	StartCall(ctx context.Context, rec *verification.Record) (*call.Session, error)
	// OnProviderEvent ingests an asynchronous status or voice-agent event.
	// Idempotent with respect to duplicate delivery.
	OnProviderEvent(ctx context.Context, event call.Event) error
	// ActiveSessionFor reports the live session for a verification, if any.
	ActiveSessionFor(verificationID string) (*call.Session, bool)
	// Completions delivers one message per finished attempt, for the
	// scheduler's instant-advance loop.
	Completions() <-chan Completion
	// Shutdown stops timeout watchdogs. In-flight calls are not cancelled.
	Shutdown()
}

// Completion signals a finished attempt to the scheduler.
type Completion struct {
	VerificationID string
	CallSID        string
	Outcome        call.Outcome
	Terminal       bool // record reached a terminal status (no further retries)
}

// CallbackRefs carry the webhook targets handed to the telephony provider so
// asynchronous events correlate back to the verification.
type CallbackRefs struct {
	VerificationID    string
	StatusCallbackURL string
	VoiceWebhookURL   string
}

// Provider is the telephony collaborator contract.
type Provider interface {
	// PlaceCall starts an outbound call and returns the provider call SID.
	PlaceCall(ctx context.Context, destination string, refs CallbackRefs) (string, error)
	// EndCall hangs up an active call.
	EndCall(ctx context.Context, callSID string) error
	// Name identifies the provider in logs and metrics.
	Name() string
}

// Blocklist is consulted before every call attempt, real or simulated.
type Blocklist interface {
	IsBlocked(ctx context.Context, number string) (bool, error)
}

// RecordStore is the durable verification store contract used by the driver.
type RecordStore interface {
	GetByVerificationID(ctx context.Context, verificationID string) (*verification.Record, error)
	Save(ctx context.Context, rec *verification.Record) error
	// ReleaseClaim returns a claimed record to pending without consuming an
	// attempt. Recovery path for a finished call whose record could not be
	// read back.
	ReleaseClaim(ctx context.Context, verificationID string) error
}

// CallLogStore persists one row per attempt for operator-facing history.
type CallLogStore interface {
	Create(ctx context.Context, log *CallLog) error
	Complete(ctx context.Context, callSID string, outcome call.Outcome, endedAt time.Time) error
}

// CallLog is the durable per-attempt record.
type CallLog struct {
	ID             uuid.UUID  `json:"id"`
	VerificationID string     `json:"verification_id"`
	CallSID        string     `json:"call_sid"`
	ToNumber       string     `json:"to_number"`
	AttemptNumber  int        `json:"attempt_number"`
	Simulated      bool       `json:"simulated"`
	Outcome        *string    `json:"outcome,omitempty"`
	InitiatedAt    time.Time  `json:"initiated_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Monitor is the live-observer registry the driver publishes into.
type Monitor interface {
	Register(session *call.Session)
	AddEvent(callSID, eventType, message string, data map[string]any)
	UpdateStatus(callSID string, status call.SessionStatus)
	EndCall(callSID, finalStatus string)
}

// ModeResolver decides simulated versus live per scheduling decision.
type ModeResolver interface {
	Simulate(ctx context.Context) bool
}

// RetryPolicy computes the next eligibility window after a failed attempt.
type RetryPolicy interface {
	ScheduleRetry(rec *verification.Record) *time.Time
}

// MetricsCollector records driver-level telemetry.
type MetricsCollector interface {
	RecordCallInitiated(mode string)
	RecordCallCompleted(outcome string, duration time.Duration)
	RecordCallFailed(reason string)
	RecordDuplicateEvent()
}
