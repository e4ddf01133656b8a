package autoqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
	"github.com/davidleathers/call-verification-engine/internal/service/calldriver"
)

// RecordStore is the durable store contract the scheduler claims from.
type RecordStore interface {
	// GetEligibleCandidates returns eligible records ordered by priority
	// descending, then created_at ascending.
	GetEligibleCandidates(ctx context.Context, limit int) ([]*verification.Record, error)
	// TryClaim atomically transitions an eligible record to calling.
	// Returns false when another claimer won or the record ceased to be
	// eligible.
	TryClaim(ctx context.Context, id uuid.UUID) (bool, error)
	Save(ctx context.Context, rec *verification.Record) error
}

// Driver is the call driver contract the scheduler hands claims to.
type Driver interface {
	StartCall(ctx context.Context, rec *verification.Record) (*call.Session, error)
	Completions() <-chan calldriver.Completion
	// ActiveSessionFor reports whether the driver still tracks a live call
	// for the verification. The scheduler uses it to reconcile in-flight
	// slots after a lost completion signal.
	ActiveSessionFor(verificationID string) (*call.Session, bool)
}

// BatchRun tracks one scheduler activation.
type BatchRun struct {
	BatchID   uuid.UUID  `json:"batch_id"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	IsRunning bool       `json:"is_running"`
	Processed int        `json:"processed"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
}

// Snapshot is the externally visible scheduler state.
type Snapshot struct {
	IsRunning bool       `json:"is_running"`
	BatchID   *uuid.UUID `json:"batch_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Processed int        `json:"processed"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
}
