package verification

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is an account verification request against a target company.
// It is created by the surrounding record-management system in StatusPending
// and mutated exclusively through the state-machine methods below.
type Record struct {
	ID             uuid.UUID `json:"id"`
	VerificationID string    `json:"verification_id"`

	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	CompanyName   string `json:"company_name"`
	CompanyPhone  string `json:"company_phone"`
	AccountNumber string `json:"account_number,omitempty"`

	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	Priority     int    `json:"priority"`

	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	LastCallSID    *string    `json:"last_call_sid,omitempty"`
	CallSummary    *string    `json:"call_summary,omitempty"`
	AccountExists  *bool      `json:"account_exists,omitempty"`
	FailureReason  *string    `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status int

const (
	StatusPending Status = iota
	StatusCalling
	StatusVerified
	StatusNotFound
	StatusNeedsHuman
	StatusFailed
	StatusFailedTerminal
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCalling:
		return "calling"
	case StatusVerified:
		return "verified"
	case StatusNotFound:
		return "not_found"
	case StatusNeedsHuman:
		return "needs_human"
	case StatusFailed:
		return "failed"
	case StatusFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// ParseStatus maps the database enum value back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "calling":
		return StatusCalling, nil
	case "verified":
		return StatusVerified, nil
	case "not_found":
		return StatusNotFound, nil
	case "needs_human":
		return StatusNeedsHuman, nil
	case "failed":
		return StatusFailed, nil
	case "failed_terminal":
		return StatusFailedTerminal, nil
	default:
		return StatusPending, fmt.Errorf("unknown verification status %q", s)
	}
}

// IsTerminal reports whether the record can never be scheduled again
// without an administrative reset.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusVerified, StatusNotFound, StatusNeedsHuman, StatusFailedTerminal:
		return true
	}
	return false
}

var phoneRegex = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ValidatePhoneNumber enforces E.164 after stripping common formatting.
func ValidatePhoneNumber(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone number cannot be empty")
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '+':
			return r
		case r == ' ', r == '-', r == '(', r == ')', r == '.':
			return -1
		}
		return r
	}, phone)
	if !phoneRegex.MatchString(cleaned) {
		return fmt.Errorf("phone number %q is not a valid E.164 number", phone)
	}
	return nil
}

// NewRecord creates a verification record in pending state.
func NewRecord(verificationID, customerName, customerPhone, companyName, companyPhone string, priority int) (*Record, error) {
	if verificationID == "" {
		return nil, fmt.Errorf("verification ID cannot be empty")
	}
	if companyName == "" {
		return nil, fmt.Errorf("company name cannot be empty")
	}
	if err := ValidatePhoneNumber(companyPhone); err != nil {
		return nil, fmt.Errorf("invalid company phone: %w", err)
	}

	now := clock.Now()
	return &Record{
		ID:             uuid.New(),
		VerificationID: verificationID,
		CustomerName:   customerName,
		CustomerPhone:  customerPhone,
		CompanyName:    companyName,
		CompanyPhone:   companyPhone,
		Status:         StatusPending,
		Priority:       priority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Eligible reports whether the record may be claimed for calling right now.
func (r *Record) Eligible(now time.Time) bool {
	switch r.Status {
	case StatusPending:
		return r.NextEligibleAt == nil || !r.NextEligibleAt.After(now)
	case StatusFailed:
		return r.NextEligibleAt != nil && !r.NextEligibleAt.After(now)
	}
	return false
}

// BeginCalling claims the record for an outbound attempt. The durable claim
// is an atomic conditional update in the store; this mirrors it in memory.
func (r *Record) BeginCalling() error {
	if !r.Eligible(clock.Now()) {
		return fmt.Errorf("record %s is not eligible for calling (status %s)", r.VerificationID, r.Status)
	}
	r.Status = StatusCalling
	r.NextEligibleAt = nil
	r.UpdatedAt = clock.Now()
	return nil
}

// ReleaseClaim returns a claimed record to pending without consuming an
// attempt. Used when the telephony provider could not be reached.
func (r *Record) ReleaseClaim() error {
	if r.Status != StatusCalling {
		return fmt.Errorf("record %s is not claimed (status %s)", r.VerificationID, r.Status)
	}
	r.Status = StatusPending
	r.UpdatedAt = clock.Now()
	return nil
}

// AttachCall stores the provider call reference for the current attempt.
func (r *Record) AttachCall(callSID string) error {
	if r.Status != StatusCalling {
		return fmt.Errorf("record %s has no active claim (status %s)", r.VerificationID, r.Status)
	}
	r.LastCallSID = &callSID
	r.UpdatedAt = clock.Now()
	return nil
}

// IncrementAttempt consumes exactly one attempt. Callers guard against
// duplicate terminal events before invoking it.
func (r *Record) IncrementAttempt() {
	r.AttemptCount++
	r.UpdatedAt = clock.Now()
}

// MarkVerified records a definitive positive outcome.
func (r *Record) MarkVerified(summary string) error {
	if r.Status != StatusCalling {
		return fmt.Errorf("cannot verify record %s from status %s", r.VerificationID, r.Status)
	}
	exists := true
	r.Status = StatusVerified
	r.AccountExists = &exists
	r.CallSummary = &summary
	r.NextEligibleAt = nil
	r.UpdatedAt = clock.Now()
	return nil
}

// MarkNotFound records a definitive negative outcome. Non-retryable.
func (r *Record) MarkNotFound(summary string) error {
	if r.Status != StatusCalling {
		return fmt.Errorf("cannot mark record %s not_found from status %s", r.VerificationID, r.Status)
	}
	exists := false
	r.Status = StatusNotFound
	r.AccountExists = &exists
	r.CallSummary = &summary
	r.NextEligibleAt = nil
	r.UpdatedAt = clock.Now()
	return nil
}

// MarkNeedsHuman flags the record for manual review. Non-retryable.
func (r *Record) MarkNeedsHuman(summary string) error {
	if r.Status != StatusCalling {
		return fmt.Errorf("cannot mark record %s needs_human from status %s", r.VerificationID, r.Status)
	}
	r.Status = StatusNeedsHuman
	r.CallSummary = &summary
	r.NextEligibleAt = nil
	r.UpdatedAt = clock.Now()
	return nil
}

// MarkFailed records a non-definitive outcome (no connect, timeout,
// inconclusive). The retry policy decides what happens next.
func (r *Record) MarkFailed(reason string) error {
	if r.Status != StatusCalling {
		return fmt.Errorf("cannot fail record %s from status %s", r.VerificationID, r.Status)
	}
	r.Status = StatusFailed
	r.FailureReason = &reason
	r.UpdatedAt = clock.Now()
	return nil
}

// ApplyRetrySchedule stores the retry policy decision: a future eligibility
// time keeps the record in failed (the store promotes it back to the queue
// once the window elapses), nil exhausts it.
func (r *Record) ApplyRetrySchedule(next *time.Time) error {
	if r.Status != StatusFailed {
		return fmt.Errorf("cannot schedule retry for record %s in status %s", r.VerificationID, r.Status)
	}
	if next == nil {
		r.Status = StatusFailedTerminal
		r.NextEligibleAt = nil
	} else {
		t := *next
		r.NextEligibleAt = &t
	}
	r.UpdatedAt = clock.Now()
	return nil
}

// MarkFailedTerminal closes the record with a reason, bypassing retries.
// Used for non-retryable dial errors such as an invalid or blocked target.
func (r *Record) MarkFailedTerminal(reason string) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("record %s already terminal (status %s)", r.VerificationID, r.Status)
	}
	r.Status = StatusFailedTerminal
	r.FailureReason = &reason
	r.NextEligibleAt = nil
	r.UpdatedAt = clock.Now()
	return nil
}

// Reset is the administrative escape hatch: it returns a terminal record to
// pending with a fresh attempt budget.
func (r *Record) Reset() error {
	if !r.Status.IsTerminal() && r.Status != StatusFailed {
		return fmt.Errorf("cannot reset record %s from status %s", r.VerificationID, r.Status)
	}
	r.Status = StatusPending
	r.AttemptCount = 0
	r.NextEligibleAt = nil
	r.FailureReason = nil
	r.UpdatedAt = clock.Now()
	return nil
}
