package retry

import (
	"time"

	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
)

// Policy computes when a failed record becomes eligible again. The backoff
// table is indexed by attempt count: entry 0 is the wait after the first
// failed attempt. An attempt count past the end of the table exhausts the
// record.
//
// Windows are offsets from now, not from the original failure, so scheduler
// restarts never compress the wait. ScheduleRetry is idempotent for a given
// (record, now) pair.
type Policy struct {
	backoff []time.Duration
	now     func() time.Time
}

func NewPolicy(backoff []time.Duration) *Policy {
	return &Policy{
		backoff: backoff,
		now:     time.Now,
	}
}

// NewPolicyWithNow injects the time source, for tests.
func NewPolicyWithNow(backoff []time.Duration, now func() time.Time) *Policy {
	return &Policy{backoff: backoff, now: now}
}

// MaxAttempts is the total attempt budget implied by the table: one initial
// attempt plus one retry per entry.
func (p *Policy) MaxAttempts() int {
	return len(p.backoff) + 1
}

// ScheduleRetry returns the next eligibility time for a record that just
// consumed an attempt, or nil when the budget is exhausted and the record
// must become failed_terminal. The record's AttemptCount is expected to
// already include the attempt that failed.
func (p *Policy) ScheduleRetry(rec *verification.Record) *time.Time {
	if rec.AttemptCount < 1 {
		// Nothing has been attempted; no retry to schedule.
		return nil
	}
	idx := rec.AttemptCount - 1
	if idx >= len(p.backoff) {
		return nil
	}
	next := p.now().Add(p.backoff[idx])
	return &next
}
