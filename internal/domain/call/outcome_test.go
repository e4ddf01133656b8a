package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	rules := DefaultOutcomeRules()

	tests := []struct {
		result string
		want   Outcome
	}{
		{"account_found", OutcomeVerified},
		{"account_confirmed", OutcomeVerified},
		{"account_not_found", OutcomeNotFound},
		{"no_record", OutcomeNotFound},
		{"needs_human", OutcomeNeedsHuman},
		{"escalate", OutcomeNeedsHuman},
		{"no_answer", OutcomeFailed},
		{"voicemail", OutcomeFailed},
		{"timeout", OutcomeFailed},
		{"", OutcomeFailed},
		// Unknown codes go to manual review, never silently to verified.
		{"some_new_agent_code", OutcomeNeedsHuman},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rules.Classify(tt.result), "result %q", tt.result)
	}
}

func TestOutcomeProperties(t *testing.T) {
	assert.True(t, OutcomeVerified.Definitive())
	assert.True(t, OutcomeNotFound.Definitive())
	assert.False(t, OutcomeNeedsHuman.Definitive())
	assert.False(t, OutcomeFailed.Definitive())

	assert.True(t, OutcomeFailed.Retryable())
	assert.False(t, OutcomeVerified.Retryable())
	assert.False(t, OutcomeNeedsHuman.Retryable())
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Type: EventOutcome}.Terminal())
	assert.True(t, Event{Type: EventTimeout}.Terminal())
	assert.False(t, Event{Type: EventRinging}.Terminal())
	assert.False(t, Event{Type: EventQueued}.Terminal())
	assert.False(t, Event{Type: EventInProgress}.Terminal())
}

func TestSessionClone(t *testing.T) {
	s := NewSession("CA1", "VER-1", "+15551234567", true)
	s.Timeline = append(s.Timeline, TimelineItem{Type: "call_initiated", Message: "dialing"})

	cp := s.Clone()
	cp.Timeline = append(cp.Timeline, TimelineItem{Type: "extra"})
	cp.Touch(SessionRinging)

	assert.Len(t, s.Timeline, 1)
	assert.Equal(t, SessionQueued, s.Status)
	assert.Equal(t, SessionRinging, cp.Status)
}
