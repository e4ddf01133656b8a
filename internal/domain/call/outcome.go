package call

// Outcome is the classified result of a terminal call event.
type Outcome int

const (
	OutcomeVerified Outcome = iota
	OutcomeNotFound
	OutcomeNeedsHuman
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeNeedsHuman:
		return "needs_human"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Definitive reports whether the outcome conclusively settles account
// existence, ending retries and triggering the instant hangup.
func (o Outcome) Definitive() bool {
	return o == OutcomeVerified || o == OutcomeNotFound
}

// Retryable reports whether the outcome leaves the record open for another
// attempt, budget permitting.
func (o Outcome) Retryable() bool {
	return o == OutcomeFailed
}

// OutcomeRules map provider result codes onto outcomes. What counts as
// definitive versus ambiguous is policy, so the boundary is configuration
// rather than code: a code listed under none of the buckets classifies as
// needs_human, never silently as verified.
type OutcomeRules struct {
	Verified   []string `koanf:"verified"`
	NotFound   []string `koanf:"not_found"`
	NeedsHuman []string `koanf:"needs_human"`
	Failed     []string `koanf:"failed"`
}

// DefaultOutcomeRules covers the result codes the stock conversation agent
// emits.
func DefaultOutcomeRules() OutcomeRules {
	return OutcomeRules{
		Verified:   []string{"account_found", "account_confirmed"},
		NotFound:   []string{"account_not_found", "no_record"},
		NeedsHuman: []string{"needs_human", "escalate", "supervisor_required"},
		Failed:     []string{"no_answer", "busy", "voicemail", "disconnected", "inconclusive", "error", "timeout"},
	}
}

// Classify maps a provider result code to an outcome. Empty codes are
// failures (the call never produced a structured result); unknown codes are
// ambiguous and routed to manual review.
func (r OutcomeRules) Classify(result string) Outcome {
	if result == "" {
		return OutcomeFailed
	}
	for _, c := range r.Verified {
		if c == result {
			return OutcomeVerified
		}
	}
	for _, c := range r.NotFound {
		if c == result {
			return OutcomeNotFound
		}
	}
	for _, c := range r.Failed {
		if c == result {
			return OutcomeFailed
		}
	}
	for _, c := range r.NeedsHuman {
		if c == result {
			return OutcomeNeedsHuman
		}
	}
	return OutcomeNeedsHuman
}
