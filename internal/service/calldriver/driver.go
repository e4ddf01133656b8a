package calldriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/domain/errors"
	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
)

// Config holds the driver's tunables.
type Config struct {
	// TestEndpoint is the pre-verified number simulated calls are forced to.
	TestEndpoint string
	// WebhookBaseURL is the public base for provider callback refs.
	WebhookBaseURL string
	// CallTimeout force-completes a session with no events as failed.
	CallTimeout time.Duration
	// DialRatePerSecond bounds outbound dials across both modes.
	DialRatePerSecond float64
	// OutcomeRules classify provider result codes.
	OutcomeRules call.OutcomeRules
	// CompletionBuffer sizes the scheduler-facing completion channel.
	CompletionBuffer int
}

// endedRetention bounds how long finished call SIDs are remembered for
// duplicate-delivery detection.
const endedRetention = 30 * time.Minute

type service struct {
	store     RecordStore
	logs      CallLogStore
	live      Provider
	sim       Provider
	blocklist Blocklist
	monitor   Monitor
	resolver  ModeResolver
	retry     RetryPolicy
	metrics   MetricsCollector
	limiter   *rate.Limiter
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config

	mu             sync.Mutex
	sessions       map[string]*call.Session // keyed by call SID
	byVerification map[string]string        // verification id -> call SID
	timers         map[string]*time.Timer
	ended          map[string]time.Time // recently finished SIDs
	completions    chan Completion
}

// NewService creates a call driver. logs and metrics may be nil.
func NewService(
	store RecordStore,
	logs CallLogStore,
	live Provider,
	sim Provider,
	blocklist Blocklist,
	monitor Monitor,
	resolver ModeResolver,
	retryPolicy RetryPolicy,
	metrics MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) Service {
	if cfg.CompletionBuffer <= 0 {
		cfg.CompletionBuffer = 64
	}
	limit := rate.Inf
	if cfg.DialRatePerSecond > 0 {
		limit = rate.Limit(cfg.DialRatePerSecond)
	}
	return &service{
		store:          store,
		logs:           logs,
		live:           live,
		sim:            sim,
		blocklist:      blocklist,
		monitor:        monitor,
		resolver:       resolver,
		retry:          retryPolicy,
		metrics:        metrics,
		limiter:        rate.NewLimiter(limit, 1),
		logger:         logger,
		tracer:         otel.Tracer("service.calldriver"),
		cfg:            cfg,
		sessions:       make(map[string]*call.Session),
		byVerification: make(map[string]string),
		timers:         make(map[string]*time.Timer),
		ended:          make(map[string]time.Time),
		completions:    make(chan Completion, cfg.CompletionBuffer),
	}
}

func (s *service) Completions() <-chan Completion {
	return s.completions
}

func (s *service) ActiveSessionFor(verificationID string) (*call.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.byVerification[verificationID]
	if !ok {
		return nil, false
	}
	return s.sessions[sid].Clone(), true
}

// StartCall dials a record that the scheduler has already claimed. The claim
// is durable before the provider is invoked, so a provider outage leaves the
// record in a well-defined calling state for the timeout path to recover.
func (s *service) StartCall(ctx context.Context, rec *verification.Record) (*call.Session, error) {
	ctx, span := s.tracer.Start(ctx, "calldriver.StartCall",
		trace.WithAttributes(attribute.String("verification_id", rec.VerificationID)))
	defer span.End()

	if err := verification.ValidatePhoneNumber(rec.CompanyPhone); err != nil {
		return nil, errors.NewInvalidTargetError(rec.CompanyPhone, "malformed number").WithCause(err)
	}
	blocked, err := s.blocklist.IsBlocked(ctx, rec.CompanyPhone)
	if err != nil {
		return nil, errors.NewInternalError("blocklist check failed").WithCause(err)
	}
	if blocked {
		return nil, errors.NewInvalidTargetError(rec.CompanyPhone, "number is on the blocklist")
	}

	s.mu.Lock()
	if sid, active := s.byVerification[rec.VerificationID]; active {
		s.mu.Unlock()
		return nil, errors.NewConflictError(
			fmt.Sprintf("verification %s already has active call %s", rec.VerificationID, sid))
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, errors.NewInternalError("dial rate limiter interrupted").WithCause(err)
	}

	simulate := s.resolver.Simulate(ctx)
	provider := s.live
	destination := rec.CompanyPhone
	if simulate {
		// Hard safety invariant: simulated calls only ever dial the
		// pre-verified test endpoint, whatever the record says.
		provider = s.sim
		destination = s.cfg.TestEndpoint
	}

	refs := CallbackRefs{
		VerificationID:    rec.VerificationID,
		StatusCallbackURL: fmt.Sprintf("%s/api/v1/webhooks/telephony", s.cfg.WebhookBaseURL),
		VoiceWebhookURL:   fmt.Sprintf("%s/api/v1/webhooks/telephony/voice?verification_id=%s", s.cfg.WebhookBaseURL, rec.VerificationID),
	}

	callSID, err := provider.PlaceCall(ctx, destination, refs)
	if err != nil {
		span.RecordError(err)
		if s.metrics != nil {
			s.metrics.RecordCallFailed("dial_error")
		}
		var appErr *errors.AppError
		if e, ok := err.(*errors.AppError); ok {
			appErr = e
		} else {
			appErr = errors.NewProviderUnavailableError(provider.Name(), "failed to place call").WithCause(err)
		}
		return nil, appErr
	}

	session := call.NewSession(callSID, rec.VerificationID, destination, simulate)

	s.mu.Lock()
	s.sessions[callSID] = session
	s.byVerification[rec.VerificationID] = callSID
	s.timers[callSID] = time.AfterFunc(s.cfg.CallTimeout, func() {
		s.forceTimeout(callSID, rec.VerificationID)
	})
	s.mu.Unlock()

	s.monitor.Register(session)
	s.monitor.AddEvent(callSID, "call_initiated",
		fmt.Sprintf("call initiated to %s", destination),
		map[string]any{"verification_id": rec.VerificationID, "simulated": simulate})

	if err := rec.AttachCall(callSID); err != nil {
		s.logger.Warn("could not attach call SID to record",
			"verification_id", rec.VerificationID, "call_sid", callSID, "error", err)
	} else if err := s.store.Save(ctx, rec); err != nil {
		// The call is already in flight; the terminal path saves again.
		s.logger.Error("failed to persist call SID",
			"verification_id", rec.VerificationID, "call_sid", callSID, "error", err)
	}

	if s.logs != nil {
		entry := &CallLog{
			ID:             uuid.New(),
			VerificationID: rec.VerificationID,
			CallSID:        callSID,
			ToNumber:       destination,
			AttemptNumber:  rec.AttemptCount + 1,
			Simulated:      simulate,
			InitiatedAt:    session.StartedAt,
		}
		if err := s.logs.Create(ctx, entry); err != nil {
			s.logger.Warn("failed to write call log", "call_sid", callSID, "error", err)
		}
	}

	if s.metrics != nil {
		modeLabel := "live"
		if simulate {
			modeLabel = "simulated"
		}
		s.metrics.RecordCallInitiated(modeLabel)
	}

	s.logger.Info("call started",
		"verification_id", rec.VerificationID,
		"call_sid", callSID,
		"provider", provider.Name(),
		"simulated", simulate)

	return session.Clone(), nil
}

// OnProviderEvent ingests a status or voice-agent event. Terminal events are
// claimed under the driver lock, so a redelivered callback finds the session
// gone and is absorbed without advancing the attempt count or re-publishing.
func (s *service) OnProviderEvent(ctx context.Context, ev call.Event) error {
	ctx, span := s.tracer.Start(ctx, "calldriver.OnProviderEvent",
		trace.WithAttributes(
			attribute.String("call_sid", ev.CallSID),
			attribute.String("event_type", ev.Type)))
	defer span.End()

	s.mu.Lock()
	session, ok := s.sessions[ev.CallSID]
	if !ok {
		_, recentlyEnded := s.ended[ev.CallSID]
		s.mu.Unlock()
		if recentlyEnded {
			if s.metrics != nil {
				s.metrics.RecordDuplicateEvent()
			}
			s.logger.Debug("duplicate event ignored", "call_sid", ev.CallSID, "event_type", ev.Type)
			return nil
		}
		s.logger.Warn("event for unknown call", "call_sid", ev.CallSID, "event_type", ev.Type)
		return nil
	}

	if !ev.Terminal() {
		s.applyProgressLocked(session, ev)
		s.mu.Unlock()
		return nil
	}

	// Claim the terminal event: remove the session so concurrent duplicates
	// become no-ops, then finish outside the lock.
	delete(s.sessions, ev.CallSID)
	delete(s.byVerification, session.VerificationID)
	if t := s.timers[ev.CallSID]; t != nil {
		t.Stop()
		delete(s.timers, ev.CallSID)
	}
	s.ended[ev.CallSID] = time.Now()
	s.pruneEndedLocked()
	session.Touch(call.SessionCompleting)
	s.mu.Unlock()

	return s.completeSession(ctx, session, ev)
}

func (s *service) applyProgressLocked(session *call.Session, ev call.Event) {
	switch ev.Type {
	case call.EventRinging:
		session.Touch(call.SessionRinging)
	case call.EventInProgress:
		session.Touch(call.SessionInProgress)
	default:
		session.Touch(session.Status)
	}
	if t := s.timers[ev.CallSID]; t != nil {
		t.Reset(s.cfg.CallTimeout)
	}
	s.monitor.UpdateStatus(ev.CallSID, session.Status)
	s.monitor.AddEvent(ev.CallSID, ev.Type, fmt.Sprintf("provider reported %s", ev.Type), nil)
}

func (s *service) completeSession(ctx context.Context, session *call.Session, ev call.Event) error {
	outcome := s.cfg.OutcomeRules.Classify(ev.Result)
	if ev.Type == call.EventTimeout {
		outcome = call.OutcomeFailed
	}

	// Instant hangup: on a definitive result, end the call before anything
	// else happens for this SID. Bounds call cost and frees the scheduler
	// slot sooner. A timed-out call may still hold a live provider leg, so
	// it gets torn down too.
	switch {
	case ev.Type == call.EventTimeout:
		if err := s.providerFor(session).EndCall(ctx, session.CallSID); err != nil {
			s.logger.Warn("timeout hangup failed", "call_sid", session.CallSID, "error", err)
		}
	case outcome.Definitive():
		if err := s.providerFor(session).EndCall(ctx, session.CallSID); err != nil {
			s.logger.Warn("instant hangup failed", "call_sid", session.CallSID, "error", err)
		}
		s.monitor.AddEvent(session.CallSID, "auto_hangup",
			"definitive outcome, terminating call", map[string]any{"outcome": outcome.String()})
	}

	rec, err := s.store.GetByVerificationID(ctx, session.VerificationID)
	if err != nil {
		session.End()
		s.monitor.EndCall(session.CallSID, "orphaned")
		s.logger.Error("no record for completed call",
			"call_sid", session.CallSID, "verification_id", session.VerificationID, "error", err)
		// The call is over but its outcome could not be applied. Return the
		// claim so the record is redialed instead of stranding in calling,
		// and signal the scheduler so the slot frees up either way.
		if relErr := s.store.ReleaseClaim(ctx, session.VerificationID); relErr != nil {
			s.logger.Error("claim release failed",
				"verification_id", session.VerificationID, "error", relErr)
		}
		s.sendCompletion(Completion{
			VerificationID: session.VerificationID,
			CallSID:        session.CallSID,
			Outcome:        call.OutcomeFailed,
			Terminal:       false,
		})
		return errors.NewNotFoundError("verification record").WithCause(err)
	}

	rec.IncrementAttempt()

	terminal := true
	switch outcome {
	case call.OutcomeVerified:
		err = rec.MarkVerified(ev.Summary)
	case call.OutcomeNotFound:
		err = rec.MarkNotFound(ev.Summary)
	case call.OutcomeNeedsHuman:
		err = rec.MarkNeedsHuman(ev.Summary)
	case call.OutcomeFailed:
		reason := ev.Result
		if reason == "" {
			reason = "call did not produce a result"
		}
		if ev.Type == call.EventTimeout {
			reason = "call timed out"
		}
		if err = rec.MarkFailed(reason); err == nil {
			next := s.retry.ScheduleRetry(rec)
			err = rec.ApplyRetrySchedule(next)
			terminal = rec.Status == verification.StatusFailedTerminal
		}
	}
	if err != nil {
		s.logger.Error("record transition failed",
			"verification_id", rec.VerificationID, "outcome", outcome.String(), "error", err)
	}

	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error("failed to persist outcome",
			"verification_id", rec.VerificationID, "error", err)
	}
	if s.logs != nil {
		if err := s.logs.Complete(ctx, session.CallSID, outcome, time.Now()); err != nil {
			s.logger.Warn("failed to close call log", "call_sid", session.CallSID, "error", err)
		}
	}

	duration := time.Since(session.StartedAt)
	session.End()
	s.monitor.AddEvent(session.CallSID, "call_completed",
		fmt.Sprintf("call finished with outcome %s", outcome),
		map[string]any{"outcome": outcome.String(), "status": rec.Status.String()})
	s.monitor.EndCall(session.CallSID, rec.Status.String())

	if s.metrics != nil {
		s.metrics.RecordCallCompleted(outcome.String(), duration)
	}

	s.sendCompletion(Completion{
		VerificationID: session.VerificationID,
		CallSID:        session.CallSID,
		Outcome:        outcome,
		Terminal:       terminal,
	})

	s.logger.Info("call completed",
		"verification_id", session.VerificationID,
		"call_sid", session.CallSID,
		"outcome", outcome.String(),
		"status", rec.Status.String(),
		"attempt_count", rec.AttemptCount,
		"duration", duration)

	return nil
}

// sendCompletion signals the scheduler without ever blocking the event path.
func (s *service) sendCompletion(c Completion) {
	select {
	case s.completions <- c:
	default:
		// The scheduler reconciles its in-flight slots against the active
		// sessions on every poll, so a dropped signal still frees the slot.
		s.logger.Warn("completion channel full", "call_sid", c.CallSID)
	}
}

// forceTimeout synthesizes a failed outcome for a session that went silent.
func (s *service) forceTimeout(callSID, verificationID string) {
	s.logger.Warn("call timed out", "call_sid", callSID, "verification_id", verificationID)
	ev := call.Event{
		CallSID:        callSID,
		VerificationID: verificationID,
		Type:           call.EventTimeout,
		Result:         "timeout",
		Timestamp:      time.Now(),
	}
	if err := s.OnProviderEvent(context.Background(), ev); err != nil {
		s.logger.Error("timeout completion failed", "call_sid", callSID, "error", err)
	}
}

func (s *service) providerFor(session *call.Session) Provider {
	if session.Simulated {
		return s.sim
	}
	return s.live
}

func (s *service) pruneEndedLocked() {
	cutoff := time.Now().Add(-endedRetention)
	for sid, endedAt := range s.ended {
		if endedAt.Before(cutoff) {
			delete(s.ended, sid)
		}
	}
}

func (s *service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, t := range s.timers {
		t.Stop()
		delete(s.timers, sid)
	}
}
