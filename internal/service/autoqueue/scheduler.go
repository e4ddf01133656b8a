package autoqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/domain/errors"
	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
	"github.com/davidleathers/call-verification-engine/internal/service/calldriver"
)

// Config holds the scheduler's tunables.
type Config struct {
	// ConcurrencyCap bounds in-flight calls. Defaults to 1: one call at a
	// time, next claim immediately after hangup.
	ConcurrencyCap int
	// PollInterval is the fallback wait when no record is eligible.
	PollInterval time.Duration
	// ClaimBatchSize is how many candidates are fetched per claim pass.
	ClaimBatchSize int
	// DrainTimeout caps how long Stop waits for in-flight calls.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConcurrencyCap <= 0 {
		c.ConcurrencyCap = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 10
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Minute
	}
}

// Scheduler is the auto-queue control loop: claim the next eligible record,
// hand it to the call driver, advance immediately when a slot frees up.
type Scheduler struct {
	store  RecordStore
	driver Driver
	logger *slog.Logger
	cfg    Config

	mu       sync.Mutex
	running  bool
	batch    *BatchRun
	cancel   context.CancelFunc
	done     chan struct{}
	inFlight map[string]struct{} // verification ids
}

func NewScheduler(store RecordStore, driver Driver, logger *slog.Logger, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		store:    store,
		driver:   driver,
		logger:   logger,
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
	}
}

// Start activates the control loop. Calling Start while running is a no-op
// returning the current batch id.
func (s *Scheduler) Start() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info("scheduler already running", "batch_id", s.batch.BatchID)
		return s.batch.BatchID, nil
	}

	s.batch = &BatchRun{
		BatchID:   uuid.New(),
		StartedAt: time.Now(),
		IsRunning: true,
	}
	s.running = true
	s.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)

	s.logger.Info("scheduler started", "batch_id", s.batch.BatchID)
	return s.batch.BatchID, nil
}

// Stop halts further claims. In-flight calls finish naturally; the loop
// drains their completions before marking the batch stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	batchID := s.batch.BatchID
	s.mu.Unlock()

	s.logger.Info("scheduler stopping", "batch_id", batchID)
	cancel()
}

// Wait blocks until the current batch has fully stopped. Intended for
// shutdown paths and tests.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status reports the externally visible scheduler state.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{IsRunning: s.running}
	if s.batch != nil {
		id := s.batch.BatchID
		started := s.batch.StartedAt
		snap.BatchID = &id
		snap.StartedAt = &started
		snap.Processed = s.batch.Processed
		snap.Succeeded = s.batch.Succeeded
		snap.Failed = s.batch.Failed
	}
	return snap
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.finish()

	for {
		if ctx.Err() != nil {
			s.drain()
			return
		}

		if s.inFlightCount() >= s.cfg.ConcurrencyCap {
			// All slots busy: wait for a hangup, then claim again at once.
			// The poll fallback frees slots whose completion signal was lost.
			select {
			case c := <-s.driver.Completions():
				s.onCompletion(c)
			case <-time.After(s.cfg.PollInterval):
				s.reconcileInFlight()
			case <-ctx.Done():
			}
			continue
		}

		claimed := s.claimNext(ctx)
		if claimed {
			continue
		}

		// Nothing eligible right now; bounded poll instead of busy-spinning.
		select {
		case c := <-s.driver.Completions():
			s.onCompletion(c)
		case <-time.After(s.cfg.PollInterval):
		case <-ctx.Done():
		}
	}
}

// claimNext fetches candidates and tries to claim one. Per-record failures
// are isolated: the loop moves on instead of crashing the batch.
func (s *Scheduler) claimNext(ctx context.Context) bool {
	candidates, err := s.store.GetEligibleCandidates(ctx, s.cfg.ClaimBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to fetch eligible candidates", "error", err)
		}
		return false
	}

	for _, rec := range candidates {
		ok, err := s.store.TryClaim(ctx, rec.ID)
		if err != nil {
			s.logger.Error("claim failed", "verification_id", rec.VerificationID, "error", err)
			continue
		}
		if !ok {
			// Another claimer won, or the record is no longer eligible.
			continue
		}

		if err := rec.BeginCalling(); err != nil {
			s.logger.Error("claimed record rejected claim transition",
				"verification_id", rec.VerificationID, "error", err)
			continue
		}

		_, err = s.driver.StartCall(ctx, rec)
		if err == nil {
			s.trackInFlight(rec.VerificationID)
			return true
		}

		switch {
		case errors.IsInvalidTarget(err):
			// Non-retryable: close the record and keep going.
			s.logger.Warn("invalid call target",
				"verification_id", rec.VerificationID, "error", err)
			if terr := rec.MarkFailedTerminal(err.Error()); terr != nil {
				s.logger.Error("could not terminate record", "verification_id", rec.VerificationID, "error", terr)
			} else if serr := s.store.Save(ctx, rec); serr != nil {
				s.logger.Error("could not persist terminal record", "verification_id", rec.VerificationID, "error", serr)
			}
			s.countFailure()
			continue

		case errors.IsProviderUnavailable(err):
			// Transient: release the claim, no attempt consumed, back off.
			s.logger.Warn("telephony provider unavailable, releasing claim",
				"verification_id", rec.VerificationID, "error", err)
			s.release(ctx, rec)
			return false

		default:
			s.logger.Error("call start failed",
				"verification_id", rec.VerificationID, "error", err)
			s.release(ctx, rec)
			continue
		}
	}

	return false
}

func (s *Scheduler) release(ctx context.Context, rec *verification.Record) {
	if err := rec.ReleaseClaim(); err != nil {
		s.logger.Error("claim release failed", "verification_id", rec.VerificationID, "error", err)
		return
	}
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error("claim release persist failed", "verification_id", rec.VerificationID, "error", err)
	}
}

func (s *Scheduler) onCompletion(c calldriver.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, c.VerificationID)
	if s.batch == nil {
		return
	}
	s.batch.Processed++
	switch {
	case c.Outcome == call.OutcomeVerified:
		s.batch.Succeeded++
	case c.Outcome == call.OutcomeFailed && c.Terminal:
		s.batch.Failed++
	}
}

func (s *Scheduler) trackInFlight(verificationID string) {
	s.mu.Lock()
	s.inFlight[verificationID] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// reconcileInFlight drops tracking for verifications the driver no longer has
// a session for. A completion signal can be lost (full channel); the slot it
// held must not stay pinned forever.
func (s *Scheduler) reconcileInFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.inFlight {
		if _, active := s.driver.ActiveSessionFor(id); !active {
			s.logger.Warn("in-flight call vanished without a completion signal, freeing slot",
				"verification_id", id)
			delete(s.inFlight, id)
		}
	}
}

// drain consumes completions for calls that were in flight when Stop was
// requested. DrainTimeout guards against a lost completion signal.
func (s *Scheduler) drain() {
	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for s.inFlightCount() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.logger.Warn("drain timeout, abandoning in-flight tracking",
				"in_flight", s.inFlightCount())
			return
		}
		select {
		case c := <-s.driver.Completions():
			s.onCompletion(c)
		case <-time.After(remaining):
		}
	}
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.batch != nil {
		s.batch.IsRunning = false
		s.batch.StoppedAt = &now
		s.logger.Info("scheduler stopped",
			"batch_id", s.batch.BatchID,
			"processed", s.batch.Processed,
			"succeeded", s.batch.Succeeded,
			"failed", s.batch.Failed)
	}
	s.running = false
	s.cancel = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

func (s *Scheduler) countFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		s.batch.Processed++
		s.batch.Failed++
	}
}
