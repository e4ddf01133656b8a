package calldriver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
)

// SimulatorConfig tunes the synthetic call generator.
type SimulatorConfig struct {
	// DelayMin/DelayMax bound the randomized completion delay.
	DelayMin time.Duration
	DelayMax time.Duration
	// Outcome weights for the synthetic result distribution.
	VerifiedWeight   int
	NotFoundWeight   int
	NeedsHumanWeight int
}

// DefaultSimulatorConfig mirrors the behavior of a short test call.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		DelayMin:         3 * time.Second,
		DelayMax:         8 * time.Second,
		VerifiedWeight:   60,
		NotFoundWeight:   25,
		NeedsHumanWeight: 15,
	}
}

// Simulator implements Provider without touching the telephony network. It
// issues synthetic call SIDs and, after a bounded random delay, feeds a
// synthetic outcome event back through the handler the driver registers.
type Simulator struct {
	cfg     SimulatorConfig
	logger  *slog.Logger
	handler func(ctx context.Context, ev call.Event)

	mu     sync.Mutex
	rng    *rand.Rand
	active map[string]bool
}

func NewSimulator(cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	if cfg.DelayMax <= cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin + time.Second
	}
	return &Simulator{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		active: make(map[string]bool),
	}
}

// SetHandler wires the driver's event ingestion entrypoint. Must be called
// before the first PlaceCall.
func (s *Simulator) SetHandler(handler func(ctx context.Context, ev call.Event)) {
	s.handler = handler
}

func (s *Simulator) Name() string { return "simulator" }

// PlaceCall fabricates a call SID and schedules completion. The destination
// the driver hands in is already the test endpoint; the simulator never
// redirects it back to a real target.
func (s *Simulator) PlaceCall(ctx context.Context, destination string, refs CallbackRefs) (string, error) {
	callSID := "SIM" + uuid.NewString()

	s.mu.Lock()
	s.active[callSID] = true
	delay := s.cfg.DelayMin + time.Duration(s.rng.Int63n(int64(s.cfg.DelayMax-s.cfg.DelayMin)))
	result, summary := s.pickOutcomeLocked()
	s.mu.Unlock()

	s.logger.Info("simulated call placed",
		"call_sid", callSID,
		"destination", destination,
		"verification_id", refs.VerificationID,
		"completes_in", delay)

	go s.completeAfter(callSID, refs.VerificationID, delay, result, summary)

	return callSID, nil
}

// EndCall marks the synthetic call hung up. A completion that already fired
// is handled by the driver's duplicate detection.
func (s *Simulator) EndCall(ctx context.Context, callSID string) error {
	s.mu.Lock()
	delete(s.active, callSID)
	s.mu.Unlock()
	s.logger.Debug("simulated call hung up", "call_sid", callSID)
	return nil
}

func (s *Simulator) completeAfter(callSID, verificationID string, delay time.Duration, result, summary string) {
	time.Sleep(delay)

	s.mu.Lock()
	_, stillActive := s.active[callSID]
	delete(s.active, callSID)
	s.mu.Unlock()
	if !stillActive || s.handler == nil {
		return
	}

	s.handler(context.Background(), call.Event{
		CallSID:        callSID,
		VerificationID: verificationID,
		Type:           call.EventOutcome,
		Result:         result,
		Summary:        summary,
		Timestamp:      time.Now(),
	})
}

func (s *Simulator) pickOutcomeLocked() (result, summary string) {
	total := s.cfg.VerifiedWeight + s.cfg.NotFoundWeight + s.cfg.NeedsHumanWeight
	if total <= 0 {
		return "account_found", "Simulated representative confirmed the account is on file."
	}
	n := s.rng.Intn(total)
	switch {
	case n < s.cfg.VerifiedWeight:
		return "account_found", "Simulated representative confirmed the account is on file."
	case n < s.cfg.VerifiedWeight+s.cfg.NotFoundWeight:
		return "account_not_found", "Simulated representative checked the records and found no matching account."
	default:
		return "needs_human", "Simulated representative could not resolve the request and asked for a supervisor callback."
	}
}

var _ Provider = (*Simulator)(nil)

// String implements fmt.Stringer for log output.
func (s *Simulator) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("simulator(active=%d)", len(s.active))
}
