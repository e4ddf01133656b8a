package calldriver

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/domain/errors"
	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
)

const testEndpoint = "+15005550006"

type driverFixture struct {
	store     *mockRecordStore
	logs      *mockCallLogStore
	live      *mockProvider
	sim       *mockProvider
	blocklist *mockBlocklist
	monitor   *fakeMonitor
	metrics   *countingMetrics
	svc       Service
}

func newDriverFixture(t *testing.T, simulate bool, retryNext *time.Time) *driverFixture {
	t.Helper()
	f := &driverFixture{
		store:     &mockRecordStore{},
		logs:      &mockCallLogStore{},
		live:      &mockProvider{name: "gateway"},
		sim:       &mockProvider{name: "simulator"},
		blocklist: &mockBlocklist{},
		monitor:   newFakeMonitor(),
		metrics:   &countingMetrics{},
	}
	f.svc = NewService(
		f.store, f.logs, f.live, f.sim, f.blocklist, f.monitor,
		staticResolver{simulate}, stubRetryPolicy{retryNext}, f.metrics,
		slog.Default(),
		Config{
			TestEndpoint:   testEndpoint,
			WebhookBaseURL: "http://localhost:8080",
			CallTimeout:    time.Minute,
			OutcomeRules:   call.DefaultOutcomeRules(),
		},
	)
	t.Cleanup(f.svc.Shutdown)
	return f
}

func claimedRecord(t *testing.T) *verification.Record {
	t.Helper()
	rec, err := verification.NewRecord("VER-1", "Jane Doe", "+15551234567", "Acme Corp", "+15559876543", 0)
	require.NoError(t, err)
	require.NoError(t, rec.BeginCalling())
	return rec
}

func (f *driverFixture) expectHappyDial(provider *mockProvider, destination, sid string) {
	f.blocklist.On("IsBlocked", mock.Anything, mock.Anything).Return(false, nil)
	provider.On("PlaceCall", mock.Anything, destination, mock.Anything).Return(sid, nil)
	f.store.On("Save", mock.Anything, mock.Anything).Return(nil)
	f.logs.On("Create", mock.Anything, mock.Anything).Return(nil)
}

func (f *driverFixture) expectCompletion(rec *verification.Record) {
	f.store.On("GetByVerificationID", mock.Anything, rec.VerificationID).Return(rec, nil)
	f.logs.On("Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

func awaitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no completion delivered")
		return Completion{}
	}
}

func TestStartCallSimulatedDialsTestEndpoint(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")

	session, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	// The record's own number is never dialed in simulated mode.
	assert.Equal(t, testEndpoint, session.ToNumber)
	assert.True(t, session.Simulated)
	f.sim.AssertCalled(t, "PlaceCall", mock.Anything, testEndpoint, mock.Anything)
	f.live.AssertNotCalled(t, "PlaceCall", mock.Anything, mock.Anything, mock.Anything)

	require.NotNil(t, rec.LastCallSID)
	assert.Equal(t, "SIM1", *rec.LastCallSID)

	active, ok := f.svc.ActiveSessionFor(rec.VerificationID)
	require.True(t, ok)
	assert.Equal(t, "SIM1", active.CallSID)
}

func TestStartCallLiveDialsCompanyNumber(t *testing.T) {
	f := newDriverFixture(t, false, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.live, rec.CompanyPhone, "CA1")

	session, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, rec.CompanyPhone, session.ToNumber)
	assert.False(t, session.Simulated)
}

func TestStartCallRejectsInvalidNumber(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	rec.CompanyPhone = "not-a-number"

	_, err := f.svc.StartCall(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTarget(err))
	f.blocklist.AssertNotCalled(t, "IsBlocked", mock.Anything, mock.Anything)
}

func TestStartCallRejectsBlockedNumber(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.blocklist.On("IsBlocked", mock.Anything, rec.CompanyPhone).Return(true, nil)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTarget(err))
	f.sim.AssertNotCalled(t, "PlaceCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartCallProviderFailure(t *testing.T) {
	f := newDriverFixture(t, false, nil)
	rec := claimedRecord(t)
	f.blocklist.On("IsBlocked", mock.Anything, mock.Anything).Return(false, nil)
	f.live.On("PlaceCall", mock.Anything, mock.Anything, mock.Anything).
		Return("", assert.AnError)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsProviderUnavailable(err))
}

func TestStartCallConflictsOnActiveSession(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	_, err = f.svc.StartCall(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestVerifiedOutcomeCompletesRecord(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")
	f.expectCompletion(rec)
	f.sim.On("EndCall", mock.Anything, "SIM1").Return(nil)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	err = f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID:   "SIM1",
		Type:      call.EventOutcome,
		Result:    "account_found",
		Summary:   "representative confirmed the account",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	c := awaitCompletion(t, f.svc.Completions())
	assert.Equal(t, call.OutcomeVerified, c.Outcome)
	assert.True(t, c.Terminal)

	assert.Equal(t, verification.StatusVerified, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)

	// Definitive outcome hangs the call up immediately.
	f.sim.AssertCalled(t, "EndCall", mock.Anything, "SIM1")

	final, ok := f.monitor.finalStatus("SIM1")
	require.True(t, ok)
	assert.Equal(t, "verified", final)

	_, stillActive := f.svc.ActiveSessionFor(rec.VerificationID)
	assert.False(t, stillActive)
}

func TestInstantHangupPrecedesRecordProcessing(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")
	f.logs.On("Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.sim.On("EndCall", mock.Anything, "SIM1").Return(nil)

	hangupFirst := false
	f.store.On("GetByVerificationID", mock.Anything, rec.VerificationID).
		Run(func(args mock.Arguments) {
			for _, entry := range f.sim.callLog() {
				if entry == "EndCall:SIM1" {
					hangupFirst = true
				}
			}
		}).
		Return(rec, nil)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID: "SIM1",
		Type:    call.EventOutcome,
		Result:  "account_not_found",
	}))
	awaitCompletion(t, f.svc.Completions())

	assert.True(t, hangupFirst, "hangup must happen before the record is loaded")
}

func TestFailedOutcomeSchedulesRetry(t *testing.T) {
	next := time.Now().Add(30 * time.Minute)
	f := newDriverFixture(t, true, &next)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")
	f.expectCompletion(rec)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID: "SIM1",
		Type:    call.EventOutcome,
		Result:  "no_answer",
	}))

	c := awaitCompletion(t, f.svc.Completions())
	assert.Equal(t, call.OutcomeFailed, c.Outcome)
	assert.False(t, c.Terminal)

	assert.Equal(t, verification.StatusFailed, rec.Status)
	require.NotNil(t, rec.NextEligibleAt)
	assert.Equal(t, next.Unix(), rec.NextEligibleAt.Unix())
	// No hangup on a non-definitive outcome: the call already dropped.
	f.sim.AssertNotCalled(t, "EndCall", mock.Anything, mock.Anything)
}

func TestFailedOutcomeExhaustsBudget(t *testing.T) {
	f := newDriverFixture(t, true, nil) // retry policy returns nil: budget spent
	rec := claimedRecord(t)
	rec.AttemptCount = 2
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")
	f.expectCompletion(rec)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID: "SIM1",
		Type:    call.EventOutcome,
		Result:  "voicemail",
	}))

	c := awaitCompletion(t, f.svc.Completions())
	assert.True(t, c.Terminal)
	assert.Equal(t, verification.StatusFailedTerminal, rec.Status)
	assert.Equal(t, 3, rec.AttemptCount)
}

func TestDuplicateTerminalEventAbsorbed(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")
	f.expectCompletion(rec)
	f.sim.On("EndCall", mock.Anything, "SIM1").Return(nil)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	ev := call.Event{
		CallSID: "SIM1",
		Type:    call.EventOutcome,
		Result:  "account_found",
		Summary: "confirmed",
	}
	require.NoError(t, f.svc.OnProviderEvent(context.Background(), ev))
	awaitCompletion(t, f.svc.Completions())

	// Redelivery: absorbed, no state advanced, nothing re-published.
	require.NoError(t, f.svc.OnProviderEvent(context.Background(), ev))

	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, 1, f.metrics.duplicateCount())
	f.store.AssertNumberOfCalls(t, "GetByVerificationID", 1)

	select {
	case c := <-f.svc.Completions():
		t.Fatalf("unexpected second completion: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnreadableRecordReleasesClaimAndSignals(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")
	f.sim.On("EndCall", mock.Anything, "SIM1").Return(nil)
	f.store.On("GetByVerificationID", mock.Anything, rec.VerificationID).Return(nil, assert.AnError)
	f.store.On("ReleaseClaim", mock.Anything, rec.VerificationID).Return(nil)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	err = f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID: "SIM1",
		Type:    call.EventOutcome,
		Result:  "account_found",
	})
	require.Error(t, err)

	// The scheduler slot frees up even though the outcome was lost, and the
	// claim goes back so the record is redialed instead of stranding.
	c := awaitCompletion(t, f.svc.Completions())
	assert.Equal(t, call.OutcomeFailed, c.Outcome)
	assert.False(t, c.Terminal)
	f.store.AssertCalled(t, "ReleaseClaim", mock.Anything, rec.VerificationID)

	_, stillActive := f.svc.ActiveSessionFor(rec.VerificationID)
	assert.False(t, stillActive)

	final, ok := f.monitor.finalStatus("SIM1")
	require.True(t, ok)
	assert.Equal(t, "orphaned", final)
}

func TestProgressEventsAdvanceSession(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID: "SIM1", Type: call.EventRinging,
	}))
	session, ok := f.svc.ActiveSessionFor(rec.VerificationID)
	require.True(t, ok)
	assert.Equal(t, call.SessionRinging, session.Status)

	require.NoError(t, f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID: "SIM1", Type: call.EventInProgress,
	}))
	session, _ = f.svc.ActiveSessionFor(rec.VerificationID)
	assert.Equal(t, call.SessionInProgress, session.Status)
}

func TestUnknownEventIgnored(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	err := f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID: "NEVER-SEEN",
		Type:    call.EventOutcome,
		Result:  "account_found",
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, f.metrics.duplicateCount())
}

func TestCallTimeoutForcesFailedOutcome(t *testing.T) {
	f := &driverFixture{
		store:     &mockRecordStore{},
		logs:      &mockCallLogStore{},
		live:      &mockProvider{name: "gateway"},
		sim:       &mockProvider{name: "simulator"},
		blocklist: &mockBlocklist{},
		monitor:   newFakeMonitor(),
		metrics:   &countingMetrics{},
	}
	f.svc = NewService(
		f.store, f.logs, f.live, f.sim, f.blocklist, f.monitor,
		staticResolver{true}, stubRetryPolicy{nil}, f.metrics,
		slog.Default(),
		Config{
			TestEndpoint:   testEndpoint,
			WebhookBaseURL: "http://localhost:8080",
			CallTimeout:    50 * time.Millisecond,
			OutcomeRules:   call.DefaultOutcomeRules(),
		},
	)
	t.Cleanup(f.svc.Shutdown)

	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")
	f.expectCompletion(rec)
	f.sim.On("EndCall", mock.Anything, "SIM1").Return(nil)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	c := awaitCompletion(t, f.svc.Completions())
	assert.Equal(t, call.OutcomeFailed, c.Outcome)
	assert.Equal(t, verification.StatusFailedTerminal, rec.Status)
	// The silent provider leg is torn down.
	f.sim.AssertCalled(t, "EndCall", mock.Anything, "SIM1")
}

func TestNeedsHumanOutcome(t *testing.T) {
	f := newDriverFixture(t, true, nil)
	rec := claimedRecord(t)
	f.expectHappyDial(f.sim, testEndpoint, "SIM1")
	f.expectCompletion(rec)

	_, err := f.svc.StartCall(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, f.svc.OnProviderEvent(context.Background(), call.Event{
		CallSID: "SIM1",
		Type:    call.EventOutcome,
		Result:  "some_unknown_agent_code",
		Summary: "could not determine",
	}))

	c := awaitCompletion(t, f.svc.Completions())
	assert.Equal(t, call.OutcomeNeedsHuman, c.Outcome)
	assert.True(t, c.Terminal)
	assert.Equal(t, verification.StatusNeedsHuman, rec.Status)
	assert.Nil(t, rec.AccountExists)
}
