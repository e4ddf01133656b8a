package calldriver

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
)

type mockRecordStore struct {
	mock.Mock
}

func (m *mockRecordStore) GetByVerificationID(ctx context.Context, verificationID string) (*verification.Record, error) {
	args := m.Called(ctx, verificationID)
	if rec := args.Get(0); rec != nil {
		return rec.(*verification.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRecordStore) Save(ctx context.Context, rec *verification.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockRecordStore) ReleaseClaim(ctx context.Context, verificationID string) error {
	return m.Called(ctx, verificationID).Error(0)
}

type mockProvider struct {
	mock.Mock
	name string

	mu    sync.Mutex
	calls []string // ordered method log
}

func (m *mockProvider) record(method string) {
	m.mu.Lock()
	m.calls = append(m.calls, method)
	m.mu.Unlock()
}

func (m *mockProvider) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockProvider) PlaceCall(ctx context.Context, destination string, refs CallbackRefs) (string, error) {
	m.record("PlaceCall:" + destination)
	args := m.Called(ctx, destination, refs)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) EndCall(ctx context.Context, callSID string) error {
	m.record("EndCall:" + callSID)
	return m.Called(ctx, callSID).Error(0)
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

type mockBlocklist struct {
	mock.Mock
}

func (m *mockBlocklist) IsBlocked(ctx context.Context, number string) (bool, error) {
	args := m.Called(ctx, number)
	return args.Bool(0), args.Error(1)
}

type mockCallLogStore struct {
	mock.Mock
}

func (m *mockCallLogStore) Create(ctx context.Context, log *CallLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *mockCallLogStore) Complete(ctx context.Context, callSID string, outcome call.Outcome, endedAt time.Time) error {
	return m.Called(ctx, callSID, outcome, endedAt).Error(0)
}

// fakeMonitor records invocations without any behavior.
type fakeMonitor struct {
	mu         sync.Mutex
	registered []string
	events     []string
	ended      map[string]string // call SID -> final status
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{ended: make(map[string]string)}
}

func (f *fakeMonitor) Register(session *call.Session) {
	f.mu.Lock()
	f.registered = append(f.registered, session.CallSID)
	f.mu.Unlock()
}

func (f *fakeMonitor) AddEvent(callSID, eventType, message string, data map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, callSID+":"+eventType)
	f.mu.Unlock()
}

func (f *fakeMonitor) UpdateStatus(callSID string, status call.SessionStatus) {}

func (f *fakeMonitor) EndCall(callSID, finalStatus string) {
	f.mu.Lock()
	f.ended[callSID] = finalStatus
	f.mu.Unlock()
}

func (f *fakeMonitor) finalStatus(callSID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.ended[callSID]
	return s, ok
}

// staticResolver always answers the same mode.
type staticResolver struct {
	simulate bool
}

func (s staticResolver) Simulate(ctx context.Context) bool { return s.simulate }

// stubRetryPolicy returns a canned schedule.
type stubRetryPolicy struct {
	next *time.Time
}

func (s stubRetryPolicy) ScheduleRetry(rec *verification.Record) *time.Time { return s.next }

// countingMetrics tallies collector calls.
type countingMetrics struct {
	mu         sync.Mutex
	initiated  int
	completed  int
	failed     int
	duplicates int
}

func (c *countingMetrics) RecordCallInitiated(mode string) {
	c.mu.Lock()
	c.initiated++
	c.mu.Unlock()
}

func (c *countingMetrics) RecordCallCompleted(outcome string, duration time.Duration) {
	c.mu.Lock()
	c.completed++
	c.mu.Unlock()
}

func (c *countingMetrics) RecordCallFailed(reason string) {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *countingMetrics) RecordDuplicateEvent() {
	c.mu.Lock()
	c.duplicates++
	c.mu.Unlock()
}

func (c *countingMetrics) duplicateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}
