package events

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
)

type countingMonitorMetrics struct {
	mu        sync.Mutex
	published int
	dropped   int
	active    int
}

func (c *countingMonitorMetrics) RecordEventPublished() {
	c.mu.Lock()
	c.published++
	c.mu.Unlock()
}

func (c *countingMonitorMetrics) RecordEventDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *countingMonitorMetrics) SetActiveCalls(n int) {
	c.mu.Lock()
	c.active = n
	c.mu.Unlock()
}

func (c *countingMonitorMetrics) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func newTestMonitor(bufferSize int, metrics MonitorMetrics) *CallMonitor {
	return NewCallMonitor(bufferSize, slog.Default(), metrics)
}

func drainUntil(t *testing.T, ch <-chan call.StatusEvent, eventType string) call.StatusEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.EventType == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %q never arrived", eventType)
		}
	}
}

func TestMonitorLifecycle(t *testing.T) {
	m := newTestMonitor(8, nil)
	sub := m.SubscribeAll()
	defer sub.Close()

	session := call.NewSession("CA1", "VER-1", "+15551234567", true)
	m.Register(session)

	ev := drainUntil(t, sub.C, "call_registered")
	assert.Equal(t, "CA1", ev.CallSID)
	assert.Equal(t, "VER-1", ev.VerificationID)

	m.AddEvent("CA1", "call_initiated", "dialing", map[string]any{"simulated": true})
	ev = drainUntil(t, sub.C, "call_initiated")
	assert.Equal(t, "dialing", ev.Message)

	m.UpdateStatus("CA1", call.SessionInProgress)
	ev = drainUntil(t, sub.C, "status_changed")
	assert.Equal(t, "in_progress", ev.SessionStatus)

	m.EndCall("CA1", "verified")
	ev = drainUntil(t, sub.C, "call_ended")
	assert.Equal(t, "verified", ev.Data["final_status"])

	assert.Empty(t, m.ActiveCalls())
	_, ok := m.Call("CA1")
	assert.False(t, ok)
}

func TestMonitorOwnsItsCopy(t *testing.T) {
	m := newTestMonitor(8, nil)
	session := call.NewSession("CA1", "VER-1", "+15551234567", true)
	m.Register(session)

	// Mutating the caller's session must not leak into the monitor.
	session.Touch(call.SessionEnded)

	got, ok := m.Call("CA1")
	require.True(t, ok)
	assert.Equal(t, call.SessionQueued, got.Status)
}

func TestMonitorTimelineAccumulates(t *testing.T) {
	m := newTestMonitor(8, nil)
	m.Register(call.NewSession("CA1", "VER-1", "+15551234567", true))

	m.AddEvent("CA1", "call_initiated", "dialing", nil)
	m.AddEvent("CA1", "ringing", "provider reported ringing", nil)

	got, ok := m.Call("CA1")
	require.True(t, ok)
	require.Len(t, got.Timeline, 2)
	assert.Equal(t, "call_initiated", got.Timeline[0].Type)
	assert.Equal(t, "ringing", got.Timeline[1].Type)
}

func TestPerCallSubscriptionFilters(t *testing.T) {
	m := newTestMonitor(8, nil)
	m.Register(call.NewSession("CA1", "VER-1", "+15551234567", true))
	m.Register(call.NewSession("CA2", "VER-2", "+15551234568", true))

	sub := m.Subscribe("CA2")
	defer sub.Close()

	m.AddEvent("CA1", "ringing", "other call", nil)
	m.AddEvent("CA2", "ringing", "watched call", nil)

	ev := drainUntil(t, sub.C, "ringing")
	assert.Equal(t, "CA2", ev.CallSID)

	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected event for %s", extra.CallSID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberIsSkipped(t *testing.T) {
	metrics := &countingMonitorMetrics{}
	m := newTestMonitor(1, metrics)

	slow := m.SubscribeAll()
	defer slow.Close()
	m.Register(call.NewSession("CA1", "VER-1", "+15551234567", true))

	// Buffer of one is already full; further publishes drop for this
	// subscriber without blocking the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.AddEvent("CA1", "ringing", "tick", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Greater(t, metrics.droppedCount(), 0)
}

func TestConcurrentTimelineAndStatusUpdates(t *testing.T) {
	m := newTestMonitor(4, nil)
	m.Register(call.NewSession("CA1", "VER-1", "+15551234567", true))

	// AddEvent snapshots the session status for its published event while a
	// concurrent UpdateStatus mutates it. Run under -race this pins the
	// snapshot-under-lock behavior.
	const rounds = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			m.AddEvent("CA1", "ringing", "tick", nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			m.UpdateStatus("CA1", call.SessionInProgress)
		}
	}()
	wg.Wait()

	got, ok := m.Call("CA1")
	require.True(t, ok)
	assert.Len(t, got.Timeline, rounds)
	assert.Equal(t, call.SessionInProgress, got.Status)
}

func TestUnknownCallEventsIgnored(t *testing.T) {
	m := newTestMonitor(8, nil)
	sub := m.SubscribeAll()
	defer sub.Close()

	m.AddEvent("GHOST", "ringing", "no session", nil)
	m.UpdateStatus("GHOST", call.SessionRinging)
	m.EndCall("GHOST", "verified")

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %q for unknown call", ev.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	m := newTestMonitor(8, nil)
	sub := m.SubscribeAll()
	sub.Close()
	// Double close is safe.
	sub.Close()

	m.Register(call.NewSession("CA1", "VER-1", "+15551234567", true))

	_, open := <-sub.C
	assert.False(t, open)
}
