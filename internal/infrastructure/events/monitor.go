package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
)

// CallMonitor is the in-memory registry of active calls and the fan-out bus
// for live observers. Publishing is fire-and-forget with a bounded buffer per
// subscriber: a slow subscriber is skipped, never allowed to stall event
// ingestion on the call driver.
type CallMonitor struct {
	mu          sync.RWMutex
	active      map[string]*call.Session // keyed by call SID
	subscribers map[uuid.UUID]*subscriber
	bufferSize  int
	logger      *slog.Logger
	metrics     MonitorMetrics
}

// MonitorMetrics records monitor-level telemetry.
type MonitorMetrics interface {
	RecordEventPublished()
	RecordEventDropped()
	SetActiveCalls(n int)
}

type subscriber struct {
	id      uuid.UUID
	callSID string // empty subscribes to all calls
	ch      chan call.StatusEvent
}

// Subscription is a live tail of call status events. Close releases it.
type Subscription struct {
	C     <-chan call.StatusEvent
	close func()
}

func (s *Subscription) Close() { s.close() }

// NewCallMonitor creates a monitor. metrics may be nil.
func NewCallMonitor(bufferSize int, logger *slog.Logger, metrics MonitorMetrics) *CallMonitor {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &CallMonitor{
		active:      make(map[string]*call.Session),
		subscribers: make(map[uuid.UUID]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
		metrics:     metrics,
	}
}

// Register adds a session to the active set. The monitor keeps its own copy;
// the driver's session is never shared with observers.
func (m *CallMonitor) Register(session *call.Session) {
	cp := session.Clone()
	// Snapshot before the session becomes reachable through the active map;
	// other goroutines may touch it the moment the lock is released.
	ev := call.StatusEvent{
		CallSID:        cp.CallSID,
		VerificationID: cp.VerificationID,
		EventType:      "call_registered",
		Message:        "call registered for monitoring",
		SessionStatus:  cp.Status.String(),
		Timestamp:      time.Now(),
	}
	m.mu.Lock()
	m.active[cp.CallSID] = cp
	n := len(m.active)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveCalls(n)
	}
	m.publish(ev)
}

// AddEvent appends to a call's timeline and fans the event out.
func (m *CallMonitor) AddEvent(callSID, eventType, message string, data map[string]any) {
	var ev call.StatusEvent
	m.mu.Lock()
	session, ok := m.active[callSID]
	if ok {
		session.Timeline = append(session.Timeline, call.TimelineItem{
			Timestamp: time.Now(),
			Type:      eventType,
			Message:   message,
			Data:      data,
		})
		// Snapshot while holding the lock; UpdateStatus may be mutating the
		// session concurrently.
		ev = call.StatusEvent{
			CallSID:        callSID,
			VerificationID: session.VerificationID,
			EventType:      eventType,
			Message:        message,
			SessionStatus:  session.Status.String(),
			Timestamp:      time.Now(),
			Data:           data,
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.publish(ev)
}

// UpdateStatus moves the monitored session through its lifecycle.
func (m *CallMonitor) UpdateStatus(callSID string, status call.SessionStatus) {
	var ev call.StatusEvent
	m.mu.Lock()
	session, ok := m.active[callSID]
	if ok {
		session.Touch(status)
		ev = call.StatusEvent{
			CallSID:        callSID,
			VerificationID: session.VerificationID,
			EventType:      "status_changed",
			Message:        "call status " + status.String(),
			SessionStatus:  status.String(),
			Timestamp:      time.Now(),
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.publish(ev)
}

// EndCall removes the session from the active set and publishes the final
// status. Late subscribers see neither the session nor its history.
func (m *CallMonitor) EndCall(callSID, finalStatus string) {
	var ev call.StatusEvent
	m.mu.Lock()
	session, ok := m.active[callSID]
	if ok {
		session.End()
		delete(m.active, callSID)
		ev = call.StatusEvent{
			CallSID:        callSID,
			VerificationID: session.VerificationID,
			EventType:      "call_ended",
			Message:        "call ended: " + finalStatus,
			SessionStatus:  session.Status.String(),
			Timestamp:      time.Now(),
			Data:           map[string]any{"final_status": finalStatus},
		}
	}
	n := len(m.active)
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.metrics != nil {
		m.metrics.SetActiveCalls(n)
	}
	m.publish(ev)
}

// ActiveCalls returns a snapshot of the active set.
func (m *CallMonitor) ActiveCalls() []*call.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*call.Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s.Clone())
	}
	return out
}

// Call returns the monitored session for one call SID.
func (m *CallMonitor) Call(callSID string) (*call.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.active[callSID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Subscribe tails events for one call SID.
func (m *CallMonitor) Subscribe(callSID string) *Subscription {
	return m.subscribe(callSID)
}

// SubscribeAll tails every published event.
func (m *CallMonitor) SubscribeAll() *Subscription {
	return m.subscribe("")
}

func (m *CallMonitor) subscribe(callSID string) *Subscription {
	sub := &subscriber{
		id:      uuid.New(),
		callSID: callSID,
		ch:      make(chan call.StatusEvent, m.bufferSize),
	}
	m.mu.Lock()
	m.subscribers[sub.id] = sub
	m.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		close: func() {
			m.mu.Lock()
			if _, ok := m.subscribers[sub.id]; ok {
				delete(m.subscribers, sub.id)
				close(sub.ch)
			}
			m.mu.Unlock()
		},
	}
}

// publish fans an event out to every matching subscriber independently.
// Non-blocking: a full buffer drops the event for that subscriber only.
func (m *CallMonitor) publish(ev call.StatusEvent) {
	if m.metrics != nil {
		m.metrics.RecordEventPublished()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscribers {
		if sub.callSID != "" && sub.callSID != ev.CallSID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if m.metrics != nil {
				m.metrics.RecordEventDropped()
			}
			m.logger.Debug("subscriber buffer full, event skipped",
				"subscriber_id", sub.id, "call_sid", ev.CallSID, "event_type", ev.EventType)
		}
	}
}
