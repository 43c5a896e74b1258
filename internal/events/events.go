// Package events carries controller events to the journal, the notifier
// and the log. Dispatch is synchronous and in subscription order.
package events

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/models"
)

// EventType defines the type of event.
type EventType string

const (
	// Detection events
	EventVerdict       EventType = "detect:verdict"
	EventWhitelistSkip EventType = "detect:whitelist"
	EventStaleSkip     EventType = "detect:stale"

	// Enforcement events
	EventBanApplied   EventType = "ban:applied"
	EventBanFailed    EventType = "ban:failed"
	EventUnbanApplied EventType = "unban:applied"
	EventUnbanFailed  EventType = "unban:failed"

	// Enforcement health
	EventEnforcementDegraded EventType = "enforcement:degraded"
	EventEnforcementRestored EventType = "enforcement:restored"

	// Lifecycle events
	EventControllerStarted EventType = "controller:started"
	EventControllerStopped EventType = "controller:stopped"
)

// Event is one controller occurrence. Only the fields relevant to Type are
// set.
type Event struct {
	Type      EventType
	Timestamp time.Time
	IP        netip.Addr
	Verdict   *models.Verdict
	Ban       *models.BanEntry
	Err       error
	// Failures is the consecutive enforcement failure count for
	// EventEnforcementDegraded.
	Failures int
	Message  string
}

// String renders the event for logs and plain-text notifications.
func (e *Event) String() string {
	switch e.Type {
	case EventVerdict:
		if e.Verdict != nil {
			return fmt.Sprintf("verdict %s %s prob=%.4f", e.IP, e.Verdict.Label, e.Verdict.Probability)
		}
	case EventBanApplied:
		if e.Ban != nil {
			return fmt.Sprintf("banned %s until %s (prob=%.2f)", e.IP, e.Ban.ExpiresAt.Format(time.RFC3339), e.Ban.Probability)
		}
	case EventBanFailed:
		return fmt.Sprintf("detection not enforced for %s: %v", e.IP, e.Err)
	case EventUnbanApplied:
		return fmt.Sprintf("unbanned %s", e.IP)
	case EventUnbanFailed:
		return fmt.Sprintf("unban of %s failed, will retry: %v", e.IP, e.Err)
	case EventEnforcementDegraded:
		return fmt.Sprintf("enforcement degraded after %d consecutive failures: %v", e.Failures, e.Err)
	case EventEnforcementRestored:
		return "enforcement restored"
	case EventWhitelistSkip:
		return fmt.Sprintf("skipped whitelisted %s", e.IP)
	case EventStaleSkip:
		return fmt.Sprintf("skipped stale features for %s", e.IP)
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Type)
}

// EventHandler is a function that handles events.
type EventHandler func(event *Event)

// EventBus fans events out to subscribers. Handlers run on the emitting
// goroutine; a panicking handler is logged and skipped.
type EventBus struct {
	handlers      map[EventType][]EventHandler
	globalHandler []EventHandler
	mu            sync.RWMutex
	now           func() time.Time
	logger        *logging.Logger

	eventsEmitted atomic.Uint64
	handlerPanics atomic.Uint64
}

// NewEventBus creates a new event bus. now stamps events; nil uses
// time.Now.
func NewEventBus(now func() time.Time) *EventBus {
	if now == nil {
		now = time.Now
	}
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
		now:      now,
		logger:   logging.DetectorLogger(),
	}
}

// SubscribeAll adds a handler that receives every event.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.globalHandler = append(eb.globalHandler, handler)
}

// Subscribe adds a handler for the given event types.
func (eb *EventBus) Subscribe(handler EventHandler, types ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, t := range types {
		eb.handlers[t] = append(eb.handlers[t], handler)
	}
}

// Unsubscribe removes all handlers for a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	delete(eb.handlers, eventType)
}

// Emit stamps e and dispatches it. A nil bus drops the event.
func (eb *EventBus) Emit(e *Event) {
	if eb == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = eb.now()
	}

	eb.mu.RLock()
	global := eb.globalHandler
	typed := eb.handlers[e.Type]
	eb.mu.RUnlock()

	eb.eventsEmitted.Add(1)
	for _, h := range global {
		eb.call(h, e)
	}
	for _, h := range typed {
		eb.call(h, e)
	}
}

func (eb *EventBus) call(h EventHandler, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.handlerPanics.Add(1)
			eb.logger.Error("event handler panicked", "event", string(e.Type), "panic", r)
		}
	}()
	h(e)
}

// Stats returns event bus statistics.
func (eb *EventBus) Stats() (emitted, panics uint64) {
	return eb.eventsEmitted.Load(), eb.handlerPanics.Load()
}
