package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Lolpotch/burai/internal/events"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/metrics"
)

// DefaultQueueSize bounds pending notifications.
const DefaultQueueSize = 64

// Dispatcher queues messages and delivers them to every notifier from one
// background goroutine. A full queue drops the message; delivery failures
// are logged and counted, never returned to the caller.
type Dispatcher struct {
	notifiers []Notifier
	geo       *GeoIP
	queue     chan Message
	timeout   time.Duration
	logger    *logging.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	cancel context.CancelFunc
	ctx    context.Context
}

// NewDispatcher starts a dispatcher. geo may be nil.
func NewDispatcher(queueSize int, geo *GeoIP, notifiers ...Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		notifiers: notifiers,
		geo:       geo,
		queue:     make(chan Message, queueSize),
		timeout:   20 * time.Second,
		logger:    logging.NotifyLogger(),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go d.loop()
	return d
}

// Enabled reports whether any notifier is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.notifiers) > 0
}

// Notify enqueues msg without blocking.
func (d *Dispatcher) Notify(msg Message) {
	if !d.Enabled() {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.Notifications.WithLabelValues("dropped").Inc()
		return
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	select {
	case d.queue <- msg:
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		d.logger.Warn("notification queue full, dropping message", "kind", msg.Kind)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	if msg.Country == "" {
		msg.Country = d.geo.Country(msg.IP)
	}
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		err := n.Send(ctx, msg)
		cancel()
		if err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			d.logger.Warn("notification failed",
				"notifier", n.Name(),
				"kind", msg.Kind,
				logging.Err(err))
			continue
		}
		metrics.Notifications.WithLabelValues("sent").Inc()
	}
}

// Close stops accepting messages and waits for the queue to drain. When ctx
// expires first, in-flight sends are cancelled and the rest are dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

// Handle turns controller events into notifications.
func (d *Dispatcher) Handle(e *events.Event) {
	msg := Message{Kind: string(e.Type), At: e.Timestamp, IP: e.IP}
	switch e.Type {
	case events.EventBanApplied:
		if e.Ban == nil {
			return
		}
		msg.Text = fmt.Sprintf("🚨 Blocked IP %s for %s (prob=%.2f)", e.IP, e.Ban.ExpiresAt.Sub(e.Ban.CreatedAt), e.Ban.Probability)
	case events.EventUnbanApplied:
		msg.Text = fmt.Sprintf("✅ IP %s has been unbanned.", e.IP)
	case events.EventBanFailed:
		msg.Text = fmt.Sprintf("⚠️ Detection not enforced for %s: %v", e.IP, e.Err)
	case events.EventEnforcementDegraded, events.EventEnforcementRestored:
		msg.Text = "⚠️ " + e.String()
	case events.EventControllerStarted, events.EventControllerStopped:
		msg.Text = e.Message
		if msg.Text == "" {
			msg.Text = e.String()
		}
	default:
		return
	}
	d.Notify(msg)
}
