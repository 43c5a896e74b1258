// Package mocks provides mock implementations for testing burai components
package mocks

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Lolpotch/burai/internal/events"
	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/models"
	"github.com/Lolpotch/burai/internal/notify"
)

// ErrInjected is returned by mocks told to fail.
var ErrInjected = errors.New("mocks: injected failure")

// =============================================================================
// Mock Firewall
// =============================================================================

// FirewallCall records one firewall invocation.
type FirewallCall struct {
	Op string
	IP netip.Addr
}

// MockFirewall implements firewall.Gateway and records every call.
type MockFirewall struct {
	mu        sync.Mutex
	calls     []FirewallCall
	blocked   map[netip.Addr]bool
	banErrs   []error
	unbanErrs []error
}

// NewMockFirewall creates a firewall that always succeeds.
func NewMockFirewall() *MockFirewall {
	return &MockFirewall{blocked: make(map[netip.Addr]bool)}
}

// FailBans makes the next n Ban calls fail.
func (m *MockFirewall) FailBans(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.banErrs = append(m.banErrs, ErrInjected)
	}
}

// FailUnbans makes the next n Unban calls fail.
func (m *MockFirewall) FailUnbans(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.unbanErrs = append(m.unbanErrs, ErrInjected)
	}
}

// Name implements firewall.Gateway
func (m *MockFirewall) Name() string {
	return "mock"
}

// Ban implements firewall.Gateway
func (m *MockFirewall) Ban(ctx context.Context, ip netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, FirewallCall{Op: "ban", IP: ip})
	if len(m.banErrs) > 0 {
		err := m.banErrs[0]
		m.banErrs = m.banErrs[1:]
		return err
	}
	m.blocked[ip] = true
	return nil
}

// Unban implements firewall.Gateway
func (m *MockFirewall) Unban(ctx context.Context, ip netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, FirewallCall{Op: "unban", IP: ip})
	if len(m.unbanErrs) > 0 {
		err := m.unbanErrs[0]
		m.unbanErrs = m.unbanErrs[1:]
		return err
	}
	delete(m.blocked, ip)
	return nil
}

// Calls returns the recorded calls.
func (m *MockFirewall) Calls() []FirewallCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Count returns how many calls of op were made for ip.
func (m *MockFirewall) Count(op string, ip netip.Addr) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && c.IP == ip {
			n++
		}
	}
	return n
}

// Blocked reports whether ip is currently blocked.
func (m *MockFirewall) Blocked(ip netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[ip]
}

// =============================================================================
// Mock Scorer
// =============================================================================

// MockScorer returns scripted probabilities per source address.
type MockScorer struct {
	mu      sync.Mutex
	probs   map[netip.Addr]float64
	errs    map[netip.Addr]error
	panics  map[netip.Addr]bool
	scored  []netip.Addr
	Default float64
}

// NewMockScorer creates a scorer returning Default for unknown addresses.
func NewMockScorer() *MockScorer {
	return &MockScorer{
		probs:  make(map[netip.Addr]float64),
		errs:   make(map[netip.Addr]error),
		panics: make(map[netip.Addr]bool),
	}
}

// Set scripts the probability for ip.
func (m *MockScorer) Set(ip netip.Addr, prob float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probs[ip] = prob
}

// SetError makes scoring ip fail.
func (m *MockScorer) SetError(ip netip.Addr, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[ip] = err
}

// SetPanic makes scoring ip panic.
func (m *MockScorer) SetPanic(ip netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[ip] = true
}

// Score implements the detector scorer.
func (m *MockScorer) Score(ctx context.Context, v features.Vector) (models.Verdict, error) {
	m.mu.Lock()
	m.scored = append(m.scored, v.SrcIP)
	panics := m.panics[v.SrcIP]
	err := m.errs[v.SrcIP]
	prob, ok := m.probs[v.SrcIP]
	m.mu.Unlock()

	if panics {
		panic("mock scorer panic")
	}
	if err != nil {
		return models.Verdict{}, err
	}
	if !ok {
		prob = m.Default
	}
	return models.Verdict{
		IP:          v.SrcIP,
		Probability: prob,
		Method:      "proba",
		FeatureAt:   v.Timestamp,
	}, nil
}

// Scored returns every address scored so far, in order.
func (m *MockScorer) Scored() []netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.scored)
}

// =============================================================================
// Mock Clock
// =============================================================================

type waiter struct {
	at time.Time
	ch chan time.Time
}

// MockClock is a manually advanced clock.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

// NewMockClock creates a clock at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

// Now returns the current mock time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock is advanced past d.
func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires due waiters.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if !m.now.Before(w.at) {
			w.ch <- m.now
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

// Set jumps the clock to t without firing waiters scheduled after t.
func (m *MockClock) Set(t time.Time) {
	m.Advance(t.Sub(m.Now()))
}

// Waiters returns the number of pending After channels.
func (m *MockClock) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// =============================================================================
// Mock Ban Store
// =============================================================================

// MockBanStore is an in-memory ban store.
type MockBanStore struct {
	mu      sync.Mutex
	entries map[netip.Addr]models.BanEntry
	FailPut bool
	FailAll bool
}

// NewMockBanStore creates an empty store.
func NewMockBanStore(seed ...models.BanEntry) *MockBanStore {
	m := &MockBanStore{entries: make(map[netip.Addr]models.BanEntry)}
	for _, e := range seed {
		m.entries[e.IP] = e
	}
	return m
}

// Put stores e.
func (m *MockBanStore) Put(ctx context.Context, e models.BanEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut || m.FailAll {
		return ErrInjected
	}
	m.entries[e.IP] = e
	return nil
}

// Delete removes ip.
func (m *MockBanStore) Delete(ctx context.Context, ip netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll {
		return ErrInjected
	}
	delete(m.entries, ip)
	return nil
}

// List returns entries ordered by creation time.
func (m *MockBanStore) List(ctx context.Context) ([]models.BanEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll {
		return nil, ErrInjected
	}
	out := make([]models.BanEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].IP.Less(out[j].IP)
	})
	return out, nil
}

// Has reports whether ip is stored.
func (m *MockBanStore) Has(ip netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[ip]
	return ok
}

// =============================================================================
// Mock Notifier
// =============================================================================

// MockNotifier records delivered messages.
type MockNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	Err      error
}

// NewMockNotifier creates a recording notifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// Name implements notify.Notifier
func (m *MockNotifier) Name() string {
	return "mock"
}

// Send implements notify.Notifier
func (m *MockNotifier) Send(ctx context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.Err
}

// Messages returns the recorded messages.
func (m *MockNotifier) Messages() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages)
}

// =============================================================================
// Mock Event Recorder
// =============================================================================

// MockEventRecorder collects events from a bus.
type MockEventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

// NewMockEventRecorder subscribes a recorder to every event on bus.
func NewMockEventRecorder(bus *events.EventBus) *MockEventRecorder {
	m := &MockEventRecorder{}
	bus.SubscribeAll(m.Handle)
	return m
}

// Handle implements events.EventHandler
func (m *MockEventRecorder) Handle(e *events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
}

// Events returns all recorded events.
func (m *MockEventRecorder) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// ByType returns recorded events of type t.
func (m *MockEventRecorder) ByType(t events.EventType) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops recorded events.
func (m *MockEventRecorder) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
