// Package detector runs the mitigation controller: it scores the newest
// feature row of every source address, bans addresses the classifier flags
// and lifts bans when they expire.
package detector

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Lolpotch/burai/internal/cache"
	"github.com/Lolpotch/burai/internal/events"
	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/firewall"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/metrics"
	"github.com/Lolpotch/burai/internal/models"
)

// Config holds the controller tunables.
type Config struct {
	Threshold     float64
	BanDuration   time.Duration
	MaxFeatureAge time.Duration
	PollInterval  time.Duration
	// DegradedAfter is the number of consecutive enforcement failures
	// after which enforcement is reported degraded.
	DegradedAfter int
	// TargetPort selects cache rows by destination port.
	TargetPort uint16
	Whitelist  []string
}

// DefaultConfig mirrors the stock deployment.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.5,
		BanDuration:   5 * time.Second,
		MaxFeatureAge: 300 * time.Second,
		PollInterval:  time.Second,
		DegradedAfter: 3,
		TargetPort:    22,
	}
}

// Source yields feature snapshots. *cache.Reader implements it.
type Source interface {
	Load() (*cache.Snapshot, bool, error)
}

// Scorer turns a feature row into a positive-class probability.
// *ml.Gateway implements it.
type Scorer interface {
	Score(ctx context.Context, v features.Vector) (models.Verdict, error)
}

// BanStore persists active bans. *store.Store implements it.
type BanStore interface {
	Put(ctx context.Context, e models.BanEntry) error
	Delete(ctx context.Context, ip netip.Addr) error
	List(ctx context.Context) ([]models.BanEntry, error)
}

// Report summarizes one cycle.
type Report struct {
	Evaluated int
	Verdicts  int
	Malicious int
	Banned    int
	Unbanned  int
	Skipped   map[string]int
	Failures  int
}

// Skip reasons.
const (
	SkipWhitelist = "whitelist"
	SkipStale     = "stale"
	SkipNoData    = "nodata"
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithStore persists bans.
func WithStore(s BanStore) Option {
	return func(ctl *Controller) { ctl.store = s }
}

// WithEventBus publishes controller events.
func WithEventBus(b *events.EventBus) Option {
	return func(ctl *Controller) { ctl.bus = b }
}

// WithLogger replaces the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithIDGenerator replaces the ban ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(ctl *Controller) { ctl.newID = fn }
}

// Controller owns the ban table. It is driven from a single goroutine;
// none of its methods may be called concurrently.
type Controller struct {
	cfg       Config
	source    Source
	scorer    Scorer
	fw        firewall.Gateway
	store     BanStore
	bus       *events.EventBus
	clock     Clock
	whitelist *Whitelist
	logger    *logging.Logger
	newID     func() string

	bans     map[netip.Addr]*models.BanEntry
	snap     *cache.Snapshot
	failures int
	degraded bool
}

// New builds a controller.
func New(cfg Config, source Source, scorer Scorer, fw firewall.Gateway, opts ...Option) (*Controller, error) {
	if source == nil || scorer == nil || fw == nil {
		return nil, errors.New("detector: source, scorer and firewall are required")
	}
	if cfg.BanDuration <= 0 || cfg.MaxFeatureAge <= 0 || cfg.PollInterval <= 0 {
		return nil, errors.New("detector: durations must be positive")
	}
	if cfg.DegradedAfter < 1 {
		cfg.DegradedAfter = 1
	}
	wl, err := NewWhitelist(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	c := &Controller{
		cfg:       cfg,
		source:    source,
		scorer:    scorer,
		fw:        fw,
		clock:     RealClock{},
		whitelist: wl,
		logger:    logging.DetectorLogger(),
		newID:     func() string { return uuid.NewString() },
		bans:      make(map[netip.Addr]*models.BanEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// =============================================================================
// Loop
// =============================================================================

// Run cycles until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.emit(&events.Event{Type: events.EventControllerStarted, Message: fmt.Sprintf(
		"🤖 ML detector active (firewall=%s, threshold=%.2f)", c.fw.Name(), c.cfg.Threshold)})
	c.logger.Info("controller started",
		"firewall", c.fw.Name(),
		"threshold", c.cfg.Threshold,
		logging.Duration("ban_duration", c.cfg.BanDuration),
		"whitelist", c.whitelist.Len())

	for {
		c.guardedCycle(ctx)

		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped", logging.Count("active_bans", int64(len(c.bans))))
			c.emit(&events.Event{Type: events.EventControllerStopped, Message: "🛑 ML detector stopped"})
			return nil
		case <-c.clock.After(c.cfg.PollInterval):
		}
	}
}

func (c *Controller) guardedCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.Inc()
			c.logger.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	c.Cycle(ctx)
}

// Cycle reloads the cache if it changed, evaluates every source address in
// first-seen order and sweeps expired bans.
func (c *Controller) Cycle(ctx context.Context) *Report {
	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	rep := &Report{Skipped: make(map[string]int)}

	snap, changed, err := c.source.Load()
	switch {
	case errors.Is(err, cache.ErrNoData):
		c.logger.Debug("no feature data yet", logging.Err(err))
	case err != nil:
		metrics.CacheReadFailures.Inc()
		c.logger.Warn("feature cache read failed, keeping previous snapshot", logging.Err(err))
	}
	if changed {
		metrics.CacheReloads.Inc()
		metrics.CacheRowsDropped.Add(float64(snap.Dropped()))
		c.logger.Debug("feature cache reloaded", logging.Count("rows", int64(snap.Len())))
	}
	c.snap = snap

	for _, ip := range c.snap.IPs() {
		if ctx.Err() != nil {
			break
		}
		rep.Evaluated++
		c.guard("evaluate", ip, func() { c.evaluate(ctx, ip, rep) })
	}

	c.sweep(ctx, rep)
	return rep
}

// guard runs fn, containing a panic to one address.
func (c *Controller) guard(op string, ip netip.Addr, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanics.Inc()
			c.logger.Error("recovered panic", "op", op, logging.IP(ip), "panic", r)
		}
	}()
	fn()
}

// =============================================================================
// Detection
// =============================================================================

func (c *Controller) skip(rep *Report, reason string) {
	rep.Skipped[reason]++
	metrics.Skips.WithLabelValues(reason).Inc()
}

func (c *Controller) evaluate(ctx context.Context, ip netip.Addr, rep *Report) {
	if c.whitelist.Contains(ip) {
		c.skip(rep, SkipWhitelist)
		c.logger.Info("skipping whitelisted address", logging.IP(ip))
		c.emit(&events.Event{Type: events.EventWhitelistSkip, IP: ip})
		return
	}

	metrics.CacheLookups.Inc()
	row, ok := c.snap.Latest(ip, c.cfg.TargetPort)
	if !ok {
		c.skip(rep, SkipNoData)
		return
	}

	now := c.clock.Now()
	if age := now.Sub(row.Timestamp); age > c.cfg.MaxFeatureAge {
		c.skip(rep, SkipStale)
		c.logger.Debug("stale features", logging.IP(ip), logging.Duration("age", age))
		c.emit(&events.Event{Type: events.EventStaleSkip, IP: ip})
		return
	}

	verdict, err := c.scorer.Score(ctx, row)
	if err != nil {
		metrics.ScoringErrors.Inc()
		c.logger.Warn("scoring failed, no verdict", logging.IP(ip), logging.Err(err))
		return
	}
	verdict.IP = ip
	if verdict.ScoredAt.IsZero() {
		verdict.ScoredAt = now
	}
	verdict.Label = models.LabelBenign
	if verdict.Probability >= c.cfg.Threshold {
		verdict.Label = models.LabelMalicious
	}

	rep.Verdicts++
	metrics.Verdicts.WithLabelValues(string(verdict.Label)).Inc()
	c.logger.Info("verdict",
		logging.IP(ip),
		"label", string(verdict.Label),
		"prob", verdict.Probability,
		"method", verdict.Method)
	c.emit(&events.Event{Type: events.EventVerdict, IP: ip, Verdict: &verdict})

	if verdict.Malicious() {
		rep.Malicious++
		c.ban(ctx, ip, verdict, rep)
	}
}

// ban creates an entry after the firewall confirms. An address with a live
// entry is left alone: no firewall call and no expiry extension.
func (c *Controller) ban(ctx context.Context, ip netip.Addr, v models.Verdict, rep *Report) {
	if e, ok := c.bans[ip]; ok {
		c.logger.Debug("already banned", logging.IP(ip), "expires_at", e.ExpiresAt)
		return
	}

	if err := c.fw.Ban(ctx, ip); err != nil {
		rep.Failures++
		metrics.FirewallFailures.WithLabelValues("ban").Inc()
		c.logger.Error("detection not enforced", logging.IP(ip), "prob", v.Probability, logging.Err(err))
		c.emit(&events.Event{Type: events.EventBanFailed, IP: ip, Verdict: &v, Err: err})
		c.enforcementFailed(err)
		return
	}

	now := c.clock.Now()
	entry := &models.BanEntry{
		ID:          c.newID(),
		IP:          ip,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.BanDuration),
		Probability: v.Probability,
		Reason:      fmt.Sprintf("ml %s prob=%.4f", v.Method, v.Probability),
	}
	c.bans[ip] = entry
	rep.Banned++
	metrics.Bans.Inc()
	metrics.ActiveBans.Set(float64(len(c.bans)))
	c.logger.Warn("banned",
		logging.IP(ip),
		"prob", v.Probability,
		"until", entry.ExpiresAt,
		"firewall", c.fw.Name())

	c.persist(ctx, *entry)
	c.enforcementOK()
	c.emit(&events.Event{Type: events.EventBanApplied, IP: ip, Ban: entry})
}

// =============================================================================
// Expiry
// =============================================================================

// sweep unbans every expired entry. A failed unban keeps the entry so the
// next cycle retries it.
func (c *Controller) sweep(ctx context.Context, rep *Report) {
	now := c.clock.Now()
	for _, e := range c.sortedBans() {
		if !e.Expired(now) {
			continue
		}
		c.guard("unban", e.IP, func() {
			if c.unban(ctx, e) {
				rep.Unbanned++
			} else {
				rep.Failures++
			}
		})
	}
}

func (c *Controller) unban(ctx context.Context, e *models.BanEntry) bool {
	if err := c.fw.Unban(ctx, e.IP); err != nil {
		metrics.FirewallFailures.WithLabelValues("unban").Inc()
		c.logger.Error("unban failed, will retry", logging.IP(e.IP), logging.Err(err))
		c.emit(&events.Event{Type: events.EventUnbanFailed, IP: e.IP, Ban: e, Err: err})
		c.enforcementFailed(err)
		return false
	}

	delete(c.bans, e.IP)
	metrics.Unbans.Inc()
	metrics.ActiveBans.Set(float64(len(c.bans)))
	c.logger.Info("unbanned", logging.IP(e.IP))

	if c.store != nil {
		if err := c.store.Delete(ctx, e.IP); err != nil {
			c.logger.Warn("ban store delete failed", logging.IP(e.IP), logging.Err(err))
		}
	}
	c.enforcementOK()
	c.emit(&events.Event{Type: events.EventUnbanApplied, IP: e.IP, Ban: e})
	return true
}

// sortedBans orders entries by expiry, then address.
func (c *Controller) sortedBans() []*models.BanEntry {
	out := make([]*models.BanEntry, 0, len(c.bans))
	for _, e := range c.bans {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *models.BanEntry) int {
		if d := a.ExpiresAt.Compare(b.ExpiresAt); d != 0 {
			return d
		}
		return a.IP.Compare(b.IP)
	})
	return out
}

// =============================================================================
// Enforcement Health
// =============================================================================

func (c *Controller) enforcementFailed(err error) {
	c.failures++
	if c.degraded || c.failures < c.cfg.DegradedAfter {
		return
	}
	c.degraded = true
	metrics.EnforcementDegraded.Set(1)
	c.logger.Error("enforcement degraded: detections are not being enforced",
		"consecutive_failures", c.failures,
		"firewall", c.fw.Name(),
		logging.Err(err))
	c.emit(&events.Event{Type: events.EventEnforcementDegraded, Failures: c.failures, Err: err})
}

func (c *Controller) enforcementOK() {
	c.failures = 0
	if !c.degraded {
		return
	}
	c.degraded = false
	metrics.EnforcementDegraded.Set(0)
	c.logger.Info("enforcement restored", "firewall", c.fw.Name())
	c.emit(&events.Event{Type: events.EventEnforcementRestored})
}

// Degraded reports whether enforcement is currently degraded.
func (c *Controller) Degraded() bool {
	return c.degraded
}

// =============================================================================
// Persistence
// =============================================================================

func (c *Controller) persist(ctx context.Context, e models.BanEntry) {
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, e); err != nil {
		c.logger.Warn("ban store write failed", logging.IP(e.IP), logging.Err(err))
	}
}

// Restore reloads persisted bans at startup. Expired entries are lifted;
// live entries are re-asserted and reinstated with their original expiry.
// Entries for now-whitelisted addresses are lifted regardless of expiry. A
// live entry the firewall refuses stays out of the ban table and keeps its
// stored row, so the next malicious verdict bans afresh and the next
// restart retries it.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	entries, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("detector: restore: %w", err)
	}

	now := c.clock.Now()
	restored, lifted, refused := 0, 0, 0
	for i := range entries {
		e := entries[i]
		if c.whitelist.Contains(e.IP) {
			c.logger.Info("lifting stored ban on whitelisted address", logging.IP(e.IP))
			if c.unban(ctx, &e) {
				lifted++
			}
			continue
		}
		if e.Expired(now) {
			if c.unban(ctx, &e) {
				lifted++
			} else {
				c.bans[e.IP] = &e
			}
			continue
		}
		if err := c.fw.Ban(ctx, e.IP); err != nil {
			metrics.FirewallFailures.WithLabelValues("ban").Inc()
			c.logger.Error("could not re-assert ban", logging.IP(e.IP), logging.Err(err))
			c.emit(&events.Event{Type: events.EventBanFailed, IP: e.IP, Ban: &e, Err: err})
			c.enforcementFailed(err)
			refused++
			continue
		}
		c.enforcementOK()
		c.bans[e.IP] = &e
		restored++
	}
	metrics.ActiveBans.Set(float64(len(c.bans)))
	c.logger.Info("bans restored",
		logging.Count("restored", int64(restored)),
		logging.Count("lifted", int64(lifted)),
		logging.Count("refused", int64(refused)))
	return nil
}

// Bans returns a copy of the ban table ordered by expiry.
func (c *Controller) Bans() []models.BanEntry {
	sorted := c.sortedBans()
	out := make([]models.BanEntry, len(sorted))
	for i, e := range sorted {
		out[i] = *e
	}
	return out
}

func (c *Controller) emit(e *events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.clock.Now()
	}
	c.bus.Emit(e)
}
