package detector

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Lolpotch/burai/internal/cache"
	"github.com/Lolpotch/burai/internal/events"
	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/metrics"
	"github.com/Lolpotch/burai/internal/models"
	"github.com/Lolpotch/burai/test/mocks"
)

var (
	t0       = time.Unix(1700000000, 0)
	attacker = netip.MustParseAddr("203.0.113.7")
	other    = netip.MustParseAddr("203.0.113.8")
	server   = netip.MustParseAddr("192.0.2.1")
)

type harness struct {
	ctl    *Controller
	fw     *mocks.MockFirewall
	scorer *mocks.MockScorer
	clock  *mocks.MockClock
	store  *mocks.MockBanStore
	rec    *mocks.MockEventRecorder
	writer *cache.Writer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BanDuration = 5 * time.Second
	cfg.MaxFeatureAge = 300 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config, seed ...models.BanEntry) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.csv")
	schema := features.Default()

	h := &harness{
		fw:     mocks.NewMockFirewall(),
		scorer: mocks.NewMockScorer(),
		clock:  mocks.NewMockClock(t0),
		store:  mocks.NewMockBanStore(seed...),
		writer: cache.NewWriter(path, schema),
	}
	bus := events.NewEventBus(h.clock.Now)
	h.rec = mocks.NewMockEventRecorder(bus)

	ids := 0
	ctl, err := New(cfg, cache.NewReader(path, schema, logging.Discard()), h.scorer, h.fw,
		WithClock(h.clock),
		WithStore(h.store),
		WithEventBus(bus),
		WithLogger(logging.Discard()),
		WithIDGenerator(func() string { ids++; return "ban-" + string(rune('0'+ids)) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctl = ctl
	return h
}

func (h *harness) row(t *testing.T, ip netip.Addr, port float64, at time.Time) {
	t.Helper()
	schema := features.Default()
	v := features.Vector{
		Values:    make([]float64, schema.Len()),
		SrcIP:     ip,
		DstIP:     server,
		Timestamp: at,
	}
	idx, _ := schema.Index("destination port")
	v.Values[idx] = port
	if _, err := h.writer.Append([]features.Vector{v}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func (h *harness) cycle() *Report {
	return h.ctl.Cycle(context.Background())
}

func TestNewValidation(t *testing.T) {
	fw := mocks.NewMockFirewall()
	sc := mocks.NewMockScorer()
	src := cache.NewReader("unused.csv", features.Default(), logging.Discard())

	if _, err := New(DefaultConfig(), nil, sc, fw); err == nil {
		t.Error("expected error without source")
	}
	bad := DefaultConfig()
	bad.BanDuration = 0
	if _, err := New(bad, src, sc, fw); err == nil {
		t.Error("expected error with zero ban duration")
	}
	bad = DefaultConfig()
	bad.Whitelist = []string{"not-an-address"}
	if _, err := New(bad, src, sc, fw); err == nil {
		t.Error("expected error with malformed whitelist")
	}
}

func TestBanOnceThenExpire(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.Set(attacker, 0.93)
	h.row(t, attacker, 22, t0)

	rep := h.cycle()
	if rep.Verdicts != 1 || rep.Malicious != 1 || rep.Banned != 1 {
		t.Fatalf("first cycle report = %+v", rep)
	}
	bans := h.ctl.Bans()
	if len(bans) != 1 {
		t.Fatalf("expected 1 ban, got %d", len(bans))
	}
	b := bans[0]
	if b.IP != attacker || b.ID != "ban-1" || !b.ExpiresAt.Equal(t0.Add(5*time.Second)) {
		t.Errorf("unexpected entry %+v", b)
	}
	if !h.store.Has(attacker) {
		t.Error("ban was not persisted")
	}

	// Still malicious: the existing ban is neither re-applied nor extended.
	h.clock.Advance(2 * time.Second)
	h.cycle()
	if n := h.fw.Count("ban", attacker); n != 1 {
		t.Errorf("expected 1 ban call, got %d", n)
	}
	if got := h.ctl.Bans()[0].ExpiresAt; !got.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("expiry moved to %v", got)
	}

	h.clock.Advance(3 * time.Second)
	rep = h.cycle()
	if rep.Unbanned != 1 {
		t.Errorf("expected unban at expiry, report = %+v", rep)
	}
	if n := h.fw.Count("unban", attacker); n != 1 {
		t.Errorf("expected 1 unban call, got %d", n)
	}
	if len(h.ctl.Bans()) != 0 || h.store.Has(attacker) {
		t.Error("entry survived expiry")
	}
	if h.fw.Blocked(attacker) {
		t.Error("firewall still blocks attacker")
	}

	if len(h.rec.ByType(events.EventBanApplied)) != 1 || len(h.rec.ByType(events.EventUnbanApplied)) != 1 {
		t.Errorf("unexpected events: %v", h.rec.Events())
	}
}

func TestThresholdBoundary(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.Set(attacker, 0.5)
	h.scorer.Set(other, 0.4999)
	h.row(t, attacker, 22, t0)
	h.row(t, other, 22, t0)

	h.cycle()
	verdicts := h.rec.ByType(events.EventVerdict)
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
	}
	if verdicts[0].Verdict.Label != models.LabelMalicious {
		t.Errorf("prob == threshold labelled %s", verdicts[0].Verdict.Label)
	}
	if verdicts[1].Verdict.Label != models.LabelBenign {
		t.Errorf("prob below threshold labelled %s", verdicts[1].Verdict.Label)
	}
	if h.fw.Count("ban", other) != 0 {
		t.Error("benign address was banned")
	}
}

func TestWhitelistNeverScored(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"203.0.113.0/29"}
	h := newHarness(t, cfg)
	h.scorer.Default = 0.99
	h.row(t, attacker, 22, t0)
	h.row(t, other, 22, t0)

	lookups := testutil.ToFloat64(metrics.CacheLookups)
	rep := h.cycle()
	if rep.Skipped[SkipWhitelist] != 1 {
		t.Errorf("skipped = %v", rep.Skipped)
	}
	if got := testutil.ToFloat64(metrics.CacheLookups) - lookups; got != 1 {
		t.Errorf("cache lookups = %v, want 1 (whitelisted address looked up)", got)
	}
	for _, ip := range h.scorer.Scored() {
		if ip == attacker {
			t.Error("whitelisted address was scored")
		}
	}
	if h.fw.Count("ban", attacker) != 0 {
		t.Error("whitelisted address was banned")
	}
	if h.fw.Count("ban", other) != 1 {
		t.Error("non-whitelisted address was not banned")
	}
	if len(h.rec.ByType(events.EventWhitelistSkip)) != 1 {
		t.Error("expected one whitelist event")
	}
}

func TestStaleRowSkipped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.Default = 0.99
	h.row(t, attacker, 22, t0.Add(-301*time.Second))

	rep := h.cycle()
	if rep.Skipped[SkipStale] != 1 || rep.Verdicts != 0 {
		t.Errorf("report = %+v", rep)
	}
	if len(h.scorer.Scored()) != 0 || len(h.fw.Calls()) != 0 {
		t.Error("stale row reached the scorer or firewall")
	}
	if len(h.rec.ByType(events.EventStaleSkip)) != 1 {
		t.Error("expected one stale event")
	}
}

func TestOtherPortIsNoData(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.Default = 0.99
	h.row(t, attacker, 2222, t0)

	rep := h.cycle()
	if rep.Skipped[SkipNoData] != 1 || len(h.scorer.Scored()) != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestLatestRowWins(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.Default = 0.1
	h.row(t, attacker, 22, t0.Add(-10*time.Second))
	h.row(t, attacker, 22, t0.Add(-400*time.Second))

	rep := h.cycle()
	if rep.Verdicts != 1 {
		t.Fatalf("expected a verdict from the newest row, report = %+v", rep)
	}
	v := h.rec.ByType(events.EventVerdict)[0].Verdict
	if !v.FeatureAt.Equal(t0.Add(-10 * time.Second)) {
		t.Errorf("scored row at %v", v.FeatureAt)
	}
}

func TestMissingCacheIsNotAnError(t *testing.T) {
	h := newHarness(t, testConfig())
	before := testutil.ToFloat64(metrics.CacheReadFailures)

	rep := h.cycle()
	if rep.Evaluated != 0 {
		t.Errorf("report = %+v", rep)
	}
	if got := testutil.ToFloat64(metrics.CacheReadFailures); got != before {
		t.Errorf("missing cache counted as read failure")
	}
}

func TestScoringErrorGivesNoVerdict(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.SetError(attacker, errors.New("boom"))
	h.row(t, attacker, 22, t0)
	before := testutil.ToFloat64(metrics.ScoringErrors)

	rep := h.cycle()
	if rep.Verdicts != 0 || len(h.fw.Calls()) != 0 {
		t.Errorf("report = %+v", rep)
	}
	if got := testutil.ToFloat64(metrics.ScoringErrors); got != before+1 {
		t.Errorf("scoring errors = %v, want %v", got, before+1)
	}
}

func TestPanicIsContainedToOneAddress(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.SetPanic(attacker)
	h.scorer.Set(other, 0.9)
	h.row(t, attacker, 22, t0)
	h.row(t, other, 22, t0)
	before := testutil.ToFloat64(metrics.CyclePanics)

	h.cycle()
	if h.fw.Count("ban", other) != 1 {
		t.Error("panic on one address stopped the cycle")
	}
	if got := testutil.ToFloat64(metrics.CyclePanics); got != before+1 {
		t.Errorf("cycle panics = %v, want %v", got, before+1)
	}
}

func TestBanFailureDegradesAndRestores(t *testing.T) {
	cfg := testConfig()
	cfg.DegradedAfter = 2
	h := newHarness(t, cfg)
	h.scorer.Default = 0.9
	h.row(t, attacker, 22, t0)
	h.fw.FailBans(2)

	rep := h.cycle()
	if rep.Failures != 1 || len(h.ctl.Bans()) != 0 {
		t.Fatalf("failed ban created an entry: %+v", h.ctl.Bans())
	}
	if h.store.Has(attacker) {
		t.Error("failed ban was persisted")
	}
	if h.ctl.Degraded() {
		t.Error("degraded after a single failure")
	}

	h.clock.Advance(time.Second)
	h.cycle()
	if !h.ctl.Degraded() {
		t.Fatal("expected degraded enforcement")
	}
	if got := testutil.ToFloat64(metrics.EnforcementDegraded); got != 1 {
		t.Errorf("degraded gauge = %v", got)
	}
	if n := len(h.rec.ByType(events.EventBanFailed)); n != 2 {
		t.Errorf("expected 2 ban failures, got %d", n)
	}
	if deg := h.rec.ByType(events.EventEnforcementDegraded); len(deg) != 1 || deg[0].Failures != 2 {
		t.Errorf("degraded events = %v", deg)
	}

	// The next cycle retries and succeeds.
	h.clock.Advance(time.Second)
	h.cycle()
	if h.ctl.Degraded() || len(h.ctl.Bans()) != 1 {
		t.Error("expected a ban and restored enforcement")
	}
	if len(h.rec.ByType(events.EventEnforcementRestored)) != 1 {
		t.Error("expected one restored event")
	}
}

func TestUnbanFailureRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.Set(attacker, 0.9)
	h.row(t, attacker, 22, t0)
	h.cycle()

	h.fw.FailUnbans(1)
	h.scorer.Set(attacker, 0.1)
	h.clock.Advance(5 * time.Second)
	rep := h.cycle()
	if rep.Unbanned != 0 || len(h.ctl.Bans()) != 1 {
		t.Fatal("failed unban removed the entry")
	}
	if !h.store.Has(attacker) {
		t.Error("failed unban removed the stored entry")
	}
	if len(h.rec.ByType(events.EventUnbanFailed)) != 1 {
		t.Error("expected an unban failure event")
	}

	h.clock.Advance(time.Second)
	rep = h.cycle()
	if rep.Unbanned != 1 || len(h.ctl.Bans()) != 0 {
		t.Error("unban was not retried")
	}
	if n := h.fw.Count("unban", attacker); n != 2 {
		t.Errorf("expected 2 unban calls, got %d", n)
	}
}

func TestRestore(t *testing.T) {
	live := models.BanEntry{ID: "a", IP: attacker, CreatedAt: t0.Add(-2 * time.Second), ExpiresAt: t0.Add(3 * time.Second), Probability: 0.9}
	expired := models.BanEntry{ID: "b", IP: other, CreatedAt: t0.Add(-10 * time.Second), ExpiresAt: t0.Add(-5 * time.Second), Probability: 0.8}
	h := newHarness(t, testConfig(), live, expired)

	if err := h.ctl.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	bans := h.ctl.Bans()
	if len(bans) != 1 || bans[0].IP != attacker || !bans[0].ExpiresAt.Equal(live.ExpiresAt) {
		t.Fatalf("restored bans = %+v", bans)
	}
	if h.fw.Count("ban", attacker) != 1 {
		t.Error("live ban was not re-asserted")
	}
	if h.fw.Count("unban", other) != 1 || h.store.Has(other) {
		t.Error("expired ban was not lifted")
	}

	h.clock.Advance(3 * time.Second)
	h.cycle()
	if len(h.ctl.Bans()) != 0 {
		t.Error("restored ban did not expire")
	}
}

func TestRestoreRefusedBanIsNotReinstated(t *testing.T) {
	live := models.BanEntry{ID: "a", IP: attacker, CreatedAt: t0.Add(-2 * time.Second), ExpiresAt: t0.Add(3 * time.Second), Probability: 0.9}
	h := newHarness(t, testConfig(), live)
	h.fw.FailBans(1)

	if err := h.ctl.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if bans := h.ctl.Bans(); len(bans) != 0 {
		t.Fatalf("refused ban reinstated: %+v", bans)
	}
	if !h.store.Has(attacker) {
		t.Error("stored row should survive for the next restart")
	}
	if len(h.rec.ByType(events.EventBanFailed)) != 1 {
		t.Error("expected a ban failed event")
	}

	// A fresh malicious verdict must reach the firewall.
	h.scorer.Set(attacker, 0.99)
	h.row(t, attacker, 22, t0)
	rep := h.cycle()
	if rep.Banned != 1 || !h.fw.Blocked(attacker) {
		t.Errorf("attacker not blocked after verdict: report %+v", rep)
	}
	if n := h.fw.Count("ban", attacker); n != 2 {
		t.Errorf("expected 2 ban calls, got %d", n)
	}
}

func TestRestoreLiftsWhitelistedEntry(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{attacker.String()}
	live := models.BanEntry{ID: "a", IP: attacker, CreatedAt: t0.Add(-2 * time.Second), ExpiresAt: t0.Add(3 * time.Second), Probability: 0.9}
	h := newHarness(t, cfg, live)

	if err := h.ctl.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if bans := h.ctl.Bans(); len(bans) != 0 {
		t.Fatalf("whitelisted address in ban table: %+v", bans)
	}
	if h.fw.Count("ban", attacker) != 0 {
		t.Error("whitelisted address re-banned")
	}
	if h.fw.Count("unban", attacker) != 1 || h.store.Has(attacker) {
		t.Error("stored ban on whitelisted address was not lifted")
	}
}

func TestRestoreWhitelistedUnbanFailureStaysOutOfTable(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"203.0.113.0/24"}
	live := models.BanEntry{ID: "a", IP: attacker, CreatedAt: t0.Add(-2 * time.Second), ExpiresAt: t0.Add(3 * time.Second)}
	h := newHarness(t, cfg, live)
	h.fw.FailUnbans(1)

	if err := h.ctl.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(h.ctl.Bans()) != 0 {
		t.Error("whitelisted address in ban table after failed unban")
	}
	if !h.store.Has(attacker) {
		t.Error("stored row should remain for a retry on restart")
	}
}

func TestRestoreStoreFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.FailAll = true
	if err := h.ctl.Restore(context.Background()); err == nil {
		t.Error("expected restore error")
	}
}

func TestRunLifecycle(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.Default = 0.9
	h.row(t, attacker, 22, t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctl.Run(ctx) }()

	waitFor := func(cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for controller")
			}
			time.Sleep(time.Millisecond)
		}
	}

	waitFor(func() bool { return h.clock.Waiters() == 1 })
	h.clock.Advance(5 * time.Second)
	waitFor(func() bool { return len(h.rec.ByType(events.EventUnbanApplied)) == 1 })
	waitFor(func() bool { return h.clock.Waiters() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	if len(h.rec.ByType(events.EventControllerStarted)) != 1 || len(h.rec.ByType(events.EventControllerStopped)) != 1 {
		t.Error("missing lifecycle events")
	}
	if h.fw.Count("ban", attacker) != 1 {
		t.Errorf("expected 1 ban, got %d", h.fw.Count("ban", attacker))
	}
}
