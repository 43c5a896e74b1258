// Package integration provides end-to-end tests from capture file to ban.
package integration

import (
	"context"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lolpotch/burai/internal/cache"
	"github.com/Lolpotch/burai/internal/capture"
	"github.com/Lolpotch/burai/internal/detector"
	"github.com/Lolpotch/burai/internal/events"
	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/journal"
	"github.com/Lolpotch/burai/internal/ledger"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/ml"
	"github.com/Lolpotch/burai/internal/store"
	"github.com/Lolpotch/burai/internal/worker"
	"github.com/Lolpotch/burai/test/fixtures"
	"github.com/Lolpotch/burai/test/mocks"
)

var (
	t0       = time.Unix(1700000000, 0)
	attacker = netip.MustParseAddr("198.51.100.23")
	client   = netip.MustParseAddr("198.51.100.40")
)

// pipeline wires a worker, a forest classifier and a controller around one
// temporary directory.
type pipeline struct {
	dir     string
	schema  *features.Schema
	clock   *mocks.MockClock
	fw      *mocks.MockFirewall
	rec     *mocks.MockEventRecorder
	bans    *store.Store
	journal *journal.Journal
	worker  *worker.Worker
	ctl     *detector.Controller
}

// writeModel exports a one-tree forest that flags flows with more than 1000
// forward bytes, plus an identity scaler.
func writeModel(t *testing.T, dir string, schema *features.Schema) (string, string) {
	t.Helper()
	idx, ok := schema.Index("subflow fwd bytes")
	if !ok {
		t.Fatal("schema lacks subflow fwd bytes")
	}

	forest := map[string]any{
		"classes":    []string{"BENIGN", "SSH-Patator"},
		"n_features": schema.Len(),
		"trees": []map[string]any{{
			"children_left":  []int{1, -1, -1},
			"children_right": []int{2, -1, -1},
			"feature":        []int{idx, -2, -2},
			"threshold":      []float64{1000, -2, -2},
			"value":          [][]float64{{10, 10}, {10, 0}, {0, 10}},
		}},
	}
	mean := make([]float64, schema.Len())
	scale := make([]float64, schema.Len())
	for i := range scale {
		scale[i] = 1
	}
	scaler := map[string]any{
		"feature_names": schema.Names(),
		"mean":          mean,
		"scale":         scale,
	}

	modelPath := filepath.Join(dir, "model.json")
	scalerPath := filepath.Join(dir, "scaler.json")
	for path, v := range map[string]any{modelPath: forest, scalerPath: scaler} {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return modelPath, scalerPath
}

func newPipeline(t *testing.T, extractedAt time.Time) *pipeline {
	t.Helper()
	dir := t.TempDir()
	p := &pipeline{
		dir:    dir,
		schema: features.Default(),
		clock:  mocks.NewMockClock(t0),
		fw:     mocks.NewMockFirewall(),
	}

	cachePath := filepath.Join(dir, "features.csv")

	led, err := ledger.Open(filepath.Join(dir, "processed.list"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	reader, err := capture.NewReader(capture.DefaultConfig())
	if err != nil {
		t.Fatalf("capture.NewReader: %v", err)
	}
	p.worker, err = worker.New(worker.DefaultConfig(filepath.Join(dir, "pcap")), led, reader,
		cache.NewWriter(cachePath, p.schema), p.schema,
		worker.WithClock(func() time.Time { return extractedAt }),
		worker.WithSleep(func(context.Context, time.Duration) error { return nil }),
		worker.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}

	modelPath, scalerPath := writeModel(t, dir, p.schema)
	cfg := ml.DefaultConfig()
	cfg.Path = modelPath
	cfg.ScalerPath = scalerPath
	gw, err := ml.Load(context.Background(), cfg, p.schema)
	if err != nil {
		t.Fatalf("ml.Load: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	p.bans, err = store.Open(filepath.Join(dir, "bans.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { p.bans.Close() })

	p.journal, err = journal.Open(filepath.Join(dir, "events.csv"), filepath.Join(dir, "epoch.log"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}

	bus := events.NewEventBus(p.clock.Now)
	bus.SubscribeAll(p.journal.Handle)
	p.rec = mocks.NewMockEventRecorder(bus)

	dcfg := detector.DefaultConfig()
	dcfg.BanDuration = 5 * time.Second
	p.ctl, err = detector.New(dcfg, cache.NewReader(cachePath, p.schema, logging.Discard()), gw, p.fw,
		detector.WithClock(p.clock),
		detector.WithStore(p.bans),
		detector.WithEventBus(bus),
		detector.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("detector.New: %v", err)
	}
	return p
}

func (p *pipeline) ingest(t *testing.T, name string, pkts []fixtures.Packet) {
	t.Helper()
	path := filepath.Join(p.dir, name)
	if err := fixtures.WritePCAP(path, pkts); err != nil {
		t.Fatalf("WritePCAP: %v", err)
	}
	if _, _, err := p.worker.Process(context.Background(), path); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

// =============================================================================
// End-to-End Scenarios
// =============================================================================

func TestBruteForceIsBannedThenReleased(t *testing.T) {
	p := newPipeline(t, t0)
	server := "192.0.2.10"
	pkts := append(fixtures.BruteForce(attacker.String(), server, 50, t0.Add(-2*time.Second), 2*time.Second),
		fixtures.Session(client.String(), server, t0.Add(-time.Second))...)
	p.ingest(t, "rotated-0001.pcap", pkts)

	ctx := context.Background()
	rep := p.ctl.Cycle(ctx)
	if rep.Verdicts != 2 || rep.Malicious != 1 {
		t.Fatalf("first cycle report = %+v", rep)
	}
	if n := p.fw.Count("ban", attacker); n != 1 {
		t.Fatalf("expected one ban call, got %d", n)
	}
	if p.fw.Count("ban", client) != 0 {
		t.Error("benign client was banned")
	}

	verdicts := p.rec.ByType(events.EventVerdict)
	if verdicts[0].Verdict.Probability != 1 || verdicts[0].Verdict.Method != ml.MethodProbability {
		t.Errorf("attacker verdict = %+v", verdicts[0].Verdict)
	}

	stored, err := p.bans.List(ctx)
	if err != nil || len(stored) != 1 || stored[0].IP != attacker {
		t.Fatalf("stored bans = %+v, %v", stored, err)
	}

	// Mid-ban cycles leave the firewall alone.
	p.clock.Advance(2 * time.Second)
	p.ctl.Cycle(ctx)

	p.clock.Advance(3 * time.Second)
	rep = p.ctl.Cycle(ctx)
	if rep.Unbanned != 1 {
		t.Errorf("expected unban after ban duration, report = %+v", rep)
	}
	if n := p.fw.Count("ban", attacker); n != 1 {
		t.Errorf("expected one ban call overall, got %d", n)
	}
	if n := p.fw.Count("unban", attacker); n != 1 {
		t.Errorf("expected one unban call, got %d", n)
	}
	if len(p.ctl.Bans()) != 0 {
		t.Error("ban entry survived expiry")
	}
	if stored, _ := p.bans.List(ctx); len(stored) != 0 {
		t.Errorf("ban store still holds %+v", stored)
	}

	data, err := os.ReadFile(filepath.Join(p.dir, "events.csv"))
	if err != nil {
		t.Fatalf("events journal: %v", err)
	}
	if len(data) == 0 {
		t.Error("events journal is empty")
	}
}

func TestStaleFeaturesAreIgnored(t *testing.T) {
	p := newPipeline(t, t0.Add(-10*time.Minute))
	p.ingest(t, "rotated-0002.pcap",
		fixtures.BruteForce(attacker.String(), "192.0.2.10", 50, t0.Add(-10*time.Minute), 2*time.Second))

	rep := p.ctl.Cycle(context.Background())
	if rep.Verdicts != 0 || rep.Skipped[detector.SkipStale] != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(p.fw.Calls()) != 0 {
		t.Errorf("firewall touched: %v", p.fw.Calls())
	}
	if len(p.rec.ByType(events.EventVerdict)) != 0 {
		t.Error("stale row produced a verdict")
	}
}

func TestWorkerScanFeedsController(t *testing.T) {
	p := newPipeline(t, t0)
	captureDir := filepath.Join(p.dir, "pcap")
	if err := os.MkdirAll(captureDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(captureDir, "rotated-0003.pcap")
	if err := fixtures.WritePCAP(path, fixtures.BruteForce(attacker.String(), "192.0.2.10", 50, t0, 2*time.Second)); err != nil {
		t.Fatal(err)
	}
	// Age the file past the stale window so the scan picks it up.
	old := t0.Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	res, err := p.worker.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Files[worker.OutcomeProcessed] != 1 {
		t.Fatalf("scan result = %+v", res.Files)
	}

	p.ctl.Cycle(context.Background())
	if !p.fw.Blocked(attacker) {
		t.Error("attacker not blocked after scan")
	}
}
