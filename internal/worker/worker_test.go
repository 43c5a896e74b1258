package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Lolpotch/burai/internal/cache"
	"github.com/Lolpotch/burai/internal/capture"
	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/ledger"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/test/fixtures"
)

type harness struct {
	dir    string
	cache  string
	ledger string
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		dir:    filepath.Join(root, "rotated"),
		cache:  filepath.Join(root, "data", "features.csv"),
		ledger: filepath.Join(root, "log", "processed.list"),
		now:    time.Now().Add(time.Hour),
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) worker(t *testing.T) (*Worker, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(h.ledger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	r, err := capture.NewReader(capture.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	schema := features.Default()
	w, err := New(DefaultConfig(h.dir), l, r, cache.NewWriter(h.cache, schema), schema,
		WithClock(func() time.Time { return h.now }),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	return w, l
}

func (h *harness) rows(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(h.cache)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	return len(lines) - 1
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}, nil, nil, nil, nil); err == nil {
		t.Error("expected error with empty config")
	}
	if _, err := New(DefaultConfig("/tmp"), nil, nil, nil, nil); err == nil {
		t.Error("expected error with missing collaborators")
	}
}

func TestScanProcessesOnce(t *testing.T) {
	h := newHarness(t)
	start := time.Unix(1700000000, 0)
	pkts := append(fixtures.BruteForce("10.0.0.66", "10.0.0.1", 50, start, 2*time.Second),
		fixtures.Session("10.0.0.5", "10.0.0.1", start)...)
	if err := fixtures.WritePCAP(filepath.Join(h.dir, "cap-0001.pcap"), pkts); err != nil {
		t.Fatal(err)
	}
	// Not a capture by extension.
	os.WriteFile(filepath.Join(h.dir, "notes.txt"), make([]byte, 1024), 0o644)

	w, l := h.worker(t)
	res, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Files[OutcomeProcessed] != 1 || res.Flows != 2 || res.Rows != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.rows(t) != 2 {
		t.Errorf("cache rows = %d, want 2", h.rows(t))
	}
	if !l.Contains(filepath.Join(h.dir, "cap-0001.pcap")) {
		t.Error("processed file not ledgered")
	}

	// Second scan in the same process.
	res, _ = w.Scan(context.Background())
	if res.Files[OutcomeSeen] != 1 || res.Rows != 0 {
		t.Errorf("rescan result %+v", res)
	}

	// A restarted worker with the same ledger does not duplicate rows.
	l.Close()
	w2, _ := h.worker(t)
	if _, err := w2.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.rows(t) != 2 {
		t.Errorf("cache rows after restart = %d, want 2", h.rows(t))
	}
}

func TestScanTinyFileLedgered(t *testing.T) {
	h := newHarness(t)
	tiny := filepath.Join(h.dir, "tiny.pcap")
	if err := os.WriteFile(tiny, make([]byte, 24), 0o644); err != nil {
		t.Fatal(err)
	}

	w, l := h.worker(t)
	res, _ := w.Scan(context.Background())
	if res.Files[OutcomeTiny] != 1 {
		t.Errorf("result %+v", res)
	}
	if !l.Contains(tiny) {
		t.Error("tiny file should be ledgered immediately")
	}
	if h.rows(t) != 0 {
		t.Error("tiny file produced rows")
	}
}

func TestScanDefersRecentFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "live.pcap")
	if err := fixtures.WritePCAP(path, fixtures.BruteForce("10.0.0.66", "10.0.0.1", 20, time.Unix(1700000000, 0), time.Second)); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)

	w, l := h.worker(t)
	h.now = info.ModTime().Add(100 * time.Millisecond)
	res, _ := w.Scan(context.Background())
	if res.Files[OutcomeDeferred] != 1 {
		t.Fatalf("result %+v", res)
	}
	if l.Contains(path) || h.rows(t) != 0 {
		t.Error("recent file must not be processed or ledgered")
	}

	h.now = info.ModTime().Add(5 * time.Second)
	res, _ = w.Scan(context.Background())
	if res.Files[OutcomeProcessed] != 1 || !l.Contains(path) {
		t.Errorf("settled file not processed: %+v", res)
	}
}

func TestScanRejectsUnledgerableName(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "cap\n0001.pcap")
	if err := fixtures.WritePCAP(path, fixtures.BruteForce("10.0.0.66", "10.0.0.1", 50, time.Unix(1700000000, 0), 2*time.Second)); err != nil {
		t.Fatal(err)
	}

	w, l := h.worker(t)
	res, _ := w.Scan(context.Background())
	if res.Files[OutcomeRejected] != 1 {
		t.Fatalf("result %+v", res)
	}
	for i := 0; i < 2; i++ {
		res, _ = w.Scan(context.Background())
		if res.Files[OutcomeSeen] != 1 {
			t.Errorf("rescan %d: result %+v", i, res)
		}
	}
	if h.rows(t) != 0 {
		t.Errorf("cache rows = %d, want 0", h.rows(t))
	}
	if l.Len() != 0 {
		t.Error("rejected name reached the ledger")
	}
}

func TestScanLedgerFailureDoesNotDuplicateRows(t *testing.T) {
	h := newHarness(t)
	if err := fixtures.WritePCAP(filepath.Join(h.dir, "cap-0001.pcap"),
		fixtures.BruteForce("10.0.0.66", "10.0.0.1", 50, time.Unix(1700000000, 0), 2*time.Second)); err != nil {
		t.Fatal(err)
	}

	w, l := h.worker(t)
	// Every Add now fails.
	l.Close()

	for i := 0; i < 3; i++ {
		if _, err := w.Scan(context.Background()); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
	}
	if h.rows(t) != 1 {
		t.Errorf("cache rows after 3 scans = %d, want 1", h.rows(t))
	}
}

func TestScanRetriesThenAbandons(t *testing.T) {
	h := newHarness(t)
	bad := filepath.Join(h.dir, "bad.pcap")
	if err := os.WriteFile(bad, []byte(strings.Repeat("not a pcap ", 50)), 0o644); err != nil {
		t.Fatal(err)
	}

	w, l := h.worker(t)
	for i := 1; i < w.cfg.MaxAttempts; i++ {
		res, _ := w.Scan(context.Background())
		if res.Files[OutcomeFailed] != 1 {
			t.Fatalf("attempt %d: result %+v", i, res)
		}
		if l.Contains(bad) {
			t.Fatalf("attempt %d: unreadable file ledgered too early", i)
		}
	}

	res, _ := w.Scan(context.Background())
	if res.Files[OutcomeAbandoned] != 1 {
		t.Fatalf("final attempt: result %+v", res)
	}
	if !l.Contains(bad) {
		t.Error("abandoned file should be ledgered")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	w, _ := h.worker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
