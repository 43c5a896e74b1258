// Package worker watches the capture directory and turns every completed
// capture file into feature rows exactly once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Lolpotch/burai/internal/cache"
	"github.com/Lolpotch/burai/internal/capture"
	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/flow"
	"github.com/Lolpotch/burai/internal/ledger"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/metrics"
)

// Config holds the watch loop settings.
type Config struct {
	CaptureDir   string
	CaptureExt   string
	MinFileSize  int64
	StaleWindow  time.Duration
	SettleDelay  time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

// DefaultConfig returns the stock settings for dir.
func DefaultConfig(dir string) Config {
	return Config{
		CaptureDir:   dir,
		CaptureExt:   ".pcap",
		MinFileSize:  200,
		StaleWindow:  time.Second,
		SettleDelay:  500 * time.Millisecond,
		PollInterval: time.Second,
		MaxAttempts:  3,
	}
}

// Outcome is what a scan did with one file.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSeen      Outcome = "seen"
	OutcomeTiny      Outcome = "tiny"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeRejected is a file whose name the ledger cannot store. It is
	// never read, since a restart could not tell it was ingested.
	OutcomeRejected Outcome = "rejected"
)

// Result summarizes one scan.
type Result struct {
	Files    map[Outcome]int
	Flows    int
	Rows     int
	Duration time.Duration
}

// Worker is the directory watch loop. It is single-goroutine; files are
// handled sequentially in name order.
type Worker struct {
	cfg    Config
	ledger *ledger.Ledger
	reader *capture.Reader
	writer *cache.Writer
	schema *features.Schema
	logger *logging.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	attempts map[string]int
	// handled holds every file recorded by this process, whether or not
	// the ledger write succeeded.
	handled map[string]struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock replaces the wall clock used for the stale window and the
// extraction timestamp.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithSleep replaces the settle delay implementation.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(w *Worker) { w.sleep = sleep }
}

// WithLogger sets the worker logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New creates a worker.
func New(cfg Config, l *ledger.Ledger, r *capture.Reader, cw *cache.Writer, schema *features.Schema, opts ...Option) (*Worker, error) {
	if cfg.CaptureDir == "" {
		return nil, errors.New("worker: capture directory is required")
	}
	if l == nil || r == nil || cw == nil || schema == nil {
		return nil, errors.New("worker: ledger, reader, cache writer and schema are required")
	}
	if cfg.CaptureExt == "" {
		cfg.CaptureExt = ".pcap"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	w := &Worker{
		cfg:      cfg,
		ledger:   l,
		reader:   r,
		writer:   cw,
		schema:   schema,
		logger:   logging.WorkerLogger(),
		now:      time.Now,
		sleep:    sleepCtx,
		attempts: make(map[string]int),
		handled:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run scans the capture directory every poll interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("watching capture directory",
		"dir", w.cfg.CaptureDir,
		"ext", w.cfg.CaptureExt,
		logging.Count("seen", int64(w.ledger.Len())))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Scan(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("scan failed", logging.Err(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan makes one pass over the capture directory.
func (w *Worker) Scan(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{Files: make(map[Outcome]int)}

	files, err := w.list()
	if err != nil {
		return res, err
	}
	w.logger.Debug("listed capture files", logging.Count("files", int64(len(files))))

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, flows, rows := w.handle(ctx, path)
		res.Files[outcome]++
		res.Flows += flows
		res.Rows += rows
		if outcome != OutcomeSeen {
			metrics.FilesTotal.WithLabelValues(string(outcome)).Inc()
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (w *Worker) list() ([]string, error) {
	entries, err := os.ReadDir(w.cfg.CaptureDir)
	if err != nil {
		return nil, fmt.Errorf("worker: list %s: %w", w.cfg.CaptureDir, err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), w.cfg.CaptureExt) {
			continue
		}
		files = append(files, filepath.Join(w.cfg.CaptureDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// handle applies the safety guards to one file and processes it.
func (w *Worker) handle(ctx context.Context, path string) (Outcome, int, int) {
	if _, ok := w.handled[path]; ok || w.ledger.Contains(path) {
		return OutcomeSeen, 0, 0
	}
	if err := ledger.CheckName(path); err != nil {
		w.logger.Error("capture file cannot be ledgered, ignoring it", "file", path, logging.Err(err))
		w.handled[path] = struct{}{}
		return OutcomeRejected, 0, 0
	}

	info, err := os.Stat(path)
	if err != nil {
		// Rotated away between listing and stat.
		w.logger.Debug("capture file vanished", "file", path, logging.Err(err))
		return OutcomeDeferred, 0, 0
	}

	// Tiny files never grow into useful captures; record them so they are
	// not examined again.
	if info.Size() < w.cfg.MinFileSize {
		w.logger.Debug("skipping small file", "file", path, "size", info.Size())
		w.record(path)
		return OutcomeTiny, 0, 0
	}

	// Still being written: leave unrecorded and look again next scan.
	if age := w.now().Sub(info.ModTime()); age < w.cfg.StaleWindow {
		w.logger.Debug("skipping recently modified file", "file", path, logging.Duration("age", age))
		return OutcomeDeferred, 0, 0
	}

	if w.cfg.SettleDelay > 0 {
		if err := w.sleep(ctx, w.cfg.SettleDelay); err != nil {
			return OutcomeDeferred, 0, 0
		}
	}

	flows, rows, err := w.Process(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeDeferred, 0, 0
		}
		return w.failed(path, err), 0, 0
	}

	delete(w.attempts, path)
	w.record(path)
	return OutcomeProcessed, flows, rows
}

// failed counts a failed attempt. Unreadable files stay unrecorded so a
// later scan retries them, until the attempt budget runs out.
func (w *Worker) failed(path string, err error) Outcome {
	w.attempts[path]++
	n := w.attempts[path]

	if n < w.cfg.MaxAttempts {
		w.logger.Warn("capture file failed, will retry",
			"file", path,
			"attempt", n,
			"max_attempts", w.cfg.MaxAttempts,
			logging.Err(err))
		return OutcomeFailed
	}

	w.logger.Error("abandoning capture file",
		"file", path,
		"attempts", n,
		logging.Err(err))
	delete(w.attempts, path)
	w.record(path)
	return OutcomeAbandoned
}

func (w *Worker) record(path string) {
	w.handled[path] = struct{}{}
	if err := w.ledger.Add(path); err != nil {
		w.logger.Error("failed to record processed file, a restart will ingest it again",
			"file", path, logging.Err(err))
	}
}

// Process extracts every flow in path and appends the vectors to the cache.
// It does not consult or update the ledger.
func (w *Worker) Process(ctx context.Context, path string) (flows, rows int, err error) {
	start := time.Now()
	defer func() { metrics.FileDuration.Observe(time.Since(start).Seconds()) }()

	asm := flow.NewAssembler(w.schema, flow.WithClock(w.now), flow.WithLogger(logging.FlowLogger()))

	stats, err := w.reader.ReadFile(ctx, path, asm.Add)
	if stats != nil {
		metrics.PacketsRead.Add(float64(stats.PacketsRead))
	}
	if err != nil {
		return 0, 0, err
	}

	if w.logger.Enabled(ctx, logging.LevelDebug) {
		for _, s := range asm.Summaries() {
			w.logger.Debug("flow", logging.Flow(s.Client.String(), s.Server.String(), s.Port, s.Fwd, s.Bwd))
		}
	}

	vectors, skipped := asm.Flush()
	metrics.FlowsExtracted.Add(float64(len(vectors)))
	metrics.FlowsSkipped.Add(float64(skipped))

	n, err := w.writer.Append(vectors)
	if err != nil {
		return len(vectors), 0, fmt.Errorf("worker: append %s: %w", path, err)
	}
	metrics.RowsAppended.Add(float64(n))

	w.logger.Info("processed capture file",
		"file", path,
		logging.Count("packets", int64(stats.Matched)),
		logging.Count("flows", int64(len(vectors))),
		logging.Count("rows", int64(n)),
		logging.Duration("took", time.Since(start)))
	return len(vectors), n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
