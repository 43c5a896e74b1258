// Command pcapworker watches a directory of rotated capture files and
// appends one feature row per completed SSH flow to the feature cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Lolpotch/burai/internal/cache"
	"github.com/Lolpotch/burai/internal/capture"
	"github.com/Lolpotch/burai/internal/config"
	"github.com/Lolpotch/burai/internal/ledger"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/metrics"
	"github.com/Lolpotch/burai/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := config.NewFlagSet("pcapworker")
	config.AddWorkerFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if printCfg, _ := fs.GetBool(config.FlagPrintConfig); printCfg {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}

	closeLog, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()
	logger := logging.WorkerLogger()

	schema, err := cfg.Schema()
	if err != nil {
		logger.Error("invalid feature schema", logging.Err(err))
		return 1
	}

	reader, err := capture.NewReader(&capture.Config{
		Backend:     capture.Backend(cfg.Worker.Reader),
		ServicePort: uint16(cfg.Worker.TargetPort),
	})
	if err != nil {
		logger.Error("capture reader unavailable", logging.Err(err))
		return 1
	}
	if cfg.Worker.Reader == string(capture.BackendLibpcap) && !capture.LibpcapAvailable() {
		logger.Error("libpcap reader requested but this binary was built without cgo")
		return 1
	}

	led, err := ledger.Open(cfg.Worker.LedgerPath)
	if err != nil {
		logger.Error("cannot open ledger", logging.Err(err))
		return 1
	}
	defer led.Close()

	w, err := worker.New(worker.Config{
		CaptureDir:   cfg.Worker.CaptureDir,
		CaptureExt:   cfg.Worker.CaptureExt,
		MinFileSize:  cfg.Worker.MinFileSize,
		StaleWindow:  cfg.Worker.StaleWindow,
		SettleDelay:  cfg.Worker.SettleDelay,
		PollInterval: cfg.Worker.PollInterval,
		MaxAttempts:  cfg.Worker.MaxAttempts,
	}, led, reader, cache.NewWriter(cfg.Cache.Path, schema), schema)
	if err != nil {
		logger.Error("cannot start worker", logging.Err(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		var srvOpts []metrics.ServerOption
		if cfg.Metrics.Profiling {
			srvOpts = append(srvOpts, metrics.WithProfiling())
		}
		srv := metrics.NewServer(cfg.Metrics.Listen, srvOpts...)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("metrics server failed", logging.Err(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
	}

	logger.Info("pcap worker started",
		"capture_dir", cfg.Worker.CaptureDir,
		"cache", cfg.Cache.Path,
		"ledger", cfg.Worker.LedgerPath,
		"port", cfg.Worker.TargetPort,
		"reader", cfg.Worker.Reader)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", logging.Err(err))
		return 1
	}
	logger.Info("pcap worker stopped", logging.Count("ledger_entries", int64(led.Len())))
	return 0
}
