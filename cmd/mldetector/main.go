// Command mldetector scores the feature cache with the trained classifier
// and bans source addresses it flags as SSH brute force.
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
	"github.com/Lolpotch/burai/internal/config"
	"github.com/Lolpotch/burai/internal/detector"
	"github.com/Lolpotch/burai/internal/events"
	"github.com/Lolpotch/burai/internal/firewall"
	"github.com/Lolpotch/burai/internal/journal"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/metrics"
	"github.com/Lolpotch/burai/internal/ml"
	"github.com/Lolpotch/burai/internal/notify"
	"github.com/Lolpotch/burai/internal/store"
)

const notifyFlushTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := config.NewFlagSet("mldetector")
	config.AddDetectorFlags(fs)
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
	logger := logging.DetectorLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schema, err := cfg.Schema()
	if err != nil {
		logger.Error("invalid feature schema", logging.Err(err))
		return 1
	}

	scorer, err := ml.Load(ctx, ml.Config{
		Backend:        cfg.Model.Backend,
		Path:           cfg.Model.Path,
		ScalerPath:     cfg.Model.ScalerPath,
		Checksum:       cfg.Model.Checksum,
		ScalerChecksum: cfg.Model.ScalerChecksum,
		ChecksumKey:    cfg.Model.ChecksumKey,
		PositiveClass:  cfg.Model.PositiveClass,
		Classes:        cfg.Model.Classes,
		ONNXLibrary:    cfg.Model.ONNXLibrary,
		ONNXInput:      cfg.Model.ONNXInput,
		ONNXOutput:     cfg.Model.ONNXOutput,
		SidecarAddr:    cfg.Model.SidecarAddr,
		SidecarTimeout: cfg.Model.SidecarTimeout,
	}, schema)
	if err != nil {
		logger.Error("classifier unavailable, refusing to start", logging.Err(err))
		return 1
	}
	defer scorer.Close()

	fw, err := firewall.New(firewall.Config{
		Backend:      cfg.Firewall.Backend,
		UFWBin:       cfg.Firewall.UFWBin,
		IPTablesBin:  cfg.Firewall.IPTablesBin,
		IP6TablesBin: cfg.Firewall.IP6TablesBin,
		Chain:        cfg.Firewall.Chain,
		BPFMap:       cfg.Firewall.BPFMap,
		BPFObject:    cfg.Firewall.BPFObject,
		BPFProgram:   cfg.Firewall.BPFProgram,
		BPFIface:     cfg.Firewall.BPFIface,
	})
	if err != nil {
		logger.Error("firewall unavailable", logging.Err(err))
		return 1
	}
	if c, ok := fw.(interface{ Close() error }); ok {
		defer c.Close()
	}

	bus := events.NewEventBus(time.Now)

	jr, err := journal.Open(cfg.Journal.EventsCSV, cfg.Journal.EpochLog)
	if err != nil {
		logger.Error("cannot open detection journal", logging.Err(err))
		return 1
	}
	bus.SubscribeAll(jr.Handle)

	dispatcher, closeGeo, err := newDispatcher(cfg.Notify)
	if err != nil {
		logger.Error("notifications misconfigured", logging.Err(err))
		return 1
	}
	defer closeGeo()
	bus.SubscribeAll(dispatcher.Handle)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), notifyFlushTimeout)
		defer cancel()
		if err := dispatcher.Close(flushCtx); err != nil {
			logger.Warn("notifications dropped on shutdown", logging.Err(err))
		}
	}()

	opts := []detector.Option{detector.WithEventBus(bus)}
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			logger.Error("cannot open ban store", logging.Err(err))
			return 1
		}
		defer st.Close()
		opts = append(opts, detector.WithStore(st))
	}

	ctl, err := detector.New(detector.Config{
		Threshold:     cfg.Detector.Threshold,
		BanDuration:   cfg.Detector.BanDuration,
		MaxFeatureAge: cfg.Detector.MaxFeatureAge,
		PollInterval:  cfg.Detector.PollInterval,
		DegradedAfter: cfg.Detector.DegradedAfter,
		TargetPort:    uint16(cfg.Worker.TargetPort),
		Whitelist:     cfg.Detector.Whitelist,
	}, cache.NewReader(cfg.Cache.Path, schema, nil), scorer, fw, opts...)
	if err != nil {
		logger.Error("cannot build controller", logging.Err(err))
		return 1
	}
	if err := ctl.Restore(ctx); err != nil {
		logger.Warn("persisted bans not restored", logging.Err(err))
	}

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

	if err := ctl.Run(ctx); err != nil {
		logger.Error("controller stopped", logging.Err(err))
		return 1
	}
	return 0
}

// newDispatcher builds the notification fan-out. With no destination
// configured the dispatcher ignores every message.
func newDispatcher(cfg config.NotifyConfig) (*notify.Dispatcher, func() error, error) {
	var notifiers []notify.Notifier
	if cfg.TelegramToken != "" && cfg.TelegramChat != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChat, cfg.TelegramAPI)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL))
	}

	var geo *notify.GeoIP
	closeGeo := func() error { return nil }
	if cfg.GeoIPDB != "" {
		g, err := notify.OpenGeoIP(cfg.GeoIPDB)
		if err != nil {
			return nil, nil, err
		}
		geo, closeGeo = g, g.Close
	}
	return notify.NewDispatcher(cfg.QueueSize, geo, notifiers...), closeGeo, nil
}
