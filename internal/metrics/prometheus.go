// Package metrics provides Prometheus metrics export for burai.
// Exposes worker ingestion, detector decisions and enforcement health.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "burai"

// =============================================================================
// Worker Metrics
// =============================================================================

var (
	// FilesTotal counts capture files by outcome: processed, tiny, deferred,
	// failed, abandoned.
	FilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_files_total",
		Help:      "Capture files seen by the worker, by outcome",
	}, []string{"outcome"})

	PacketsRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_packets_read_total",
		Help:      "Packets decoded from capture files",
	})

	FlowsExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_flows_extracted_total",
		Help:      "Flows turned into feature vectors",
	})

	FlowsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_flows_skipped_total",
		Help:      "Flows skipped because their statistics could not be computed",
	})

	RowsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_rows_appended_total",
		Help:      "Rows appended to the feature cache",
	})

	FileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_file_duration_seconds",
		Help:      "Time spent extracting one capture file",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30},
	})
)

// =============================================================================
// Detector Metrics
// =============================================================================

var (
	CacheReloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_reloads_total",
		Help:      "Feature cache reloads after a change on disk",
	})

	CacheReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_read_failures_total",
		Help:      "Feature cache loads that kept the previous snapshot",
	})

	CacheRowsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_rows_dropped_total",
		Help:      "Malformed cache rows dropped during reloads",
	})

	CacheLookups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Latest-row lookups against the feature snapshot",
	})

	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_verdicts_total",
		Help:      "Classifier verdicts by label",
	}, []string{"label"})

	// Skips counts IPs not scored in a cycle, by reason: whitelist, stale,
	// nodata.
	Skips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_skips_total",
		Help:      "Addresses not scored in a cycle, by reason",
	}, []string{"reason"})

	ScoringErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_scoring_errors_total",
		Help:      "Scoring attempts that produced no verdict",
	})

	ScoringLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ml_inference_duration_seconds",
		Help:      "Classifier inference latency in seconds",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"backend"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "detector_cycle_duration_seconds",
		Help:      "Duration of one detection cycle",
		Buckets:   prometheus.DefBuckets,
	})

	CyclePanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_recovered_panics_total",
		Help:      "Panics recovered while handling a single address",
	})
)

// =============================================================================
// Enforcement Metrics
// =============================================================================

var (
	Bans = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_total",
		Help:      "Addresses banned",
	})

	Unbans = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unbans_total",
		Help:      "Addresses unbanned",
	})

	FirewallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firewall_failures_total",
		Help:      "Firewall operations that failed, by operation",
	}, []string{"op"})

	ActiveBans = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_bans",
		Help:      "Current number of live bans",
	})

	EnforcementDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "enforcement_degraded",
		Help:      "1 while consecutive ban failures exceed the degraded threshold",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notifications by result: sent, failed, dropped",
	}, []string{"result"})
)

// =============================================================================
// Metrics Server
// =============================================================================

// Server runs a standalone metrics HTTP server.
type Server struct {
	addr   string
	server *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*http.ServeMux)

// WithProfiling mounts the runtime profiles under /debug/pprof/.
func WithProfiling() ServerOption {
	return func(mux *http.ServeMux) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// NewServer creates a new metrics server.
func NewServer(addr string, opts ...ServerOption) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	for _, opt := range opts {
		opt(mux)
	}

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			// CPU profiles stream for up to 30s by default.
			WriteTimeout: 40 * time.Second,
		},
	}
}

// Start serves until Stop is called. It never returns http.ErrServerClosed.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
