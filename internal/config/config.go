// Package config loads burai's configuration from a YAML file, BURAI_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Lolpotch/burai/internal/features"
)

// ErrConfig reports an invalid configuration. It is fatal at startup.
var ErrConfig = errors.New("config: invalid configuration")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BURAI"

// Config is the complete configuration of both commands.
type Config struct {
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Features []string       `mapstructure:"features" yaml:"features"`
	Detector DetectorConfig `mapstructure:"detector" yaml:"detector"`
	Model    ModelConfig    `mapstructure:"model" yaml:"model"`
	Firewall FirewallConfig `mapstructure:"firewall" yaml:"firewall"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Journal  JournalConfig  `mapstructure:"journal" yaml:"journal"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// WorkerConfig configures the flow assembler worker.
type WorkerConfig struct {
	CaptureDir   string        `mapstructure:"capture_dir" yaml:"capture_dir"`
	CaptureExt   string        `mapstructure:"capture_ext" yaml:"capture_ext"`
	LedgerPath   string        `mapstructure:"ledger_path" yaml:"ledger_path"`
	TargetPort   int           `mapstructure:"target_port" yaml:"target_port"`
	MinFileSize  int64         `mapstructure:"min_file_size" yaml:"min_file_size"`
	StaleWindow  time.Duration `mapstructure:"stale_window" yaml:"stale_window"`
	SettleDelay  time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Reader       string        `mapstructure:"reader" yaml:"reader"`
}

// CacheConfig locates the feature cache.
type CacheConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DetectorConfig configures the mitigation controller.
type DetectorConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BanDuration   time.Duration `mapstructure:"ban_duration" yaml:"ban_duration"`
	MaxFeatureAge time.Duration `mapstructure:"max_feature_age" yaml:"max_feature_age"`
	Threshold     float64       `mapstructure:"threshold" yaml:"threshold"`
	Whitelist     []string      `mapstructure:"whitelist" yaml:"whitelist"`
	DegradedAfter int           `mapstructure:"degraded_after" yaml:"degraded_after"`
}

// ModelConfig locates the classifier artifacts.
type ModelConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	Path           string        `mapstructure:"path" yaml:"path"`
	ScalerPath     string        `mapstructure:"scaler_path" yaml:"scaler_path"`
	Checksum       string        `mapstructure:"checksum" yaml:"checksum"`
	ScalerChecksum string        `mapstructure:"scaler_checksum" yaml:"scaler_checksum"`
	ChecksumKey    string        `mapstructure:"checksum_key" yaml:"checksum_key"`
	PositiveClass  string        `mapstructure:"positive_class" yaml:"positive_class"`
	Classes        []string      `mapstructure:"classes" yaml:"classes"`
	ONNXLibrary    string        `mapstructure:"onnx_library" yaml:"onnx_library"`
	ONNXInput      string        `mapstructure:"onnx_input" yaml:"onnx_input"`
	ONNXOutput     string        `mapstructure:"onnx_output" yaml:"onnx_output"`
	SidecarAddr    string        `mapstructure:"sidecar_addr" yaml:"sidecar_addr"`
	SidecarTimeout time.Duration `mapstructure:"sidecar_timeout" yaml:"sidecar_timeout"`
}

// FirewallConfig selects the enforcement backend.
type FirewallConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"`
	UFWBin       string `mapstructure:"ufw_bin" yaml:"ufw_bin"`
	IPTablesBin  string `mapstructure:"iptables_bin" yaml:"iptables_bin"`
	IP6TablesBin string `mapstructure:"ip6tables_bin" yaml:"ip6tables_bin"`
	Chain        string `mapstructure:"chain" yaml:"chain"`
	BPFMap       string `mapstructure:"bpf_map" yaml:"bpf_map"`
	BPFObject    string `mapstructure:"bpf_object" yaml:"bpf_object"`
	BPFProgram   string `mapstructure:"bpf_program" yaml:"bpf_program"`
	BPFIface     string `mapstructure:"bpf_iface" yaml:"bpf_iface"`
}

// StoreConfig locates the ban store. An empty path disables persistence.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// JournalConfig locates the local detection journals.
type JournalConfig struct {
	EventsCSV string `mapstructure:"events_csv" yaml:"events_csv"`
	EpochLog  string `mapstructure:"epoch_log" yaml:"epoch_log"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	TelegramToken string `mapstructure:"telegram_token" yaml:"telegram_token"`
	TelegramChat  string `mapstructure:"telegram_chat" yaml:"telegram_chat"`
	TelegramAPI   string `mapstructure:"telegram_api" yaml:"telegram_api"`
	WebhookURL    string `mapstructure:"webhook_url" yaml:"webhook_url"`
	GeoIPDB       string `mapstructure:"geoip_db" yaml:"geoip_db"`
	QueueSize     int    `mapstructure:"queue_size" yaml:"queue_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	// Profiling also serves /debug/pprof/ on the metrics listener.
	Profiling bool `mapstructure:"profiling" yaml:"profiling"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// setDefaults registers every key so environment overrides resolve.
func setDefaults(v *viper.Viper, paths *PathConfig) {
	v.SetDefault("worker.capture_dir", "/var/lib/burai/pcap/rotated")
	v.SetDefault("worker.capture_ext", ".pcap")
	v.SetDefault("worker.ledger_path", paths.Data("pcap_processed.list"))
	v.SetDefault("worker.target_port", 22)
	v.SetDefault("worker.min_file_size", 200)
	v.SetDefault("worker.stale_window", time.Second)
	v.SetDefault("worker.settle_delay", 500*time.Millisecond)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.reader", "pcapgo")

	v.SetDefault("cache.path", paths.Data("features.csv"))
	v.SetDefault("features", features.DefaultFeatures)

	v.SetDefault("detector.poll_interval", time.Second)
	v.SetDefault("detector.ban_duration", 5*time.Second)
	v.SetDefault("detector.max_feature_age", 300*time.Second)
	v.SetDefault("detector.threshold", 0.5)
	v.SetDefault("detector.whitelist", []string{})
	v.SetDefault("detector.degraded_after", 3)

	v.SetDefault("model.backend", "forest")
	v.SetDefault("model.path", "")
	v.SetDefault("model.scaler_path", "")
	v.SetDefault("model.checksum", "")
	v.SetDefault("model.scaler_checksum", "")
	v.SetDefault("model.checksum_key", "")
	v.SetDefault("model.positive_class", "SSH-Patator")
	v.SetDefault("model.classes", []string{"BENIGN", "SSH-Patator"})
	v.SetDefault("model.onnx_library", paths.ONNXLibraryPath)
	v.SetDefault("model.onnx_input", "float_input")
	v.SetDefault("model.onnx_output", "probabilities")
	v.SetDefault("model.sidecar_addr", "localhost:50051")
	v.SetDefault("model.sidecar_timeout", 2*time.Second)

	v.SetDefault("firewall.backend", "ufw")
	v.SetDefault("firewall.ufw_bin", "ufw")
	v.SetDefault("firewall.iptables_bin", "iptables")
	v.SetDefault("firewall.ip6tables_bin", "ip6tables")
	v.SetDefault("firewall.chain", "INPUT")
	v.SetDefault("firewall.bpf_map", "/sys/fs/bpf/burai_blocklist")
	v.SetDefault("firewall.bpf_object", "")
	v.SetDefault("firewall.bpf_program", "xdp_drop")
	v.SetDefault("firewall.bpf_iface", "")

	v.SetDefault("store.path", paths.Data("bans.db"))

	v.SetDefault("journal.events_csv", paths.Log("events_local_ml.csv"))
	v.SetDefault("journal.epoch_log", paths.Log("ml_detector_epoch.log"))

	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat", "")
	v.SetDefault("notify.telegram_api", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.geoip_db", "")
	v.SetDefault("notify.queue_size", 64)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.profiling", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// =============================================================================
// Flags
// =============================================================================

// Flag names shared by both commands.
const (
	FlagConfig      = "config"
	FlagPrintConfig = "print-config"
)

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
	"metrics-listen":  "metrics.listen",
	"pprof":           "metrics.profiling",
	"cache":           "cache.path",
	"capture-dir":     "worker.capture_dir",
	"ledger":          "worker.ledger_path",
	"port":            "worker.target_port",
	"reader":          "worker.reader",
	"threshold":       "detector.threshold",
	"ban-duration":    "detector.ban_duration",
	"max-feature-age": "detector.max_feature_age",
	"whitelist":       "detector.whitelist",
	"model":           "model.path",
	"scaler":          "model.scaler_path",
	"model-backend":   "model.backend",
	"firewall":        "firewall.backend",
	"store":           "store.path",
}

// NewFlagSet returns a flag set with the shared flags registered.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP(FlagConfig, "c", "", "path to a YAML configuration file")
	fs.Bool(FlagPrintConfig, false, "print the effective configuration as YAML and exit")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("log-file", "", "also append logs to this file")
	fs.String("metrics-listen", "", "serve Prometheus metrics on this address")
	fs.Bool("pprof", false, "also serve /debug/pprof/ on the metrics address")
	fs.String("cache", "", "feature cache path")
	fs.Int("port", 22, "monitored TCP service port")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", name)
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, PathEnvVarsDoc)
	}
	return fs
}

// AddWorkerFlags registers the flow assembler flags.
func AddWorkerFlags(fs *pflag.FlagSet) {
	fs.String("capture-dir", "", "directory of rotated capture files")
	fs.String("ledger", "", "processed-file ledger path")
	fs.String("reader", "pcapgo", "capture decoder (pcapgo, libpcap)")
}

// AddDetectorFlags registers the mitigation controller flags.
func AddDetectorFlags(fs *pflag.FlagSet) {
	fs.Float64("threshold", 0.5, "decision threshold")
	fs.Duration("ban-duration", 5*time.Second, "how long a ban lasts")
	fs.Duration("max-feature-age", 300*time.Second, "ignore feature rows older than this")
	fs.StringSlice("whitelist", nil, "addresses or CIDR ranges never banned")
	fs.String("model", "", "classifier artifact path")
	fs.String("scaler", "", "scaler artifact path")
	fs.String("model-backend", "forest", "classifier backend (forest, onnx, sidecar)")
	fs.String("firewall", "ufw", "firewall backend (ufw, iptables, blackhole, bpfmap, dryrun)")
	fs.String("store", "", "ban store path, empty keeps the default")
}

// =============================================================================
// Loading
// =============================================================================

// Load resolves the configuration for a parsed flag set. Only flags the
// user actually set override the file and the environment.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultPathConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if path, _ := fs.GetString(FlagConfig); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
			}
		}
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return
			}
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Worker.TargetPort < 1 || c.Worker.TargetPort > 65535 {
		bad("worker.target_port %d out of range", c.Worker.TargetPort)
	}
	if c.Worker.MaxAttempts < 1 {
		bad("worker.max_attempts must be at least 1")
	}
	if c.Worker.PollInterval <= 0 || c.Detector.PollInterval <= 0 {
		bad("poll intervals must be positive")
	}
	switch c.Worker.Reader {
	case "pcapgo", "libpcap":
	default:
		bad("worker.reader %q is not pcapgo or libpcap", c.Worker.Reader)
	}
	if c.Cache.Path == "" {
		bad("cache.path is required")
	}
	if _, err := features.NewSchema(c.Features...); err != nil {
		bad("features: %v", err)
	}

	if c.Detector.Threshold < 0 || c.Detector.Threshold > 1 {
		bad("detector.threshold %v outside [0,1]", c.Detector.Threshold)
	}
	if c.Detector.BanDuration <= 0 {
		bad("detector.ban_duration must be positive")
	}
	if c.Detector.MaxFeatureAge <= 0 {
		bad("detector.max_feature_age must be positive")
	}
	if c.Detector.DegradedAfter < 1 {
		bad("detector.degraded_after must be at least 1")
	}
	for _, w := range c.Detector.Whitelist {
		if _, err := ParseAddrOrPrefix(w); err != nil {
			bad("detector.whitelist: %v", err)
		}
	}

	switch c.Model.Backend {
	case "forest", "onnx", "sidecar":
	default:
		bad("model.backend %q is not forest, onnx or sidecar", c.Model.Backend)
	}
	switch c.Firewall.Backend {
	case "ufw", "iptables", "blackhole", "bpfmap", "dryrun":
	default:
		bad("firewall.backend %q is not supported", c.Firewall.Backend)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		bad("log.format %q is not text or json", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrConfig, errors.Join(errs...))
	}
	return nil
}

// Schema builds the configured feature schema.
func (c *Config) Schema() (*features.Schema, error) {
	s, err := features.NewSchema(c.Features...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return s, nil
}

// ParseAddrOrPrefix accepts "192.0.2.1" or "192.0.2.0/24".
func ParseAddrOrPrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.Notify.TelegramToken != "" {
		redacted.Notify.TelegramToken = "<redacted>"
	}
	return yaml.Marshal(&redacted)
}
