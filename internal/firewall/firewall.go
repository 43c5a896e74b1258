// Package firewall applies and removes per-address blocks. Every backend is
// a Gateway; the mitigation controller never talks to a firewall directly.
package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/Lolpotch/burai/internal/logging"
)

// ErrMitigation reports a ban or unban that the firewall did not confirm.
var ErrMitigation = errors.New("firewall: mitigation failed")

// Gateway blocks and unblocks single addresses. Implementations must be
// idempotent enough that a retried Unban of an already removed rule does
// not fail forever.
type Gateway interface {
	Name() string
	Ban(ctx context.Context, ip netip.Addr) error
	Unban(ctx context.Context, ip netip.Addr) error
}

// Backend names.
const (
	BackendUFW       = "ufw"
	BackendIPTables  = "iptables"
	BackendBlackhole = "blackhole"
	BackendBPFMap    = "bpfmap"
	BackendDryRun    = "dryrun"
)

// Config selects and configures the firewall backend.
type Config struct {
	Backend      string
	UFWBin       string
	IPTablesBin  string
	IP6TablesBin string
	Chain        string
	BPFMap       string

	// BPFObject, when set, is an XDP object file attached to BPFIface
	// with its blocklist map replaced by BPFMap.
	BPFObject  string
	BPFProgram string
	BPFIface   string
}

// DefaultConfig returns the ufw backend with stock binary paths.
func DefaultConfig() Config {
	return Config{
		Backend:      BackendUFW,
		UFWBin:       "ufw",
		IPTablesBin:  "iptables",
		IP6TablesBin: "ip6tables",
		Chain:        "INPUT",
		BPFMap:       "/sys/fs/bpf/burai_blocklist",
		BPFProgram:   "xdp_drop",
	}
}

// Option configures a gateway built by New.
type Option func(*options)

type options struct {
	runner Runner
	logger *logging.Logger
}

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithLogger replaces the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the configured gateway.
func New(cfg Config, opts ...Option) (Gateway, error) {
	o := options{runner: ExecRunner{}, logger: logging.FirewallLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	def := DefaultConfig()
	if cfg.UFWBin == "" {
		cfg.UFWBin = def.UFWBin
	}
	if cfg.IPTablesBin == "" {
		cfg.IPTablesBin = def.IPTablesBin
	}
	if cfg.IP6TablesBin == "" {
		cfg.IP6TablesBin = def.IP6TablesBin
	}
	if cfg.Chain == "" {
		cfg.Chain = def.Chain
	}
	if cfg.BPFMap == "" {
		cfg.BPFMap = def.BPFMap
	}
	if cfg.BPFProgram == "" {
		cfg.BPFProgram = def.BPFProgram
	}

	switch cfg.Backend {
	case BackendUFW, "":
		return NewUFW(cfg.UFWBin, o.runner), nil
	case BackendIPTables:
		return NewIPTables(cfg.IPTablesBin, cfg.IP6TablesBin, cfg.Chain, o.runner), nil
	case BackendBlackhole:
		g, err := NewBlackhole()
		if err != nil {
			return nil, fmt.Errorf("firewall: blackhole: %w", err)
		}
		return g, nil
	case BackendBPFMap:
		g, err := NewBPFMap(cfg, o.logger)
		if err != nil {
			return nil, fmt.Errorf("firewall: bpfmap: %w", err)
		}
		return g, nil
	case BackendDryRun:
		return NewDryRun(o.logger), nil
	}
	return nil, fmt.Errorf("firewall: unknown backend %q", cfg.Backend)
}

// =============================================================================
// Command Runner
// =============================================================================

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// ExitCode extracts the exit status of a failed command, or -1. Any error
// in the chain with an ExitCode method counts, *exec.ExitError included.
func ExitCode(err error) int {
	var ee interface{ ExitCode() int }
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// mitigationError wraps a failed command with its exit status and output.
func mitigationError(op string, ip netip.Addr, err error, out []byte) error {
	msg := strings.TrimSpace(string(out))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("%w: %s %s: exit %d: %v", ErrMitigation, op, ip, ExitCode(err), err)
	}
	return fmt.Errorf("%w: %s %s: exit %d: %v: %s", ErrMitigation, op, ip, ExitCode(err), err, msg)
}

// =============================================================================
// Dry Run
// =============================================================================

// DryRun logs bans without touching the host.
type DryRun struct {
	logger *logging.Logger
}

// NewDryRun creates a logging-only gateway.
func NewDryRun(logger *logging.Logger) *DryRun {
	if logger == nil {
		logger = logging.FirewallLogger()
	}
	return &DryRun{logger: logger}
}

// Name implements Gateway.
func (d *DryRun) Name() string { return BackendDryRun }

// Ban implements Gateway.
func (d *DryRun) Ban(ctx context.Context, ip netip.Addr) error {
	d.logger.InfoContext(ctx, "dry run ban", logging.IP(ip))
	return nil
}

// Unban implements Gateway.
func (d *DryRun) Unban(ctx context.Context, ip netip.Addr) error {
	d.logger.InfoContext(ctx, "dry run unban", logging.IP(ip))
	return nil
}
