//go:build linux

package firewall

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/pkg/ebpf"
)

// BPFMap bans by writing to a pinned BPF hash map that an XDP program
// consults.
type BPFMap struct {
	list   *ebpf.Blocklist
	prog   *ebpf.XDPProgram
	now    func() time.Time
	logger *logging.Logger
}

// NewBPFMap opens (or creates) the pinned blocklist and optionally attaches
// the configured drop program.
func NewBPFMap(cfg Config, logger *logging.Logger) (*BPFMap, error) {
	list, err := ebpf.OpenBlocklist(cfg.BPFMap)
	if err != nil {
		return nil, err
	}
	g := &BPFMap{list: list, now: time.Now, logger: logger}

	if cfg.BPFObject != "" {
		if cfg.BPFIface == "" {
			list.Close()
			return nil, errors.New("firewall: bpf object needs an interface")
		}
		prog, err := ebpf.AttachDropProgram(cfg.BPFIface, cfg.BPFObject, cfg.BPFProgram, list)
		if err != nil {
			list.Close()
			return nil, err
		}
		g.prog = prog
		logger.Info("XDP drop program attached",
			"iface", cfg.BPFIface,
			"ifindex", prog.InterfaceIndex(),
			"map", list.Path())
	}
	return g, nil
}

// Name implements Gateway.
func (b *BPFMap) Name() string { return BackendBPFMap }

// Ban implements Gateway.
func (b *BPFMap) Ban(_ context.Context, ip netip.Addr) error {
	if err := b.list.Add(ip, b.now()); err != nil {
		return mitigationError("ban", ip, err, nil)
	}
	return nil
}

// Unban implements Gateway.
func (b *BPFMap) Unban(_ context.Context, ip netip.Addr) error {
	if err := b.list.Remove(ip); err != nil {
		return mitigationError("unban", ip, err, nil)
	}
	return nil
}

// Close detaches the program and closes the map. Pinned entries survive.
func (b *BPFMap) Close() error {
	var errs []error
	if b.prog != nil {
		if st, err := b.prog.Stats(); err == nil {
			b.logger.Info("XDP drop program detached", "dropped_packets", st.PacketsDropped)
		}
		errs = append(errs, b.prog.Close())
	}
	errs = append(errs, b.list.Close())
	return errors.Join(errs...)
}
