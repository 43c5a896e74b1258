package firewall

import (
	"context"
	"net/netip"
)

// UFW blocks addresses with deny rules.
type UFW struct {
	bin    string
	runner Runner
}

// NewUFW creates a ufw gateway.
func NewUFW(bin string, runner Runner) *UFW {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &UFW{bin: bin, runner: runner}
}

// Name implements Gateway.
func (u *UFW) Name() string { return BackendUFW }

// Ban adds "deny from ip". ufw skips duplicate rules on its own.
func (u *UFW) Ban(ctx context.Context, ip netip.Addr) error {
	if out, err := u.runner.Run(ctx, u.bin, "deny", "from", ip.String()); err != nil {
		return mitigationError("ban", ip, err, out)
	}
	return nil
}

// Unban deletes the deny rule.
func (u *UFW) Unban(ctx context.Context, ip netip.Addr) error {
	if out, err := u.runner.Run(ctx, u.bin, "delete", "deny", "from", ip.String()); err != nil {
		return mitigationError("unban", ip, err, out)
	}
	return nil
}
