package firewall

import (
	"context"
	"net/netip"
)

// IPTables inserts DROP rules for source addresses, using ip6tables for
// IPv6. Both directions probe with -C first so repeated calls are no-ops.
type IPTables struct {
	bin4   string
	bin6   string
	chain  string
	runner Runner
}

// NewIPTables creates an iptables gateway.
func NewIPTables(bin4, bin6, chain string, runner Runner) *IPTables {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &IPTables{bin4: bin4, bin6: bin6, chain: chain, runner: runner}
}

// Name implements Gateway.
func (t *IPTables) Name() string { return BackendIPTables }

func (t *IPTables) bin(ip netip.Addr) string {
	if ip.Is4() {
		return t.bin4
	}
	return t.bin6
}

func (t *IPTables) rule(op string, ip netip.Addr) []string {
	return []string{op, t.chain, "-s", ip.String(), "-j", "DROP"}
}

// present reports whether the DROP rule exists. iptables -C exits 1 when
// the rule is missing; any other failure is an error.
func (t *IPTables) present(ctx context.Context, ip netip.Addr) (bool, error) {
	out, err := t.runner.Run(ctx, t.bin(ip), t.rule("-C", ip)...)
	if err == nil {
		return true, nil
	}
	if ExitCode(err) == 1 {
		return false, nil
	}
	return false, mitigationError("check", ip, err, out)
}

// Ban implements Gateway.
func (t *IPTables) Ban(ctx context.Context, ip netip.Addr) error {
	ok, err := t.present(ctx, ip)
	if err != nil || ok {
		return err
	}
	if out, err := t.runner.Run(ctx, t.bin(ip), t.rule("-I", ip)...); err != nil {
		return mitigationError("ban", ip, err, out)
	}
	return nil
}

// Unban implements Gateway.
func (t *IPTables) Unban(ctx context.Context, ip netip.Addr) error {
	ok, err := t.present(ctx, ip)
	if err != nil || !ok {
		return err
	}
	if out, err := t.runner.Run(ctx, t.bin(ip), t.rule("-D", ip)...); err != nil {
		return mitigationError("unban", ip, err, out)
	}
	return nil
}
