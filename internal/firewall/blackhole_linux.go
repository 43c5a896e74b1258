//go:build linux

package firewall

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// routeHandle is the subset of *netlink.Handle the blackhole gateway uses.
type routeHandle interface {
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

// Blackhole installs a host blackhole route per banned address. It drops
// replies rather than requests, so the peer only sees timeouts.
type Blackhole struct {
	handle routeHandle
}

// NewBlackhole opens a netlink handle in the current namespace.
func NewBlackhole() (*Blackhole, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, err
	}
	return &Blackhole{handle: h}, nil
}

// Name implements Gateway.
func (b *Blackhole) Name() string { return BackendBlackhole }

func blackholeRoute(ip netip.Addr) *netlink.Route {
	ip = ip.Unmap()
	bits := ip.BitLen()
	return &netlink.Route{
		Dst:   &net.IPNet{IP: ip.AsSlice(), Mask: net.CIDRMask(bits, bits)},
		Type:  unix.RTN_BLACKHOLE,
		Table: unix.RT_TABLE_MAIN,
	}
}

// Ban implements Gateway.
func (b *Blackhole) Ban(_ context.Context, ip netip.Addr) error {
	if err := b.handle.RouteReplace(blackholeRoute(ip)); err != nil {
		return mitigationError("ban", ip, err, nil)
	}
	return nil
}

// Unban implements Gateway. A missing route counts as removed.
func (b *Blackhole) Unban(_ context.Context, ip netip.Addr) error {
	err := b.handle.RouteDel(blackholeRoute(ip))
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return mitigationError("unban", ip, err, nil)
	}
	return nil
}
