//go:build linux

package firewall

import (
	"context"
	"errors"
	"testing"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type fakeRoutes struct {
	routes map[string]*netlink.Route
	fail   error
}

func (f *fakeRoutes) RouteReplace(r *netlink.Route) error {
	if f.fail != nil {
		return f.fail
	}
	f.routes[r.Dst.String()] = r
	return nil
}

func (f *fakeRoutes) RouteDel(r *netlink.Route) error {
	if _, ok := f.routes[r.Dst.String()]; !ok {
		return unix.ESRCH
	}
	delete(f.routes, r.Dst.String())
	return nil
}

func TestBlackholeRoutes(t *testing.T) {
	h := &fakeRoutes{routes: map[string]*netlink.Route{}}
	g := &Blackhole{handle: h}
	ctx := context.Background()

	if err := g.Ban(ctx, v4); err != nil {
		t.Fatalf("Ban v4: %v", err)
	}
	if err := g.Ban(ctx, v6); err != nil {
		t.Fatalf("Ban v6: %v", err)
	}
	r, ok := h.routes["198.51.100.23/32"]
	if !ok || r.Type != unix.RTN_BLACKHOLE {
		t.Fatalf("v4 route = %+v", r)
	}
	if _, ok := h.routes["2001:db8::23/128"]; !ok {
		t.Fatalf("v6 route missing: %v", h.routes)
	}

	if err := g.Unban(ctx, v4); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if err := g.Unban(ctx, v4); err != nil {
		t.Errorf("second Unban should be a no-op, got %v", err)
	}

	h.fail = unix.EPERM
	if err := g.Ban(ctx, v4); !errors.Is(err, ErrMitigation) {
		t.Errorf("expected ErrMitigation, got %v", err)
	}
}
