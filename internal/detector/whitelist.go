package detector

import (
	"fmt"
	"net/netip"

	"github.com/Lolpotch/burai/internal/config"
)

// Whitelist holds addresses and ranges that are never scored or banned.
type Whitelist struct {
	prefixes []netip.Prefix
}

// NewWhitelist parses addresses ("192.0.2.1") and CIDR ranges
// ("10.0.0.0/8").
func NewWhitelist(entries []string) (*Whitelist, error) {
	w := &Whitelist{prefixes: make([]netip.Prefix, 0, len(entries))}
	for _, e := range entries {
		p, err := config.ParseAddrOrPrefix(e)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", e, err)
		}
		w.prefixes = append(w.prefixes, p)
	}
	return w, nil
}

// Contains reports whether ip is whitelisted. IPv4-mapped IPv6 addresses
// match their IPv4 form.
func (w *Whitelist) Contains(ip netip.Addr) bool {
	if w == nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range w.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.prefixes)
}
