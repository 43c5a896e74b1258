package notify

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves addresses to ISO country codes from a MaxMind database.
type GeoIP struct {
	mu sync.RWMutex
	db *geoip2.Reader
}

// OpenGeoIP opens a GeoLite2/GeoIP2 Country or City database.
func OpenGeoIP(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	return &GeoIP{db: db}, nil
}

// Country returns the ISO code for ip, or "" when unknown.
func (g *GeoIP) Country(ip netip.Addr) string {
	if g == nil || !ip.IsValid() {
		return ""
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.db == nil {
		return ""
	}
	rec, err := g.db.Country(ip.AsSlice())
	if err != nil {
		return ""
	}
	return rec.Country.IsoCode
}

// Close releases the database.
func (g *GeoIP) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}
