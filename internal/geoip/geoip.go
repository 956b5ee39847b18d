// Package geoip wraps a MaxMind GeoLite2-format database for the geoip
// defense node: resolve an IP to ISO country code and subdivision codes.
// Grounded on the caddy-waf reference file's use of
// github.com/oschwald/maxminddb-golang for the same lookup shape.
package geoip

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// record mirrors the subset of MaxMind's GeoLite2-Country/City schema this
// detector needs.
type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
}

// Lookup resolves addresses against an opened MaxMind database.
type Lookup struct {
	mu sync.RWMutex
	db *maxminddb.Reader
}

// Open opens the database at path. The caller owns the returned Lookup's
// lifecycle and must call Close when done (typically at process shutdown,
// mirrored by the config-reload path calling Reload).
func Open(path string) (*Lookup, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Lookup{db: db}, nil
}

// Result is the resolved location for one address.
type Result struct {
	Country string   // ISO 3166-1 alpha-2, empty if unresolved
	Regions []string // ISO 3166-2 subdivision codes, empty if unresolved
}

// Country resolves addr to a country/region result. A lookup miss (private
// address, unseeded database) returns a zero Result and no error — the
// geoip node treats "unknown" as non-matching rather than a configuration
// error.
func (l *Lookup) Country(addr netip.Addr) (Result, error) {
	l.mu.RLock()
	db := l.db
	l.mu.RUnlock()
	if db == nil {
		return Result{}, fmt.Errorf("geoip: database not loaded")
	}

	var rec record
	ip := net.IP(addr.AsSlice())
	if err := db.Lookup(ip, &rec); err != nil {
		return Result{}, fmt.Errorf("geoip: lookup %s: %w", addr, err)
	}

	regions := make([]string, 0, len(rec.Subdivisions))
	for _, s := range rec.Subdivisions {
		if s.ISOCode != "" {
			regions = append(regions, rec.Country.ISOCode+"-"+s.ISOCode)
		}
	}
	return Result{Country: rec.Country.ISOCode, Regions: regions}, nil
}

// Reload swaps in a freshly opened database at path, closing the previous
// one once the swap completes so in-flight lookups against the old handle
// finish cleanly.
func (l *Lookup) Reload(path string) error {
	newDB, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("geoip: reload %s: %w", path, err)
	}
	l.mu.Lock()
	old := l.db
	l.db = newDB
	l.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Lookup) Close() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
