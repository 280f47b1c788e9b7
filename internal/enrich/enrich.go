// Package enrich annotates resolved addresses with GeoIP data for the
// operator-facing progress lines. It is read-only decoration: reconciliation
// never consults it.
package enrich

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
)

const cacheTTL = time.Hour

type Info struct {
	Country string
	ASN     uint
	ASNOrg  string
	ts      time.Time
}

type Enricher struct {
	mu        sync.RWMutex
	cache     map[netip.Addr]Info
	countryDB *geoip2.Reader
	asnDB     *geoip2.Reader
}

// New looks for GeoLite2 databases in dirs. Missing databases are not an
// error; the enricher simply stays disabled.
func New(dirs ...string) *Enricher {
	e := &Enricher{cache: make(map[netip.Addr]Info)}

	for _, d := range dirs {
		if e.countryDB == nil {
			p := filepath.Join(d, "GeoLite2-Country.mmdb")
			if _, err := os.Stat(p); err == nil {
				if db, err := geoip2.Open(p); err == nil {
					e.countryDB = db
				}
			}
		}
		if e.asnDB == nil {
			p := filepath.Join(d, "GeoLite2-ASN.mmdb")
			if _, err := os.Stat(p); err == nil {
				if db, err := geoip2.Open(p); err == nil {
					e.asnDB = db
				}
			}
		}
	}
	return e
}

func (e *Enricher) Close() {
	if e.countryDB != nil {
		_ = e.countryDB.Close()
	}
	if e.asnDB != nil {
		_ = e.asnDB.Close()
	}
}

func (e *Enricher) Enabled() bool {
	return e != nil && (e.countryDB != nil || e.asnDB != nil)
}

// Lookup returns cached info for addr, refreshing after the TTL.
func (e *Enricher) Lookup(addr netip.Addr) Info {
	now := time.Now()

	e.mu.RLock()
	if r, ok := e.cache[addr]; ok && now.Sub(r.ts) < cacheTTL {
		e.mu.RUnlock()
		return r
	}
	e.mu.RUnlock()

	r := Info{ts: now}
	ip := net.IP(addr.AsSlice())

	if e.countryDB != nil {
		if rec, err := e.countryDB.Country(ip); err == nil && rec != nil {
			r.Country = rec.Country.IsoCode
		}
	}
	if e.asnDB != nil {
		if rec, err := e.asnDB.ASN(ip); err == nil && rec != nil {
			r.ASN = rec.AutonomousSystemNumber
			r.ASNOrg = rec.AutonomousSystemOrganization
		}
	}

	e.mu.Lock()
	e.cache[addr] = r
	e.mu.Unlock()
	return r
}

// Annotate renders the info as a suffix for a progress line, empty when
// nothing is known.
func (e *Enricher) Annotate(addr netip.Addr) string {
	if !e.Enabled() {
		return ""
	}
	r := e.Lookup(addr)
	switch {
	case r.Country != "" && r.ASN != 0:
		return fmt.Sprintf(" [%s AS%d]", r.Country, r.ASN)
	case r.Country != "":
		return fmt.Sprintf(" [%s]", r.Country)
	case r.ASN != 0:
		return fmt.Sprintf(" [AS%d]", r.ASN)
	}
	return ""
}
