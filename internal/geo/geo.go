package geo

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// Resolver maps source addresses to ISO country codes using a MaxMind
// database. All lookups are best effort: a resolver without a loaded
// database returns the empty string.
type Resolver struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
	path   string
}

// NewResolver creates a resolver for the given database path. An empty path
// yields a resolver that resolves nothing, which keeps geo enrichment
// strictly optional.
func NewResolver(path string) *Resolver {
	return &Resolver{path: path}
}

// Open loads (or reloads) the database file.
func (r *Resolver) Open() error {
	if r.path == "" {
		return nil
	}
	reader, err := maxminddb.Open(r.path)
	if err != nil {
		return fmt.Errorf("open geoip database: %w", err)
	}

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close releases the underlying database.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}

// Loaded reports whether a database is available for lookups.
func (r *Resolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reader != nil
}

// Country returns the ISO 3166-1 alpha-2 code for an address, or "" when the
// address is invalid or the database has no record for it.
func (r *Resolver) Country(address string) string {
	ip := net.ParseIP(address)
	if ip == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return ""
	}

	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.reader.Lookup(ip, &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}
