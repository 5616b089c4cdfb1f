package geoip

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog/log"
)

// Lookup resolves the country ISO code of banned subjects
// using a MaxMind GeoLite2 Country (or City) database.
type Lookup struct {
	db *maxminddb.Reader

	mu    sync.Mutex
	cache map[string]string
}

// Open opens the database at dbPath
func Open(dbPath string) (*Lookup, error) {
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database at %s: %w", dbPath, err)
	}

	log.Info().
		Str("db_path", dbPath).
		Str("database_type", db.Metadata.DatabaseType).
		Msg("GeoIP database opened")

	return &Lookup{db: db, cache: make(map[string]string)}, nil
}

// Country returns the ISO code for an IP or CIDR subject, or "" if unknown
func (l *Lookup) Country(subject string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if code, ok := l.cache[subject]; ok {
		return code
	}

	code, err := l.lookup(subject)
	if err != nil {
		log.Debug().Err(err).Str("subject", subject).Msg("GeoIP lookup failed")
	}
	l.cache[subject] = code
	return code
}

func (l *Lookup) lookup(subject string) (string, error) {
	ip := parseSubject(subject)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", subject)
	}

	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}

	if err := l.db.Lookup(ip, &record); err != nil {
		return "", fmt.Errorf("GeoIP lookup error: %w", err)
	}

	return record.Country.ISOCode, nil
}

// Close closes the database
func (l *Lookup) Close() error {
	return l.db.Close()
}

// parseSubject accepts "192.0.2.1", "2001:db8::1" and "192.0.2.0/24"
func parseSubject(subject string) net.IP {
	if ip := net.ParseIP(subject); ip != nil {
		return ip
	}
	if ip, _, err := net.ParseCIDR(subject); err == nil {
		return ip
	}
	return nil
}
