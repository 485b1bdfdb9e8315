package vitalsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// CacheTTL is an enumerated freshness tier for cached application data.
type CacheTTL string

const (
	// TTLShort suits data the user expects to move within a session.
	TTLShort CacheTTL = "short"
	// TTLLong suits daily-churn data such as the active program state.
	TTLLong CacheTTL = "long"
	// TTLVeryLong suits near-static catalogs.
	TTLVeryLong CacheTTL = "very_long"
)

// Duration returns the hard expiry for the tier.
func (t CacheTTL) Duration() time.Duration {
	switch t {
	case TTLShort:
		return 1 * time.Hour
	case TTLLong:
		return 24 * time.Hour
	case TTLVeryLong:
		return 7 * 24 * time.Hour
	}
	return 1 * time.Hour
}

// refreshFraction of the TTL marks the soft threshold after which an entry
// is considered stale and scheduled for background refresh. Always below the
// hard expiry, so a refresh fires before a user ever sees missing data.
const refreshFraction = 0.5

// Well-known cache keys. Parameterized keys are built with ProgramDaysKey
// and friends so the format stays deterministic.
const (
	CacheKeyUserData    = "user_data"
	CacheKeyAllPrograms = "all_programs"
)

// ProgramDaysKey returns the cache key for a program's day list.
func ProgramDaysKey(programID string) string {
	return "program_days_" + programID
}

var bucketCache = []byte("cache")

type cacheEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       CacheTTL        `json:"ttl"`
}

// CacheStats aggregates entry freshness counts for diagnostics.
type CacheStats struct {
	Total   int `json:"total"`
	Fresh   int `json:"fresh"`
	Stale   int `json:"stale"`
	Expired int `json:"expired"`
}

// Cache is a TTL-stamped key-value store for coarse-grained "last known
// good" application data, kept separate from the per-record sync tables.
//
// The cache is a soft layer: read and write failures are logged and degrade
// to a miss or a no-op, never propagated as fatal. Callers must always be
// prepared for a nil result and fall back to a network fetch.
type Cache struct {
	db     *bolt.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewCache opens or creates the cache database file.
func NewCache(path string, logger *logrus.Logger) (*Cache, error) {
	if logger == nil {
		logger = discardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("cache: create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCache)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create bucket: %w", err)
	}

	return &Cache{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Set stores a value under key with the given TTL tier.
func (c *Cache) Set(key string, data any, ttl CacheTTL) error {
	raw, err := json.Marshal(data)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache set: marshal failed")
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}

	entry, err := json.Marshal(cacheEntry{Data: raw, Timestamp: c.now().UTC(), TTL: ttl})
	if err != nil {
		return fmt.Errorf("cache: marshal entry %s: %w", key, err)
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(key), entry)
	})
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache set failed")
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Get returns the cached value for key, or nil when missing or past its
// hard expiry. A stale entry (past the refresh threshold but within TTL) is
// still returned; staleness only matters to NeedsBackgroundRefresh.
func (c *Cache) Get(key string) json.RawMessage {
	entry, ok := c.getEntry(key)
	if !ok {
		return nil
	}
	if c.age(entry) > entry.TTL.Duration() {
		return nil
	}
	return entry.Data
}

// GetInto unmarshals the cached value into out. Returns false on miss,
// expiry, or decode failure.
func (c *Cache) GetInto(key string, out any) bool {
	data := c.Get(key)
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache get: unmarshal failed")
		return false
	}
	return true
}

// Exists reports whether a usable (non-expired) entry is present.
func (c *Cache) Exists(key string) bool {
	return c.Get(key) != nil
}

// Remove deletes an entry.
func (c *Cache) Remove(key string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Delete([]byte(key))
	})
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache remove failed")
		return fmt.Errorf("cache: remove %s: %w", key, err)
	}
	return nil
}

// Clear removes every cache entry. Only the cache bucket is touched, never
// unrelated stored data.
func (c *Cache) Clear() error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketCache); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketCache)
		return err
	})
	if err != nil {
		c.logger.WithError(err).Warn("cache clear failed")
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// IsExpired reports whether the entry is missing or past its hard TTL.
func (c *Cache) IsExpired(key string) bool {
	entry, ok := c.getEntry(key)
	if !ok {
		return true
	}
	return c.age(entry) > entry.TTL.Duration()
}

// NeedsBackgroundRefresh reports whether the entry is missing or past the
// soft refresh threshold. Fires well before IsExpired so background refresh
// happens before a user ever observes missing data.
func (c *Cache) NeedsBackgroundRefresh(key string) bool {
	entry, ok := c.getEntry(key)
	if !ok {
		return true
	}
	threshold := time.Duration(float64(entry.TTL.Duration()) * refreshFraction)
	return c.age(entry) > threshold
}

// Stats returns aggregate freshness counts across all entries.
func (c *Cache) Stats() CacheStats {
	var stats CacheStats
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).ForEach(func(_, v []byte) error {
			var entry cacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				stats.Expired++
				stats.Total++
				return nil
			}
			stats.Total++
			age := c.age(&entry)
			ttl := entry.TTL.Duration()
			threshold := time.Duration(float64(ttl) * refreshFraction)
			switch {
			case age > ttl:
				stats.Expired++
			case age > threshold:
				stats.Stale++
			default:
				stats.Fresh++
			}
			return nil
		})
	})
	if err != nil {
		c.logger.WithError(err).Warn("cache stats failed")
	}
	return stats
}

func (c *Cache) getEntry(key string) (*cacheEntry, bool) {
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCache).Get([]byte(key))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache read failed")
		return nil, false
	}
	if raw == nil {
		return nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache entry corrupt")
		return nil, false
	}
	return &entry, true
}

func (c *Cache) age(entry *cacheEntry) time.Duration {
	return c.now().UTC().Sub(entry.Timestamp)
}
