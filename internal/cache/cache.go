// Package cache persists resolved channel URLs between runs so a tune
// request can be answered without waiting for a live playlist parse.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/swinder0161/iptv-engine/internal/metrics"
)

// Namespaces for the two URL kinds kept in the cache.
const (
	NamespaceStream  = "stream"
	NamespaceLicense = "license"
)

const keySyncTime = "sync_time"

// Cache is a sqlite-backed channel-id → URL store with one shared
// last-write timestamp used for staleness checks. All writes fully
// replace the previous contents.
type Cache struct {
	log logrus.FieldLogger
	now func() time.Time

	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the cache database at path.
func Open(log logrus.FieldLogger, path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS urls (
			namespace  TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			url        TEXT NOT NULL,
			PRIMARY KEY (namespace, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to create cache schema: %w", err)
		}
	}

	return &Cache{
		log: log.WithField("component", "cache"),
		now: time.Now,
		db:  db,
	}, nil
}

// Save replaces the cached stream and license URLs and stamps the shared
// sync time.
func (c *Cache) Save(streams, licenses map[string]string, syncTime time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM urls`); err != nil {
		return fmt.Errorf("failed to clear cached urls: %w", err)
	}

	for _, ns := range []struct {
		name string
		urls map[string]string
	}{
		{NamespaceStream, streams},
		{NamespaceLicense, licenses},
	} {
		for id, url := range ns.urls {
			if _, err := tx.Exec(
				`INSERT INTO urls (namespace, channel_id, url) VALUES (?, ?, ?)`,
				ns.name, id, url,
			); err != nil {
				return fmt.Errorf("failed to insert cached url: %w", err)
			}
		}
	}

	millis := strconv.FormatInt(syncTime.UnixMilli(), 10)

	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		keySyncTime, millis,
	); err != nil {
		return fmt.Errorf("failed to stamp sync time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache transaction: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"streams":  len(streams),
		"licenses": len(licenses),
	}).Debug("Cache saved")

	return nil
}

// Get returns the cached URL for a channel in the given namespace. It
// reports false when the entry is absent or the shared sync time is
// missing or older than maxAge.
func (c *Cache) Get(namespace, channelID string, maxAge time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	syncTime, ok := c.syncTime()
	if !ok || c.now().Sub(syncTime) > maxAge {
		metrics.CacheLookups.WithLabelValues("stale").Inc()

		return "", false
	}

	var url string

	err := c.db.QueryRow(
		`SELECT url FROM urls WHERE namespace = ? AND channel_id = ?`,
		namespace, channelID,
	).Scan(&url)

	if errors.Is(err, sql.ErrNoRows) || url == "" {
		metrics.CacheLookups.WithLabelValues("miss").Inc()

		return "", false
	}

	if err != nil {
		c.log.WithError(err).Warn("Cache lookup failed")
		metrics.CacheLookups.WithLabelValues("miss").Inc()

		return "", false
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()

	return url, true
}

// SyncTime returns the shared last-write timestamp, if any.
func (c *Cache) SyncTime() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.syncTime()
}

func (c *Cache) syncTime() (time.Time, bool) {
	var value string

	err := c.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, keySyncTime).Scan(&value)
	if err != nil {
		return time.Time{}, false
	}

	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(millis), true
}

// Clear wipes both namespaces and the sync time, forcing the next lookup
// to perform a live parse.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec(`DELETE FROM urls`); err != nil {
		return fmt.Errorf("failed to clear cached urls: %w", err)
	}

	if _, err := c.db.Exec(`DELETE FROM meta`); err != nil {
		return fmt.Errorf("failed to clear cache metadata: %w", err)
	}

	c.log.Info("Cache cleared")

	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
