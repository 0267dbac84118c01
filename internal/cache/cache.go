// Package cache stores finished conversions so repeat requests for the
// same URL and options skip the fetch pipeline entirely.
package cache

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// TTLs for conversion entries. Short entries cover results obtained
// through degraded paths (proxy, archive snapshots) that are worth
// retrying sooner.
const (
	DefaultTTL = time.Hour
	ShortTTL   = 10 * time.Minute
)

// Entry is one cached conversion result.
type Entry struct {
	Content   string
	Title     string
	Method    string
	Format    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry's own deadline has passed. Backends
// may hold entries slightly past it.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Cache wraps a Store with hit/miss accounting and expiry checks.
type Cache struct {
	store  Store
	hits   atomic.Int64
	misses atomic.Int64
}

func New(store Store) *Cache {
	return &Cache{store: store}
}

func (c *Cache) Get(key string) (*Entry, bool) {
	entry, ok := c.store.Get(key)
	if !ok || entry.Expired(time.Now()) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry, true
}

func (c *Cache) Set(key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	c.store.Set(key, entry, ttl)
}

func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}

func (c *Cache) Purge() {
	c.store.Purge()
}

// Stats returns backend stats plus hit/miss counters.
func (c *Cache) Stats() CacheStats {
	s := c.store.Stats()
	return CacheStats{
		Size:      s.Size,
		MaxSize:   s.MaxSize,
		Evictions: s.Evictions,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
	}
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Key fingerprints everything that affects a conversion's output. Two
// requests collide only when they would produce identical results.
func Key(normalizedURL, format, selector string, forceBrowser bool) string {
	h := xxhash.New()
	h.WriteString(normalizedURL)
	h.WriteString("\x00")
	h.WriteString(format)
	h.WriteString("\x00")
	h.WriteString(selector)
	h.WriteString("\x00")
	if forceBrowser {
		h.WriteString("1")
	} else {
		h.WriteString("0")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Tracking params stripped during normalization so shared links hit
// the same entry.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"spm":     true,
	"ref_src": true,
	"_ga":     true,
}

// NormalizeURL canonicalizes a URL for cache keying: lowercased scheme
// and host, default ports and fragments dropped, tracking query params
// removed, trailing slash trimmed from non-root paths.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if trackingParams[name] || strings.HasPrefix(name, "utm_") {
				q.Del(name)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
