// Package retrytoken holds short-lived cookie captures keyed by opaque
// tokens, so browser adapters can signal "retry via proxy with these
// cookies" without cookie values ever appearing in error messages or logs.
package retrytoken

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Marker prefixes the opaque token inside adapter error messages.
	Marker = "PROXY_RETRY_TOKEN:"
	// LegacyMarker is the older in-band form carrying raw cookies.
	LegacyMarker = "PROXY_RETRY:"

	// TTL is how long a token stays redeemable.
	TTL = 2 * time.Minute
	// MaxEntries bounds the store; the oldest entry is evicted when full.
	MaxEntries = 256
)

// Cookie is a single captured browser cookie.
type Cookie struct {
	Name  string
	Value string
}

type entry struct {
	cookieHeader string
	createdAt    time.Time
	expiresAt    time.Time
}

// Store is a bounded TTL map of token → cookie header.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// CreateSignal normalizes cookies into a single "name=value; ..." header,
// stores it under a fresh token, and returns the opaque marker string an
// adapter embeds in its error message.
func (s *Store) CreateSignal(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	header := strings.Join(parts, "; ")

	token := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	s.prune(now)
	if len(s.entries) >= MaxEntries {
		s.evictOldest()
	}
	s.entries[token] = &entry{
		cookieHeader: header,
		createdAt:    now,
		expiresAt:    now.Add(TTL),
	}
	s.mu.Unlock()

	return Marker + token
}

// ConsumeCookies returns the cookie header for a token exactly once.
// The entry is deleted on read; expired or unknown tokens return "".
func (s *Store) ConsumeCookies(token string) string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)

	e, ok := s.entries[token]
	if !ok {
		return ""
	}
	delete(s.entries, token)
	if now.After(e.expiresAt) {
		return ""
	}
	return e.cookieHeader
}

// Len returns the live entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// prune drops expired entries. Caller holds the lock.
func (s *Store) prune(now time.Time) {
	for token, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, token)
		}
	}
}

// evictOldest removes the entry with the earliest createdAt. Caller holds the lock.
func (s *Store) evictOldest() {
	var oldestToken string
	var oldestAt time.Time
	for token, e := range s.entries {
		if oldestToken == "" || e.createdAt.Before(oldestAt) {
			oldestToken = token
			oldestAt = e.createdAt
		}
	}
	if oldestToken != "" {
		delete(s.entries, oldestToken)
	}
}

// ExtractToken parses the opaque marker out of an error message,
// returning the token and true when present.
func ExtractToken(message string) (string, bool) {
	idx := strings.Index(message, Marker)
	if idx < 0 {
		return "", false
	}
	rest := message[idx+len(Marker):]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\r' || r == '\t' || r == ')' || r == '"'
	})
	if end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// ExtractLegacyCookies parses the legacy in-band marker, returning the
// raw cookie header. Callers must redact it before logging; see Redact.
func ExtractLegacyCookies(message string) (string, bool) {
	idx := strings.Index(message, LegacyMarker)
	if idx < 0 {
		return "", false
	}
	cookies := strings.TrimSpace(message[idx+len(LegacyMarker):])
	if cookies == "" {
		return "", false
	}
	return cookies, true
}

// Redact replaces any legacy in-band cookie payload in a message so it
// can be logged safely. Token markers are left intact (they are opaque).
func Redact(message string) string {
	idx := strings.Index(message, LegacyMarker)
	if idx < 0 {
		return message
	}
	return fmt.Sprintf("%s%s[redacted]", message[:idx], LegacyMarker)
}
