package cache

import (
	"testing"
	"time"
)

func TestKeyDeterministic(t *testing.T) {
	a := Key("https://example.com/x", "markdown", "", false)
	b := Key("https://example.com/x", "markdown", "", false)
	if a != b {
		t.Errorf("same inputs produced %q and %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("key length = %d, want 16", len(a))
	}
}

func TestKeyVariesWithOptions(t *testing.T) {
	base := Key("https://example.com/x", "markdown", "", false)
	variants := []string{
		Key("https://example.com/y", "markdown", "", false),
		Key("https://example.com/x", "html", "", false),
		Key("https://example.com/x", "markdown", ".article", false),
		Key("https://example.com/x", "markdown", "", true),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base key", i)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"https://example.com:8443/a", "https://example.com:8443/a"},
		{"https://example.com/a/", "https://example.com/a"},
		{"https://example.com/", "https://example.com/"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"https://example.com/a?utm_source=x&q=1", "https://example.com/a?q=1"},
		{"https://example.com/a?fbclid=abc", "https://example.com/a"},
		{"https://example.com/a?gclid=1&utm_medium=m&keep=y", "https://example.com/a?keep=y"},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	c := New(NewMemoryStore(10))
	key := Key("https://example.com/a", "markdown", "", false)

	if _, ok := c.Get(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	c.Set(key, &Entry{Content: "# Hi", Title: "Hi", Method: "native", Format: "markdown"}, DefaultTTL)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Content != "# Hi" || got.Method != "native" {
		t.Errorf("entry = %+v", got)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryStoreEntryExpiry(t *testing.T) {
	store := NewMemoryStore(10)
	entry := &Entry{Content: "x", ExpiresAt: time.Now().Add(-time.Second)}
	store.Set("k", entry, ShortTTL)
	if _, ok := store.Get("k"); ok {
		t.Error("expired entry returned")
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	store := NewMemoryStore(2)
	c := New(store)
	c.Set("a", &Entry{Content: "a"}, DefaultTTL)
	c.Set("b", &Entry{Content: "b"}, DefaultTTL)
	c.Set("c", &Entry{Content: "c"}, DefaultTTL)

	if store.Stats().Size > 2 {
		t.Errorf("size = %d, want <= 2", store.Stats().Size)
	}
	if store.Stats().Evictions == 0 {
		t.Error("expected an eviction")
	}
	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry survived eviction")
	}
}

func TestCacheDeleteAndPurge(t *testing.T) {
	c := New(NewMemoryStore(10))
	c.Set("a", &Entry{Content: "a"}, DefaultTTL)
	c.Set("b", &Entry{Content: "b"}, DefaultTTL)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("deleted entry still present")
	}
	c.Purge()
	if _, ok := c.Get("b"); ok {
		t.Error("purged entry still present")
	}
}
