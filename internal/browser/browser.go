// Package browser provides the headless-rendering seam: a concurrency
// gate, a Page abstraction site adapters drive, and a Renderer that
// executes a render request in a fresh browser tab.
package browser

import (
	"context"
	"time"
)

// DefaultNavigationTimeout bounds a single page render.
const DefaultNavigationTimeout = 30 * time.Second

// Cookie is a browser cookie captured after rendering.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// Page is the subset of browser-tab operations adapters may use.
// Implementations: chromePage (real), fakes in tests.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, js string, out any) error
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Sleep(ctx context.Context, d time.Duration) error
}

// Request describes one render.
type Request struct {
	URL          string
	UserAgent    string            // empty keeps the browser default
	Headers      map[string]string // extra headers, e.g. Cookie
	WaitSelector string            // optional readiness selector
	Timeout      time.Duration     // navigation budget, DefaultNavigationTimeout when zero

	// Configure runs after headers are applied and before navigation.
	Configure func(ctx context.Context, p Page) error
	// Extract runs after navigation; when nil the full document HTML is
	// taken. A returned error aborts the render (adapters use this to
	// signal proxy retries).
	Extract func(ctx context.Context, p Page) (string, error)
}

// Result is a completed render.
type Result struct {
	HTML     string
	FinalURL string
}

// Renderer executes render requests.
type Renderer interface {
	Render(ctx context.Context, req *Request) (*Result, error)
	Close() error
}
