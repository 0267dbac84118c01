package deepcrawl

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/wudi/urlmd/internal/logging"
)

// robotsUA is the product token matched against robots.txt groups.
const robotsUA = "urlmd"

const robotsFetchTimeout = 5 * time.Second

// robotsCache fetches and caches per-origin robots.txt groups. Fetch
// failures are treated as allow-all, so an unreachable robots.txt never
// stalls a crawl.
type robotsCache struct {
	client *http.Client
	mu     sync.Mutex
	groups map[string]*robotstxt.Group
}

func newRobotsCache(client *http.Client) *robotsCache {
	if client == nil {
		client = &http.Client{Timeout: robotsFetchTimeout}
	}
	return &robotsCache{client: client, groups: make(map[string]*robotstxt.Group)}
}

// Allowed reports whether the crawl may fetch u.
func (r *robotsCache) Allowed(ctx context.Context, u *url.URL) bool {
	origin := u.Scheme + "://" + u.Host

	r.mu.Lock()
	group, ok := r.groups[origin]
	r.mu.Unlock()
	if !ok {
		group = r.fetch(ctx, origin)
		r.mu.Lock()
		r.groups[origin] = group
		r.mu.Unlock()
	}
	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

func (r *robotsCache) fetch(ctx context.Context, origin string) *robotstxt.Group {
	ctx, cancel := context.WithTimeout(ctx, robotsFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	resp, err := r.client.Do(req)
	if err != nil {
		logging.Debug("robots.txt fetch failed", zap.String("origin", origin), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data.FindGroup(robotsUA)
}
