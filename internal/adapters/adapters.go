// Package adapters holds per-site conversion strategies. An adapter
// declares which hosts it serves and opts into capabilities: URL
// rewriting, browser configuration and extraction, HTML post-processing,
// or fetching content directly from a site API.
package adapters

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/wudi/urlmd/internal/browser"
)

// MobileUA is the user agent used for sites that only serve readable
// markup to phones.
const MobileUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"

// CapturedImage is an image harvested inside the browser, typically a
// canvas snapshot of content that has no fetchable URL.
type CapturedImage struct {
	SourceURL string
	DataURL   string
}

// State is per-conversion scratch shared between an adapter's browser
// hooks and the orchestrator.
type State struct {
	Images []CapturedImage

	// SignalProxyRetry converts captured cookies into an opaque retry
	// marker. An adapter embeds the marker in its error message to
	// request a cookied re-fetch through the HTTP proxy.
	SignalProxyRetry func(cookies []browser.Cookie) string
}

// Adapter is the minimal contract every site strategy implements.
// Optional behavior comes from the capability interfaces below.
type Adapter interface {
	Name() string
	Match(u *url.URL) bool
	AlwaysBrowser() bool
}

// URLTransformer rewrites the URL before any fetching happens.
type URLTransformer interface {
	TransformURL(u *url.URL) *url.URL
}

// BrowserConfigurer customizes the render request (user agent, wait
// selector, timeout, pre-navigation hooks).
type BrowserConfigurer interface {
	ConfigureBrowser(req *browser.Request)
}

// PageExtractor pulls content out of a rendered page instead of taking
// the full document HTML.
type PageExtractor interface {
	ExtractPage(ctx context.Context, p browser.Page, st *State) (string, error)
}

// PostProcessor rewrites fetched HTML before conversion.
type PostProcessor interface {
	PostProcess(html string) string
}

// DirectFetcher synthesizes HTML from a site API without fetching the
// page itself.
type DirectFetcher interface {
	FetchDirect(ctx context.Context, client *http.Client, u *url.URL) (string, error)
}

// ImageProxier marks image URLs that must be served through the /img/
// proxy because the origin requires referer headers or blocks hotlinks.
type ImageProxier interface {
	NeedsImageProxy(imgURL string) bool
}

// Registry is the fixed-order adapter list. First match wins; Generic
// sits last and matches everything.
type Registry struct {
	adapters []Adapter
}

// NewRegistry builds the default registry.
func NewRegistry() *Registry {
	return &Registry{adapters: []Adapter{
		&wechatAdapter{},
		&zhihuAdapter{base{name: "zhihu", domains: []string{"zhihu.com"}, alwaysBrowser: true}},
		&yuqueAdapter{base{name: "yuque", domains: []string{"yuque.com"}, alwaysBrowser: true}},
		&notionAdapter{base{name: "notion", domains: []string{"notion.site", "notion.so"}, alwaysBrowser: true}},
		&juejinAdapter{base{name: "juejin", domains: []string{"juejin.cn", "juejin.im"}}},
		&csdnAdapter{base{name: "csdn", domains: []string{"csdn.net"}}},
		&kr36Adapter{base{name: "36kr", domains: []string{"36kr.com"}, alwaysBrowser: true}},
		&toutiaoAdapter{base{name: "toutiao", domains: []string{"toutiao.com"}, alwaysBrowser: true}},
		&neteaseAdapter{base{name: "netease", domains: []string{"163.com"}}},
		&weiboAdapter{base{name: "weibo", domains: []string{"weibo.com", "weibo.cn"}, alwaysBrowser: true}},
		&redditAdapter{},
		&twitterAdapter{},
		&feishuAdapter{},
		&genericAdapter{},
	}}
}

// Get returns the first adapter whose Match accepts the URL. Generic
// guarantees a non-nil result.
func (r *Registry) Get(u *url.URL) Adapter {
	for _, a := range r.adapters {
		if a.Match(u) {
			return a
		}
	}
	return r.adapters[len(r.adapters)-1]
}

// AlwaysNeedsBrowser reports whether the matched adapter mandates
// headless rendering.
func (r *Registry) AlwaysNeedsBrowser(u *url.URL) bool {
	return r.Get(u).AlwaysBrowser()
}

// Names lists registry order, for the stats API.
func (r *Registry) Names() []string {
	names := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		names[i] = a.Name()
	}
	return names
}

// base supplies the common Adapter plumbing for host-matched adapters.
type base struct {
	name          string
	domains       []string
	alwaysBrowser bool
}

func (b *base) Name() string        { return b.name }
func (b *base) AlwaysBrowser() bool { return b.alwaysBrowser }

func (b *base) Match(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, d := range b.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// hostSuffix reports whether rawURL's host is domain or a subdomain of
// it. Unparsable URLs never match.
func hostSuffix(rawURL, domain string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}
