package convert

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/wudi/urlmd/internal/errors"
	"github.com/wudi/urlmd/internal/paywall"
)

// StaticFetchTimeout bounds one direct page fetch including redirects.
const StaticFetchTimeout = 20 * time.Second

// maxStaticBody caps a fetched document.
const maxStaticBody = 8 << 20

// DesktopUA is the default user agent for static fetches.
const DesktopUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// fetchResult is a completed static fetch. Non-2xx responses are
// returned as results, not errors; the orchestrator decides whether a
// paywall fallback applies.
type fetchResult struct {
	Body        string
	FinalURL    string
	StatusCode  int
	ContentType string
}

// staticFetch performs a direct GET with paywall-augmented headers.
// Redirect hops are re-validated by the client's safe dialer.
func staticFetch(ctx context.Context, client *http.Client, target *url.URL, extraHeaders map[string]string) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "build request")
	}
	req.Header.Set("User-Agent", DesktopUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/markdown;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	headers := map[string]string{}
	paywall.ApplyHeaders(target.Hostname(), headers)
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	for name, value := range extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.FromFetch(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStaticBody))
	if err != nil {
		return nil, errors.FromFetch(err)
	}

	return &fetchResult{
		Body:        string(body),
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: strings.ToLower(resp.Header.Get("Content-Type")),
	}, nil
}

// isMarkdownNative reports whether the response is already Markdown and
// needs no conversion.
func isMarkdownNative(contentType, finalURL string) bool {
	if strings.Contains(contentType, "text/markdown") || strings.Contains(contentType, "text/x-markdown") {
		return true
	}
	if strings.Contains(contentType, "text/plain") {
		if u, err := url.Parse(finalURL); err == nil {
			switch strings.ToLower(path.Ext(u.Path)) {
			case ".md", ".markdown":
				return true
			}
		}
	}
	return false
}

// convertibleContent reports whether the content type is one the
// pipeline can convert at all.
func convertibleContent(contentType string) bool {
	if contentType == "" {
		return true // some origins omit it; sniff by parsing
	}
	for _, ok := range []string{
		"text/html", "application/xhtml+xml", "text/markdown",
		"text/x-markdown", "text/plain", "application/xml",
		"text/xml", "application/rss+xml", "application/atom+xml",
		"application/json", // some feeds
	} {
		if strings.Contains(contentType, ok) {
			return true
		}
	}
	return false
}

// interstitialMarkers appear in anti-bot challenge pages that are
// served in place of content and resolve only with a real browser.
var interstitialMarkers = []string{
	"cf-challenge",
	"cf_chl_",
	"_incapsula_",
	"checking your browser",
	"document.location='/'",
	`document.location="/"`,
	"grecaptcha",
}

// looksInterstitial flags short bodies that are challenge pages rather
// than articles.
func looksInterstitial(body string) bool {
	if len(body) > 8000 {
		return false
	}
	lower := strings.ToLower(body)
	for _, marker := range interstitialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// loginMarkers disqualify a proxied body from being accepted as real
// content.
var loginMarkers = []string{
	"qrcode",
	"scan to log in",
	"please log in",
	"please sign in",
	"login-required",
}

// defaultAcceptMin is the minimum proxied body length considered real
// content. Tunable per deployment.
const defaultAcceptMin = 1200

// looksLikeContent is the proxy-retry acceptance check.
func looksLikeContent(body string, minLen int) bool {
	if minLen <= 0 {
		minLen = defaultAcceptMin
	}
	if len(body) < minLen {
		return false
	}
	lower := strings.ToLower(body)
	for _, marker := range loginMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
