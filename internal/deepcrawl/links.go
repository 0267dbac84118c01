package deepcrawl

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wudi/urlmd/internal/safeurl"
)

// link is a discovered outbound edge.
type link struct {
	URL    *url.URL
	Anchor string
}

// extractLinks pulls anchors from each HTML fragment, resolves them
// against base, and dedupes on the normalized URL. Non-http(s) and
// fragment-only links are dropped.
func extractLinks(base *url.URL, htmls ...string) []link {
	seen := make(map[string]bool)
	var out []link
	for _, html := range htmls {
		if html == "" {
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			continue
		}
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			href = strings.TrimSpace(href)
			if href == "" || strings.HasPrefix(href, "#") {
				return
			}
			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			u := base.ResolveReference(ref)
			if u.Scheme != "http" && u.Scheme != "https" {
				return
			}
			u.Fragment = ""
			key := u.String()
			if seen[key] {
				return
			}
			seen[key] = true
			out = append(out, link{URL: u, Anchor: strings.TrimSpace(sel.Text())})
		})
	}
	return out
}

// allowed applies the filter rules. Deny rules win; with no allow
// domains the crawl stays on the seed's registerable domain.
func allowed(u *url.URL, f Filters, seedDomain string) bool {
	host := strings.ToLower(u.Hostname())
	for _, d := range f.DenyDomains {
		if domainMatch(host, d) {
			return false
		}
	}
	if len(f.AllowDomains) > 0 {
		ok := false
		for _, d := range f.AllowDomains {
			if domainMatch(host, d) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	} else if safeurl.RegisterableDomain(host) != seedDomain {
		return false
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, p := range f.DenyPaths {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	if len(f.AllowPaths) > 0 {
		for _, p := range f.AllowPaths {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}
	return true
}

// domainMatch reports whether host equals the pattern or is a
// subdomain of it. A leading "*." or "." on the pattern is stripped.
func domainMatch(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(pattern, "*."), "."))
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// score sums keyword occurrences over the anchor text and URL path.
func (s *Scorer) score(anchor string, u *url.URL) float64 {
	if len(s.Keywords) == 0 {
		return 0
	}
	anchor = strings.ToLower(anchor)
	path := strings.ToLower(u.Path)
	var hits int
	for _, kw := range s.Keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		hits += strings.Count(anchor, kw)
		hits += strings.Count(path, kw)
	}
	return float64(hits) * s.Weight
}
