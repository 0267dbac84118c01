package adapters

import (
	"net/url"
	"regexp"
	"strings"
)

// redditAdapter rewrites threads to old.reddit.com, which still serves
// complete server-rendered HTML, then trims the page down to the post
// listing.
type redditAdapter struct{}

func (redditAdapter) Name() string        { return "reddit" }
func (redditAdapter) AlwaysBrowser() bool { return false }

func (redditAdapter) Match(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == "reddit.com" || strings.HasSuffix(host, ".reddit.com") ||
		host == "redd.it"
}

func (redditAdapter) TransformURL(u *url.URL) *url.URL {
	out := *u
	host := strings.ToLower(u.Hostname())
	if host == "reddit.com" || host == "www.reddit.com" {
		out.Host = "old.reddit.com"
	}
	return &out
}

var (
	redditHeaderRe  = regexp.MustCompile(`(?is)<header\b[^>]*>.*?</header>`)
	redditSideRe    = regexp.MustCompile(`(?is)<div[^>]+class="[^"]*\bside\b[^"]*"[^>]*>.*?</div>`)
	redditFooterRe  = regexp.MustCompile(`(?is)<div[^>]+class="[^"]*footer-parent[^"]*"[^>]*>.*?$`)
	redditCommentRe = regexp.MustCompile(`(?i)<div[^>]+class="[^"]*\bcommentarea\b`)
)

// PostProcess keeps the siteTable listing and drops site chrome plus
// everything from the comment area down.
func (redditAdapter) PostProcess(html string) string {
	if loc := redditCommentRe.FindStringIndex(html); loc != nil {
		html = html[:loc[0]]
	}
	html = redditHeaderRe.ReplaceAllString(html, "")
	html = redditSideRe.ReplaceAllString(html, "")
	html = redditFooterRe.ReplaceAllString(html, "")
	return html
}
