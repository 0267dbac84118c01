package paywall

import (
	"regexp"
	"strings"
)

// paywallPhrases mark an interrupted article regardless of body length.
var paywallPhrases = []string{
	"subscribe to continue reading",
	"subscription required",
	"this article is for subscribers",
	"to continue reading, subscribe",
	"already a subscriber?",
	"sign in to continue reading",
	"create a free account to continue",
	"register to continue",
	"you have reached your article limit",
	"unlock this article",
}

var tagStripRe = regexp.MustCompile(`(?s)<[^>]*>`)
var spaceRe = regexp.MustCompile(`\s+`)

// strippedText removes tags and collapses whitespace; good enough for
// length heuristics, not for display.
func strippedText(html string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(tagStripRe.ReplaceAllString(html, " "), " "))
}

// LooksPaywalled reports whether HTML smells like a paywall interstitial:
// lots of markup with almost no text, or a known blocking phrase.
func LooksPaywalled(html string) bool {
	if len(html) > 10000 && len(strippedText(html)) < 500 {
		return true
	}
	lower := strings.ToLower(html)
	for _, phrase := range paywallPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// paywallElementRes strip overlay/regwall elements by class, id, and
// attribute. Regex surgery is deliberately permissive; input size is
// capped upstream.
var paywallElementRes = buildElementRes([]string{
	"paywall",
	"piano-modal",
	"tp-modal",
	"tp-backdrop",
	"tp-iframe-wrapper",
	"regwall",
	"reg-gate",
	"metered-content-gate",
	"subscribe-overlay",
	"subscription-overlay",
	"subscription-barrier",
	"gateway-content",
	"persistent-banner",
})

func buildElementRes(names []string) []*regexp.Regexp {
	var res []*regexp.Regexp
	for _, name := range names {
		for _, tag := range []string{"div", "section", "aside", "article"} {
			res = append(res, regexp.MustCompile(
				`(?is)<`+tag+`[^>]*(?:class|id)\s*=\s*["'][^"']*`+regexp.QuoteMeta(name)+`[^"']*["'][^>]*>.*?</`+tag+`>`))
		}
	}
	// Attribute forms.
	res = append(res,
		regexp.MustCompile(`(?is)<div[^>]*data-testid\s*=\s*["']paywall[^"']*["'][^>]*>.*?</div>`),
		regexp.MustCompile(`(?is)<div[^>]*data-paywall[^>]*>.*?</div>`),
	)
	return res
}

// articleBodyClampRe finds inline truncation styles on article-body
// containers (max-height + overflow clamps that paywalls lean on).
var articleBodyClampRe = regexp.MustCompile(`(?is)(<[^>]*class\s*=\s*["'][^"']*article-body[^"']*["'][^>]*?)\s+style\s*=\s*["'][^"']*["']`)

// RemovePaywallElements strips overlay elements and un-clamps truncated
// article bodies.
func RemovePaywallElements(html string) string {
	for _, re := range paywallElementRes {
		html = re.ReplaceAllString(html, "")
	}
	return articleBodyClampRe.ReplaceAllString(html, "$1")
}

// AMP link detection, tolerant of either attribute order and quote style.
var ampLinkRes = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<link[^>]*rel\s*=\s*["']amphtml["'][^>]*href\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?is)<link[^>]*href\s*=\s*["']([^"']+)["'][^>]*rel\s*=\s*["']amphtml["']`),
}

// ExtractAMPLink returns the amphtml alternate URL, or "".
func ExtractAMPLink(html string) string {
	for _, re := range ampLinkRes {
		if m := re.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	return ""
}

var ampAccessRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s+subscriptions-section\s*=\s*["']content-not-granted["']`),
	regexp.MustCompile(`(?i)\s+amp-access-hide(\s*=\s*["'][^"']*["'])?`),
	regexp.MustCompile(`(?i)\s+subscriptions-display\s*=\s*["'][^"']*["']`),
}

// StripAMPAccessControls removes the AMP subscription-gating attributes
// so gated sections render.
func StripAMPAccessControls(html string) string {
	for _, re := range ampAccessRes {
		html = re.ReplaceAllString(html, "")
	}
	return html
}
