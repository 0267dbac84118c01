package paywall

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wudi/urlmd/internal/safeurl"
)

// minArticleBody is the floor below which a JSON-LD articleBody is
// considered a teaser rather than the article.
const minArticleBody = 200

// articleTypes are the JSON-LD @type values treated as articles.
var articleTypes = map[string]bool{
	"Article":               true,
	"NewsArticle":           true,
	"BlogPosting":           true,
	"ReportageNewsArticle":  true,
	"ScholarlyArticle":      true,
	"TechArticle":           true,
	"LiveBlogPosting":       true,
	"AnalysisNewsArticle":   true,
	"BackgroundNewsArticle": true,
	"OpinionNewsArticle":    true,
}

var jsonLdScriptRe = regexp.MustCompile(`(?is)<script[^>]*type\s*=\s*["']application/ld\+json["'][^>]*>(.*?)</script>`)

// ExtractJSONLDArticle scans every ld+json script block, walks @graph
// and top-level arrays, and returns HTML synthesized from the longest
// qualifying articleBody. Empty result means no usable article.
func ExtractJSONLDArticle(html string) string {
	var bestBody, bestHeadline string
	for _, m := range jsonLdScriptRe.FindAllStringSubmatch(html, -1) {
		blob := strings.TrimSpace(m[1])
		if !gjson.Valid(blob) {
			continue
		}
		walkJSONLD(gjson.Parse(blob), func(headline, body string) {
			if len(body) > len(bestBody) {
				bestBody, bestHeadline = body, headline
			}
		})
	}
	if bestBody == "" {
		return ""
	}
	return renderArticleHTML(bestHeadline, bestBody)
}

// walkJSONLD visits a JSON-LD value, descending into arrays and @graph.
func walkJSONLD(v gjson.Result, visit func(headline, body string)) {
	if v.IsArray() {
		v.ForEach(func(_, item gjson.Result) bool {
			walkJSONLD(item, visit)
			return true
		})
		return
	}
	if !v.IsObject() {
		return
	}
	if graph := v.Get("@graph"); graph.Exists() {
		walkJSONLD(graph, visit)
	}
	if !isArticleType(v.Get("@type")) {
		return
	}
	body := v.Get("articleBody")
	if body.Type != gjson.String || len(body.Str) < minArticleBody {
		return
	}
	visit(v.Get("headline").String(), body.Str)
}

// isArticleType handles @type as a string or an array of strings.
func isArticleType(t gjson.Result) bool {
	if t.Type == gjson.String {
		return articleTypes[t.Str]
	}
	if t.IsArray() {
		found := false
		t.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String && articleTypes[item.Str] {
				found = true
				return false
			}
			return true
		})
		return found
	}
	return false
}

// renderArticleHTML turns a plain-text body into paragraph-split HTML
// with the headline, ready for the markdown stage.
func renderArticleHTML(headline, body string) string {
	var b strings.Builder
	b.WriteString("<article>")
	if headline != "" {
		fmt.Fprintf(&b, "<h1>%s</h1>", safeurl.EscapeHTML(headline))
	}
	for _, para := range regexp.MustCompile(`\n+`).Split(body, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		fmt.Fprintf(&b, "<p>%s</p>", safeurl.EscapeHTML(para))
	}
	b.WriteString("</article>")
	return b.String()
}
