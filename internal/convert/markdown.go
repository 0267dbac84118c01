// Package convert turns fetched pages into Markdown. The orchestrator
// in this package drives the whole pipeline: cache, adapters, static or
// browser fetch, proxy retries, paywall fallbacks, conversion.
package convert

import (
	"net/url"
	"regexp"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/microcosm-cc/bluemonday"

	"github.com/wudi/urlmd/internal/errors"
)

// minReadableText is the floor under which a readability extraction is
// considered to have missed the article and the raw HTML is used
// instead.
const minReadableText = 200

// Document is the output of HTML-to-Markdown conversion.
type Document struct {
	Markdown    string
	Title       string
	ContentHTML string
}

var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
	spaceRe      = regexp.MustCompile(`\s+`)
)

func init() {
	ugcPolicy.AllowDataURIImages()
}

// HTMLToMarkdown extracts the readable article from html, optionally
// scoped to a CSS selector, and converts it to Markdown.
func HTMLToMarkdown(html string, pageURL *url.URL, selector string) (*Document, error) {
	if strings.TrimSpace(html) == "" {
		return nil, errors.New(errors.KindFetchFailed, "empty document")
	}

	scoped, title, err := scopeHTML(html, selector)
	if err != nil {
		return nil, err
	}

	content := scoped
	article, err := readability.FromReader(strings.NewReader(scoped), pageURL)
	if err == nil {
		var textBuf strings.Builder
		if article.RenderText(&textBuf) == nil && len(strings.TrimSpace(textBuf.String())) >= minReadableText {
			var htmlBuf strings.Builder
			if article.RenderHTML(&htmlBuf) == nil && strings.TrimSpace(htmlBuf.String()) != "" {
				content = htmlBuf.String()
			}
		}
		if article.Title() != "" {
			title = article.Title()
		}
	}

	content = ugcPolicy.Sanitize(content)
	md, err := htmltomarkdown.ConvertString(content)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "markdown conversion failed")
	}
	return &Document{
		Markdown:    strings.TrimSpace(md),
		Title:       title,
		ContentHTML: content,
	}, nil
}

// scopeHTML narrows the document to the selector when one is given and
// matches; a missing match keeps the whole document. The page title is
// recovered before scoping discards <head>.
func scopeHTML(html, selector string) (scoped, title string, err error) {
	if selector == "" {
		doc, derr := goquery.NewDocumentFromReader(strings.NewReader(html))
		if derr == nil {
			title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		return html, title, nil
	}
	if _, err := cascadia.Parse(selector); err != nil {
		return "", "", errors.Newf(errors.KindInvalidSelector, "invalid selector %q", selector)
	}
	doc, derr := goquery.NewDocumentFromReader(strings.NewReader(html))
	if derr != nil {
		return "", "", errors.Wrap(derr, errors.KindInvalidRequest, "unparsable HTML")
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return html, title, nil
	}
	var sb strings.Builder
	sel.Each(func(_ int, s *goquery.Selection) {
		if out, oerr := goquery.OuterHtml(s); oerr == nil {
			sb.WriteString(out)
		}
	})
	if sb.Len() == 0 {
		return html, title, nil
	}
	return sb.String(), title, nil
}

// PlainText strips all markup and collapses whitespace.
func PlainText(html string) string {
	text := strictPolicy.Sanitize(html)
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// RewriteImageURLs maps every <img src> through rewrite; returning the
// input src keeps it unchanged. Used to route hotlink-protected images
// through the /img/ proxy.
func RewriteImageURLs(html string, rewrite func(src string) string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	changed := false
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if mapped := rewrite(src); mapped != src {
			s.SetAttr("src", mapped)
			changed = true
		}
	})
	if !changed {
		return html
	}
	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}
