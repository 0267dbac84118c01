package convert

import (
	"encoding/json"

	"github.com/wudi/urlmd/internal/errors"
	"github.com/wudi/urlmd/internal/safeurl"
)

// Output formats.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatText     = "text"
	FormatJSON     = "json"
)

// ValidFormat reports whether format names a supported serialization.
func ValidFormat(format string) bool {
	switch format {
	case FormatMarkdown, FormatHTML, FormatText, FormatJSON:
		return true
	}
	return false
}

// Result is one finished conversion.
type Result struct {
	URL      string `json:"url"`
	FinalURL string `json:"url_final,omitempty"`
	Title    string `json:"title,omitempty"`
	Markdown string `json:"markdown"`
	Method   string `json:"method"`
	Format   string `json:"format"`
	Cached   bool   `json:"cached"`

	// Text is the stripped-text rendering, populated for the text format.
	Text string `json:"-"`
	// NativeMarkdown is set when the source itself was Markdown.
	NativeMarkdown bool `json:"-"`
	// ContentHTML is the extracted article HTML; PageHTML is the full
	// acquired page. Both feed link discovery, never the wire.
	ContentHTML string `json:"-"`
	PageHTML    string `json:"-"`
}

// Serialize renders the result body and content type for the requested
// format.
func Serialize(res *Result, format string) (string, string, error) {
	switch format {
	case FormatMarkdown:
		return res.Markdown, "text/markdown; charset=utf-8", nil
	case FormatHTML:
		body := "<!DOCTYPE html>\n<html><body><pre>" + safeurl.EscapeHTML(res.Markdown) + "</pre></body></html>\n"
		return body, "text/html; charset=utf-8", nil
	case FormatText:
		if res.Text != "" {
			return res.Text, "text/plain; charset=utf-8", nil
		}
		return res.Markdown, "text/plain; charset=utf-8", nil
	case FormatJSON:
		raw, err := json.Marshal(res)
		if err != nil {
			return "", "", errors.Wrap(err, errors.KindInternal, "encode result")
		}
		return string(raw), "application/json; charset=utf-8", nil
	}
	return "", "", errors.Newf(errors.KindInvalidFormat, "unknown format %q", format)
}
