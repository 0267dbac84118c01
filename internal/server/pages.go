package server

import (
	"fmt"
	"net/http"

	"github.com/wudi/urlmd/internal/safeurl"
)

const landingHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>urlmd</title></head>
<body>
<h1>urlmd</h1>
<p>Convert any page to Markdown by prefixing its URL:</p>
<pre>GET /https://example.com/article</pre>
<p>Query parameters: <code>format</code> (markdown, html, text, json),
<code>selector</code>, <code>raw=true</code>, <code>force_browser=true</code>,
<code>no_cache=true</code>.</p>
<p>API: <code>GET /api/stream?url=</code> (SSE),
<code>POST /api/batch</code>, <code>POST /api/deepcrawl</code>,
<code>POST /api/extract</code>. See <code>/healthz</code> and
<code>/metrics</code> for operations.</p>
</body>
</html>
`

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, landingHTML)
}

// handleOGImage renders a 1200x630 social preview card as SVG.
func (s *Server) handleOGImage(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	if title == "" {
		title = "urlmd"
	}
	if len(title) > 120 {
		title = title[:120]
	}
	escaped := safeurl.EscapeHTML(title)

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	fmt.Fprintf(w, `<svg xmlns="http://www.w3.org/2000/svg" width="1200" height="630" viewBox="0 0 1200 630">
<rect width="1200" height="630" fill="#1a1a2e"/>
<rect x="40" y="40" width="1120" height="550" rx="16" fill="#16213e"/>
<text x="80" y="200" font-family="Georgia, serif" font-size="48" fill="#e8e8e8">%s</text>
<text x="80" y="560" font-family="monospace" font-size="28" fill="#7a7a9d">urlmd</text>
</svg>
`, escaped)
}
