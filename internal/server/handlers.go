package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/urlmd/internal/convert"
	"github.com/wudi/urlmd/internal/deepcrawl"
	"github.com/wudi/urlmd/internal/dispatch"
	"github.com/wudi/urlmd/internal/errors"
	"github.com/wudi/urlmd/internal/extractors"
	"github.com/wudi/urlmd/internal/logging"
	"github.com/wudi/urlmd/internal/paywall"
	"github.com/wudi/urlmd/internal/safeurl"
)

// conversionParams are query keys consumed by the service itself;
// everything else belongs to the target URL.
var conversionParams = map[string]bool{
	"format": true, "selector": true, "raw": true,
	"force_browser": true, "no_cache": true,
}

// Path cleaning collapses "https://" to "https:/"; restore it.
var schemeFixRe = regexp.MustCompile(`^(https?):/([^/])`)

func writeError(w http.ResponseWriter, err error) {
	if ce, ok := errors.AsConvertError(err); ok {
		ce.WriteJSON(w)
		return
	}
	errors.Wrap(err, errors.KindInternal, "internal error").WriteJSON(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleConvert serves GET /<url>: the unmatched-path catch-all.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, errors.New(errors.KindInvalidRequest, "method not allowed"))
		return
	}

	target := strings.TrimPrefix(r.URL.Path, "/")
	target = schemeFixRe.ReplaceAllString(target, "$1://$2")
	if target == "" {
		writeError(w, errors.New(errors.KindInvalidURL, "empty URL"))
		return
	}

	q := r.URL.Query()
	opts := convert.Options{
		Format:       q.Get("format"),
		Selector:     q.Get("selector"),
		NoCache:      q.Get("no_cache") == "true",
		ForceBrowser: q.Get("force_browser") == "true",
	}
	raw := q.Get("raw") == "true"
	for k := range q {
		if conversionParams[k] {
			q.Del(k)
		}
	}
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	res, err := s.service.Convert(r.Context(), target, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	if !raw {
		writeJSON(w, http.StatusOK, res)
		return
	}
	body, ct, err := convert.Serialize(res, res.Format)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.NativeMarkdown {
		w.Header().Set("X-Markdown-Native", "true")
	}
	w.Header().Set("Content-Type", ct)
	io.WriteString(w, body)
}

// handleStream converts one URL while streaming progress over SSE.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, errors.New(errors.KindInternal, "streaming unsupported"))
		return
	}

	target := r.URL.Query().Get("url")
	opts := convert.Options{
		Format:       r.URL.Query().Get("format"),
		Selector:     r.URL.Query().Get("selector"),
		ForceBrowser: r.URL.Query().Get("force_browser") == "true",
	}

	sse.Event("start", map[string]string{"url": target})
	if target == "" {
		sse.Event("fail", map[string]any{"title": "Invalid request", "message": "url parameter is required"})
		return
	}

	sse.Event("progress", map[string]string{"stage": "converting"})
	res, err := s.service.Convert(r.Context(), target, opts)
	if err != nil {
		payload := map[string]any{"title": "Conversion failed", "message": err.Error()}
		if ce, ok := errors.AsConvertError(err); ok {
			payload["status"] = ce.HTTPStatus()
		}
		sse.Event("fail", payload)
		return
	}
	sse.Event("done", res)
}

type batchItem struct {
	URL          string `json:"url"`
	Format       string `json:"format,omitempty"`
	Selector     string `json:"selector,omitempty"`
	ForceBrowser bool   `json:"force_browser,omitempty"`
	NoCache      bool   `json:"no_cache,omitempty"`
}

type batchResult struct {
	URL     string `json:"url"`
	Format  string `json:"format,omitempty"`
	Content string `json:"content,omitempty"`
	Title   string `json:"title,omitempty"`
	Method  string `json:"method,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MaxBatchItems and MaxBatchBody bound batch requests.
const (
	MaxBatchItems = 10
	MaxBatchBody  = 100000
)

func (s *Server) authorize(r *http.Request) error {
	if s.cfg.APIToken == "" {
		return errors.New(errors.KindMisconfigured, "API_TOKEN is not configured")
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
		return errors.New(errors.KindUnauthorized, "missing or invalid bearer token")
	}
	return nil
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}
	if r.ContentLength > MaxBatchBody {
		writeError(w, errors.New(errors.KindRequestTooLarge, "Request too large"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBatchBody+1))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindInvalidRequest, "read body"))
		return
	}
	if len(body) > MaxBatchBody {
		writeError(w, errors.New(errors.KindRequestTooLarge, "Request too large"))
		return
	}

	var req struct {
		URLs []json.RawMessage `json:"urls"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, errors.Wrap(err, errors.KindInvalidRequest, "invalid JSON body"))
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, errors.New(errors.KindInvalidRequest, "urls is required"))
		return
	}
	if len(req.URLs) > MaxBatchItems {
		writeError(w, errors.Newf(errors.KindInvalidRequest, "Maximum %d URLs per batch", MaxBatchItems))
		return
	}

	items := make([]batchItem, len(req.URLs))
	for i, raw := range req.URLs {
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			items[i] = batchItem{URL: asString}
			continue
		}
		if err := json.Unmarshal(raw, &items[i]); err != nil {
			writeError(w, errors.Newf(errors.KindInvalidRequest, "urls[%d] must be a string or object", i))
			return
		}
	}

	results := s.runBatch(r, items)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// batchConcurrency bounds parallel conversions per batch request.
const batchConcurrency = 4

// runBatch converts the items through the per-host dispatcher so a
// batch of same-site URLs paces itself and retries rate limits.
func (s *Server) runBatch(r *http.Request, items []batchItem) []batchResult {
	tasks := make([]dispatch.Task, len(items))
	for i, item := range items {
		tasks[i] = dispatch.Task{URL: item.URL, Data: item}
	}

	exec := func(ctx context.Context, task dispatch.Task) (any, error) {
		item := task.Data.(batchItem)
		return s.service.Convert(ctx, item.URL, convert.Options{
			Format:       item.Format,
			Selector:     item.Selector,
			ForceBrowser: item.ForceBrowser,
			NoCache:      item.NoCache,
		})
	}

	outcomes := dispatch.RunTasks(r.Context(), tasks, exec, dispatch.Options{
		Concurrency: batchConcurrency,
		MaxRetries:  1,
		BaseDelay:   200 * time.Millisecond,
		Metrics:     s.collector,
	})

	results := make([]batchResult, len(items))
	for i, o := range outcomes {
		if o.Err != nil {
			results[i] = batchResult{URL: items[i].URL, Error: o.Err.Error()}
			continue
		}
		res := o.Output.(*convert.Result)
		results[i] = batchResult{
			URL:     items[i].URL,
			Format:  res.Format,
			Content: res.Markdown,
			Title:   res.Title,
			Method:  res.Method,
			Cached:  res.Cached,
		}
	}
	return results
}

func (s *Server) handleDeepcrawl(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}

	var req deepcrawl.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxBatchBody)).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.KindInvalidRequest, "invalid JSON body"))
		return
	}

	if !req.Stream {
		report, err := s.crawler.Run(r.Context(), &req, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, errors.New(errors.KindInternal, "streaming unsupported"))
		return
	}
	if _, err := s.crawler.Run(r.Context(), &req, sse.Event); err != nil {
		payload := map[string]any{"title": "Crawl failed", "message": err.Error()}
		if ce, ok := errors.AsConvertError(err); ok {
			payload["status"] = ce.HTTPStatus()
		}
		sse.Event("fail", payload)
	}
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL          string          `json:"url"`
		Strategy     string          `json:"strategy"`
		Schema       json.RawMessage `json:"schema"`
		SelectorRoot string          `json:"selector_root,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxBatchBody)).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.KindInvalidRequest, "invalid JSON body"))
		return
	}

	res, err := s.service.Convert(r.Context(), req.URL, convert.Options{})
	if err != nil {
		writeError(w, err)
		return
	}
	html := res.PageHTML
	if html == "" {
		html = res.ContentHTML
	}

	out, err := extractors.Extract(req.Strategy, html, req.Schema, req.SelectorRoot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":      req.URL,
		"strategy": req.Strategy,
		"result":   out,
	})
}

func (s *Server) handlePaywallRules(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindInvalidRequest, "read body"))
		return
	}
	if err := paywall.LoadRulesJSON(body); err != nil {
		writeError(w, errors.Wrap(err, errors.KindInvalidSchema, "rules rejected"))
		return
	}
	logging.Info("paywall rules replaced", zap.Int("bytes", len(body)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"metrics": s.collector.Snapshot(),
		"cache":   s.convCache.Stats(),
	}
	if s.images != nil {
		stats["images"] = s.images.Stats()
	}
	if s.gate != nil {
		stats["browser"] = map[string]int{
			"active": s.gate.Active(),
			"queued": s.gate.QueueLength(),
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	params := httprouter.ParamsFromContext(r.Context())
	encoded := strings.TrimPrefix(params.ByName("source"), "/")
	src, err := url.QueryUnescape(encoded)
	if err != nil {
		writeError(w, errors.New(errors.KindInvalidURL, "bad image URL encoding"))
		return
	}

	target, err := safeurl.ValidatePolicy(src, s.cfg.AllowPrivate)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindInvalidURL, "bad image URL"))
		return
	}
	req.Header.Set("Referer", target.Scheme+"://"+target.Host+"/")
	req.Header.Set("User-Agent", convert.DesktopUA)

	resp, err := s.imgClient.Do(req)
	if err != nil {
		writeError(w, errors.FromFetch(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeError(w, errors.Newf(errors.KindFetchFailed, "image origin returned %d", resp.StatusCode))
		return
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(ct), "svg") {
		writeError(w, errors.New(errors.KindBlocked, "SVG images are not proxied"))
		return
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	io.Copy(w, io.LimitReader(resp.Body, 10<<20))
}

func (s *Server) handleStoredImage(w http.ResponseWriter, r *http.Request) {
	key := httprouter.ParamsFromContext(r.Context()).ByName("key")
	rc, ct, err := s.images.Open(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "NotFound", "message": "image not found"})
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=604800")
	io.Copy(w, rc)
}
