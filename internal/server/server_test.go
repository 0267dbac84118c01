package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/urlmd/internal/cache"
	"github.com/wudi/urlmd/internal/config"
	"github.com/wudi/urlmd/internal/convert"
	"github.com/wudi/urlmd/internal/deepcrawl"
	"github.com/wudi/urlmd/internal/metrics"
	"github.com/wudi/urlmd/internal/paywall"
	"github.com/wudi/urlmd/internal/retrytoken"
)

const testToken = "secret-token"

const articlePage = `<html><head><title>Server Article</title></head><body>
<div id="main"><h1>Server Article</h1>
<p>This is the first paragraph of the article body. It carries enough text to
make the extraction worthwhile and to convince the readability pass that it
found real content rather than boilerplate or navigation.</p>
<p>The second paragraph continues the article with more sentences so the
total text length comfortably clears the minimum readable threshold used by
the conversion pipeline.</p>
</div></body></html>`

// originServer serves a small site for conversion tests.
func originServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articlePage)
	})
	mux.HandleFunc("/readme.md", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, "# Native\n\nAlready markdown.")
	})
	mux.HandleFunc("/photo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG fake bytes"))
	})
	mux.HandleFunc("/logo.svg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		fmt.Fprint(w, `<svg xmlns="http://www.w3.org/2000/svg"/>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newTestServer assembles a Server around an injected HTTP client so
// conversions can reach httptest origins.
func newTestServer(t *testing.T, client *http.Client, token string) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.APIToken = token
	cfg.AllowPrivate = true

	images, err := cache.OpenImageStore(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("OpenImageStore: %v", err)
	}
	t.Cleanup(func() { images.Close() })

	s := &Server{
		cfg:       cfg,
		collector: metrics.NewCollector(),
		convCache: cache.New(cache.NewMemoryStore(64)),
		images:    images,
		imgClient: client,
	}
	s.service = convert.NewService(convert.ServiceConfig{
		Cache:        s.convCache,
		Images:       images,
		Tokens:       retrytoken.NewStore(),
		Metrics:      s.collector,
		Client:       client,
		AllowPrivate: true,
	})
	s.crawler = deepcrawl.New(deepcrawl.Config{
		Service:     s.service,
		Checkpoints: deepcrawl.NewMemoryCheckpoints(),
		Metrics:     s.collector,
		Client:      client,
		RateLimit:   10000,
		RateBurst:   1000,
	})
	s.router = s.routes()
	return s
}

func TestConvertEndpointJSON(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	resp, err := http.Get(front.URL + "/" + origin.URL + "/article")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res convert.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Title != "Server Article" {
		t.Errorf("title = %q", res.Title)
	}
	if !strings.Contains(res.Markdown, "first paragraph") {
		t.Errorf("markdown = %q", res.Markdown)
	}
}

func TestConvertEndpointRawNative(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	resp, err := http.Get(front.URL + "/" + origin.URL + "/readme.md?raw=true")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("content type = %q", ct)
	}
	if resp.Header.Get("X-Markdown-Native") != "true" {
		t.Error("native markdown header missing")
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if !strings.Contains(body.String(), "Already markdown") {
		t.Errorf("body = %q", body.String())
	}
}

func TestConvertEndpointCollapsedScheme(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)

	// Some proxies collapse the double slash after the scheme.
	collapsed := "/" + strings.Replace(origin.URL, "://", ":/", 1) + "/article"
	req := httptest.NewRequest(http.MethodGet, collapsed, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestConvertEndpointBadFormat(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	resp, err := http.Get(front.URL + "/" + origin.URL + "/article?format=docx")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func TestBatchRequiresAuth(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	resp := postJSON(t, front.URL+"/api/batch", "", map[string]any{"urls": []string{origin.URL}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, front.URL+"/api/batch", "wrong", map[string]any{"urls": []string{origin.URL}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d", resp.StatusCode)
	}
}

func TestBatchUnconfiguredToken(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), "")
	front := httptest.NewServer(s)
	defer front.Close()

	resp := postJSON(t, front.URL+"/api/batch", "anything", map[string]any{"urls": []string{origin.URL}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestBatchBodyTooLarge(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	big := map[string]any{"urls": []string{"https://example.com/" + strings.Repeat("x", MaxBatchBody)}}
	resp := postJSON(t, front.URL+"/api/batch", testToken, big)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var e struct {
		Message string `json:"message"`
	}
	json.NewDecoder(resp.Body).Decode(&e)
	if e.Message != "Request too large" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestBatchTooManyURLs(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	urls := make([]string, MaxBatchItems+1)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	resp := postJSON(t, front.URL+"/api/batch", testToken, map[string]any{"urls": urls})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var e struct {
		Message string `json:"message"`
	}
	json.NewDecoder(resp.Body).Decode(&e)
	if !strings.Contains(e.Message, "Maximum 10 URLs") {
		t.Errorf("message = %q", e.Message)
	}
}

func TestBatchMixedItems(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	body := map[string]any{"urls": []any{
		origin.URL + "/article",
		map[string]any{"url": origin.URL + "/readme.md", "format": "markdown"},
		origin.URL + "/missing",
	}}
	resp := postJSON(t, front.URL+"/api/batch", testToken, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Results []struct {
			URL     string `json:"url"`
			Content string `json:"content"`
			Error   string `json:"error"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("results = %d", len(out.Results))
	}
	if !strings.Contains(out.Results[0].Content, "first paragraph") {
		t.Errorf("results[0] = %+v", out.Results[0])
	}
	if !strings.Contains(out.Results[1].Content, "Already markdown") {
		t.Errorf("results[1] = %+v", out.Results[1])
	}
	if out.Results[2].Error == "" {
		t.Error("results[2] expected an error")
	}
}

func TestStreamEndpoint(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	resp, err := http.Get(front.URL + "/api/stream?url=" + origin.URL + "/article")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	want := []string{"start", "progress", "done"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestStreamFailureEvent(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	resp, err := http.Get(front.URL + "/api/stream?url=" + origin.URL + "/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if !strings.Contains(body.String(), "event: fail") {
		t.Errorf("stream = %q", body.String())
	}
}

func TestDeepcrawlEndpoint(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	req := deepcrawl.Request{Seed: origin.URL + "/article", MaxDepth: 0, MaxPages: 1}
	resp := postJSON(t, front.URL+"/api/deepcrawl", testToken, req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report deepcrawl.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Stats.Succeeded != 1 || len(report.Nodes) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestExtractEndpoint(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	schema := map[string]any{
		"fields": []map[string]string{{"name": "heading", "selector": "h1", "type": "text"}},
	}
	resp := postJSON(t, front.URL+"/api/extract", testToken, map[string]any{
		"url":      origin.URL + "/article",
		"strategy": "css",
		"schema":   schema,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if !strings.Contains(body.String(), "Server Article") {
		t.Errorf("extract result = %q", body.String())
	}
}

func TestPaywallRulesUpdate(t *testing.T) {
	defer paywall.ResetRules()
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	rules := `[{"domains": ["rules.example"], "googlebot": true}]`
	req, _ := http.NewRequest(http.MethodPut, front.URL+"/api/paywall-rules", strings.NewReader(rules))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if paywall.GetRule("rules.example") == nil {
		t.Error("rule not installed")
	}

	req, _ = http.NewRequest(http.MethodPut, front.URL+"/api/paywall-rules", strings.NewReader("not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid rules: status = %d", resp.StatusCode)
	}
}

func TestImageProxy(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	resp, err := http.Get(front.URL + "/img/" + origin.URL + "/photo.png")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("png: status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("png: content type = %q", ct)
	}

	resp, err = http.Get(front.URL + "/img/" + origin.URL + "/logo.svg")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("svg: status = %d", resp.StatusCode)
	}
}

func TestStoredImageNotFound(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	resp, err := http.Get(front.URL + "/r2img/nope.png")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	origin := originServer(t)
	s := newTestServer(t, origin.Client(), testToken)
	front := httptest.NewServer(s)
	defer front.Close()

	for _, path := range []string{"/", "/healthz", "/metrics", "/api/stats", "/api/og?title=Hello"} {
		resp, err := http.Get(front.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d", path, resp.StatusCode)
		}
	}
}
