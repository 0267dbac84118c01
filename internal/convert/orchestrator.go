package convert

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/urlmd/internal/adapters"
	"github.com/wudi/urlmd/internal/browser"
	"github.com/wudi/urlmd/internal/cache"
	"github.com/wudi/urlmd/internal/errors"
	"github.com/wudi/urlmd/internal/logging"
	"github.com/wudi/urlmd/internal/metrics"
	"github.com/wudi/urlmd/internal/paywall"
	"github.com/wudi/urlmd/internal/proxyclient"
	"github.com/wudi/urlmd/internal/retrytoken"
	"github.com/wudi/urlmd/internal/safeurl"
)

// Method tags recorded on results, naming the acquisition path.
const (
	MethodNative        = "native"
	MethodReadability   = "readability+turndown"
	MethodBrowser       = "browser+readability+turndown"
	MethodAdapterDirect = "adapter_direct"
	MethodJSONLD        = "jsonld"
	MethodAMP           = "amp"
	MethodWayback       = "wayback"
	MethodArchiveToday  = "archive_today"
	MethodProxy         = "proxy"
	MethodFeed          = "feed"
)

// MaxSelectorLength caps caller-supplied CSS selectors.
const MaxSelectorLength = 256

// Options control one conversion.
type Options struct {
	Format       string
	Selector     string
	NoCache      bool
	ForceBrowser bool
}

// ServiceConfig wires the pipeline's collaborators. Nil fields get
// working defaults; Renderer and Proxy/Pool stay nil when the
// deployment has none.
type ServiceConfig struct {
	Registry        *adapters.Registry
	Gate            *browser.Gate
	Renderer        browser.Renderer
	Cache           *cache.Cache
	Images          *cache.ImageStore
	Tokens          *retrytoken.Store
	Metrics         *metrics.Collector
	Client          *http.Client
	Proxy           *proxyclient.Proxy
	Pool            []*proxyclient.Proxy
	AcceptMinLength int

	// AllowPrivate admits private/loopback targets; for deployments
	// converting pages on an internal network.
	AllowPrivate bool
}

// Service executes the conversion pipeline.
type Service struct {
	registry     *adapters.Registry
	gate         *browser.Gate
	renderer     browser.Renderer
	cache        *cache.Cache
	images       *cache.ImageStore
	tokens       *retrytoken.Store
	collector    *metrics.Collector
	client       *http.Client
	proxy        *proxyclient.Proxy
	pool         []*proxyclient.Proxy
	variants     []proxyclient.Variant
	acceptMin    int
	allowPrivate bool
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		registry:     cfg.Registry,
		gate:         cfg.Gate,
		renderer:     cfg.Renderer,
		cache:        cfg.Cache,
		images:       cfg.Images,
		tokens:       cfg.Tokens,
		collector:    cfg.Metrics,
		client:       cfg.Client,
		proxy:        cfg.Proxy,
		pool:         cfg.Pool,
		variants:     proxyclient.DefaultVariants(),
		acceptMin:    cfg.AcceptMinLength,
		allowPrivate: cfg.AllowPrivate,
	}
	if s.registry == nil {
		s.registry = adapters.NewRegistry()
	}
	if s.client == nil {
		s.client = safeurl.NewHTTPClient(StaticFetchTimeout)
	}
	if s.tokens == nil {
		s.tokens = retrytoken.NewStore()
	}
	return s
}

// Convert runs the full pipeline for one URL.
func (s *Service) Convert(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	start := time.Now()
	res, err := s.convert(ctx, rawURL, opts)
	if s.collector != nil && (res == nil || !res.Cached) {
		method, kind := "", ""
		if err != nil {
			kind = string(errors.KindInternal)
			if ce, ok := errors.AsConvertError(err); ok {
				kind = string(ce.Kind)
			}
		} else {
			method = res.Method
		}
		s.collector.RecordConversion(method, time.Since(start), kind)
	}
	return res, err
}

// pageContent is an acquired page ready for conversion. Doc is set
// when acquisition already produced Markdown (native sources, feeds).
type pageContent struct {
	HTML     string
	FinalURL string
	Method   string
	Doc      *Document
}

func (s *Service) convert(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	if opts.Format == "" {
		opts.Format = FormatMarkdown
	}
	if !ValidFormat(opts.Format) {
		return nil, errors.Newf(errors.KindInvalidFormat, "unknown format %q", opts.Format)
	}
	if len(opts.Selector) > MaxSelectorLength {
		return nil, errors.Newf(errors.KindInvalidSelector, "selector exceeds %d characters", MaxSelectorLength)
	}

	target, err := safeurl.ValidatePolicy(rawURL, s.allowPrivate)
	if err != nil {
		return nil, err
	}

	normalized := cache.NormalizeURL(target.String())
	key := cache.Key(normalized, opts.Format, opts.Selector, opts.ForceBrowser)
	if s.cache != nil && !opts.NoCache {
		if entry, ok := s.cache.Get(key); ok {
			return &Result{
				URL:            target.String(),
				Title:          entry.Title,
				Markdown:       entry.Content,
				Method:         entry.Method,
				Format:         opts.Format,
				Cached:         true,
				NativeMarkdown: entry.Method == MethodNative,
			}, nil
		}
	}

	adapter := s.registry.Get(target.URL)
	working := target.URL
	if tr, ok := adapter.(adapters.URLTransformer); ok {
		working = tr.TransformURL(working)
	}

	st := &adapters.State{}
	st.SignalProxyRetry = func(cookies []browser.Cookie) string {
		cs := make([]retrytoken.Cookie, len(cookies))
		for i, c := range cookies {
			cs[i] = retrytoken.Cookie{Name: c.Name, Value: c.Value}
		}
		return s.tokens.CreateSignal(cs)
	}

	page, err := s.acquire(ctx, adapter, working, st, opts)
	if err != nil {
		return nil, err
	}

	doc := page.Doc
	if doc == nil {
		html := page.HTML
		if pp, ok := adapter.(adapters.PostProcessor); ok {
			html = pp.PostProcess(html)
		}
		html = paywall.RemovePaywallElements(html)
		if ip, ok := adapter.(adapters.ImageProxier); ok {
			html = RewriteImageURLs(html, func(src string) string {
				if ip.NeedsImageProxy(src) {
					return "/img/" + url.QueryEscape(src)
				}
				return src
			})
		}
		html = s.attachCapturedImages(ctx, html, st)

		doc, err = HTMLToMarkdown(html, working, opts.Selector)
		if err != nil {
			return nil, err
		}
	}

	res := &Result{
		URL:            target.String(),
		FinalURL:       page.FinalURL,
		Title:          doc.Title,
		Markdown:       doc.Markdown,
		Method:         page.Method,
		Format:         opts.Format,
		NativeMarkdown: page.Method == MethodNative,
		ContentHTML:    doc.ContentHTML,
		PageHTML:       page.HTML,
	}
	if opts.Format == FormatText {
		res.Text = PlainText(doc.ContentHTML)
		if res.Text == "" {
			res.Text = doc.Markdown
		}
	}

	if s.cache != nil && res.Markdown != "" {
		ttl := cache.DefaultTTL
		if page.Method == MethodBrowser || page.Method == MethodWayback ||
			page.Method == MethodArchiveToday || strings.HasPrefix(page.Method, "proxy") {
			ttl = cache.ShortTTL
		}
		s.cache.Set(key, &cache.Entry{
			Content: res.Markdown,
			Title:   res.Title,
			Method:  res.Method,
			Format:  opts.Format,
		}, ttl)
	}
	return res, nil
}

// acquire obtains page content via the adapter's preferred route:
// direct API synthesis, mandated browser rendering, or static fetch
// with its fallback chain.
func (s *Service) acquire(ctx context.Context, adapter adapters.Adapter, u *url.URL, st *adapters.State, opts Options) (*pageContent, error) {
	if df, ok := adapter.(adapters.DirectFetcher); ok {
		html, err := df.FetchDirect(ctx, s.client, u)
		if err == nil {
			return &pageContent{HTML: html, FinalURL: u.String(), Method: MethodAdapterDirect}, nil
		}
		if ctx.Err() != nil {
			return nil, errors.FromFetch(err)
		}
		logging.Debug("direct fetch failed, falling through",
			zap.String("adapter", adapter.Name()), zap.Error(err))
	}

	if adapter.AlwaysBrowser() || opts.ForceBrowser {
		return s.browserFetch(ctx, adapter, u, st, nil)
	}
	return s.staticPath(ctx, adapter, u, st)
}

func (s *Service) staticPath(ctx context.Context, adapter adapters.Adapter, u *url.URL, st *adapters.State) (*pageContent, error) {
	fr, err := staticFetch(ctx, s.client, u, nil)
	if err != nil {
		return nil, err
	}
	if !convertibleContent(fr.ContentType) {
		return nil, errors.Newf(errors.KindUnsupportedContent, "unsupported content type %q", fr.ContentType)
	}

	if fr.StatusCode >= 200 && fr.StatusCode < 300 {
		if isMarkdownNative(fr.ContentType, fr.FinalURL) {
			md := strings.TrimSpace(fr.Body)
			return &pageContent{
				HTML:     fr.Body,
				FinalURL: fr.FinalURL,
				Method:   MethodNative,
				Doc:      &Document{Markdown: md, ContentHTML: fr.Body},
			}, nil
		}
		if looksLikeFeed(fr.ContentType, fr.Body) {
			if doc, ferr := feedToMarkdown(fr.Body); ferr == nil {
				return &pageContent{FinalURL: fr.FinalURL, Method: MethodFeed, Doc: doc}, nil
			}
		}
		if looksInterstitial(fr.Body) {
			return s.browserFetch(ctx, adapter, u, st, nil)
		}
	}

	rule := paywall.GetRule(u.Hostname())
	if rule != nil && (fr.StatusCode >= 400 || paywall.LooksPaywalled(fr.Body)) {
		return s.paywallLadder(ctx, u, fr)
	}

	if fr.StatusCode < 200 || fr.StatusCode >= 300 {
		if (fr.StatusCode == 401 || fr.StatusCode == 403 || fr.StatusCode == 429) && s.renderer != nil {
			return s.browserFetch(ctx, adapter, u, st, nil)
		}
		return nil, errors.Newf(errors.KindFetchFailed, "origin returned %d", fr.StatusCode).WithStatus(fr.StatusCode)
	}

	return &pageContent{HTML: fr.Body, FinalURL: fr.FinalURL, Method: MethodReadability}, nil
}

func (s *Service) browserFetch(ctx context.Context, adapter adapters.Adapter, u *url.URL, st *adapters.State, extraHeaders map[string]string) (*pageContent, error) {
	if s.renderer == nil {
		return nil, errors.New(errors.KindMisconfigured, "browser rendering not configured")
	}

	req := &browser.Request{URL: u.String(), Headers: extraHeaders}
	if bc, ok := adapter.(adapters.BrowserConfigurer); ok {
		bc.ConfigureBrowser(req)
	}
	if pe, ok := adapter.(adapters.PageExtractor); ok {
		req.Extract = func(ctx context.Context, p browser.Page) (string, error) {
			return pe.ExtractPage(ctx, p, st)
		}
	}

	render := func(ctx context.Context) (*browser.Result, error) {
		return s.renderer.Render(ctx, req)
	}

	var result *browser.Result
	var err error
	if s.gate != nil {
		err = s.gate.Run(ctx, u.Hostname(), func(ctx context.Context) error {
			var rerr error
			result, rerr = render(ctx)
			return rerr
		})
	} else {
		result, err = render(ctx)
	}
	if err != nil {
		return s.handleRenderError(ctx, u, err)
	}
	return &pageContent{HTML: result.HTML, FinalURL: result.FinalURL, Method: MethodBrowser}, nil
}

// handleRenderError inspects a failed render for an in-band proxy
// retry signal and restarts via the proxy transport when present.
func (s *Service) handleRenderError(ctx context.Context, u *url.URL, renderErr error) (*pageContent, error) {
	msg := renderErr.Error()
	var cookies string
	if token, ok := retrytoken.ExtractToken(msg); ok {
		cookies = s.tokens.ConsumeCookies(token)
	} else if legacy, ok := retrytoken.ExtractLegacyCookies(msg); ok {
		cookies = legacy
	} else {
		return nil, errors.FromFetch(renderErr)
	}

	logging.Info("proxy retry signaled",
		zap.String("url", u.String()),
		zap.String("render_error", retrytoken.Redact(msg)))
	return s.proxyRetry(ctx, u, cookies)
}

func (s *Service) proxyRetry(ctx context.Context, u *url.URL, cookies string) (*pageContent, error) {
	headers := map[string]string{"User-Agent": DesktopUA}
	if cookies != "" {
		headers["Cookie"] = cookies
	}

	if len(s.pool) > 0 {
		accept := func(r *proxyclient.Response) bool {
			return proxyclient.DefaultAccept(r) && looksLikeContent(string(r.Body), s.acceptMin)
		}
		pr, err := proxyclient.FetchViaPool(ctx, s.pool, s.variants, u.String(), headers, proxyclient.DefaultTimeout, accept)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindFetchFailed, "proxy pool fetch failed")
		}
		method := fmt.Sprintf("proxy_pool_%d_%s", pr.ProxyIndex, pr.VariantName)
		return &pageContent{HTML: string(pr.Response.Body), FinalURL: u.String(), Method: method}, nil
	}

	if s.proxy != nil {
		resp, err := proxyclient.Fetch(ctx, s.proxy, u.String(), headers, proxyclient.DefaultTimeout)
		if err != nil {
			return nil, errors.FromFetch(err)
		}
		if resp.StatusCode >= 400 || !looksLikeContent(string(resp.Body), s.acceptMin) {
			return nil, errors.Newf(errors.KindFetchFailed, "proxy returned %d with unusable body", resp.StatusCode).WithStatus(resp.StatusCode)
		}
		return &pageContent{HTML: string(resp.Body), FinalURL: u.String(), Method: MethodProxy}, nil
	}

	return nil, errors.New(errors.KindFetchFailed, "proxy retry signaled but no proxy configured: configure PROXY_URL")
}

// paywallLadder tries fallback sources in order and keeps whichever
// yields the longest Markdown. The winner's HTML is re-converted by the
// caller so selectors and post-processing still apply.
func (s *Service) paywallLadder(ctx context.Context, u *url.URL, fr *fetchResult) (*pageContent, error) {
	best := &pageContent{HTML: fr.Body, FinalURL: fr.FinalURL, Method: MethodReadability}
	bestLen := 0
	if fr.StatusCode < 400 {
		if doc, err := HTMLToMarkdown(fr.Body, u, ""); err == nil {
			bestLen = len(doc.Markdown)
		}
	}

	consider := func(html, method, finalURL string) {
		if html == "" {
			return
		}
		doc, err := HTMLToMarkdown(html, u, "")
		if err != nil || len(doc.Markdown) <= bestLen {
			return
		}
		best = &pageContent{HTML: html, FinalURL: finalURL, Method: method}
		bestLen = len(doc.Markdown)
	}

	consider(paywall.ExtractJSONLDArticle(fr.Body), MethodJSONLD, fr.FinalURL)

	if ampLink := paywall.ExtractAMPLink(fr.Body); ampLink != "" {
		if ampURL := s.resolveSafe(u, ampLink); ampURL != nil {
			if afr, err := staticFetch(ctx, s.client, ampURL, nil); err == nil && afr.StatusCode < 400 {
				consider(paywall.StripAMPAccessControls(afr.Body), MethodAMP, afr.FinalURL)
			}
		}
	}

	if snap, err := paywall.FetchWaybackSnapshot(ctx, s.client, u.String()); err == nil {
		consider(snap, MethodWayback, u.String())
	}
	if snap, err := paywall.FetchArchiveToday(ctx, s.client, u.String()); err == nil {
		consider(snap, MethodArchiveToday, u.String())
	}

	if bestLen == 0 {
		return nil, errors.Newf(errors.KindFetchFailed,
			"origin returned %d and no paywall fallback produced content", fr.StatusCode)
	}
	return best, nil
}

// resolveSafe resolves href against base and re-validates the result.
func (s *Service) resolveSafe(base *url.URL, href string) *url.URL {
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	resolved := base.ResolveReference(ref)
	target, err := safeurl.ValidatePolicy(resolved.String(), s.allowPrivate)
	if err != nil {
		return nil
	}
	return target.URL
}

// attachCapturedImages persists in-browser captures and appends stable
// references so they survive conversion.
func (s *Service) attachCapturedImages(ctx context.Context, html string, st *adapters.State) string {
	if len(st.Images) == 0 {
		return html
	}
	var sb strings.Builder
	sb.WriteString(html)
	for _, img := range st.Images {
		if s.images == nil {
			fmt.Fprintf(&sb, `<img src="%s" alt="">`, img.DataURL)
			continue
		}
		data, ct, ok := decodeDataURL(img.DataURL)
		if !ok {
			continue
		}
		key, err := s.images.Save(ctx, img.SourceURL, ct, data)
		if err != nil {
			logging.Warn("captured image save failed", zap.Error(err))
			continue
		}
		fmt.Fprintf(&sb, `<img src="/r2img/%s" alt="">`, key)
	}
	return sb.String()
}

// decodeDataURL splits a base64 data URL into bytes and content type.
func decodeDataURL(s string) ([]byte, string, bool) {
	if !strings.HasPrefix(s, "data:") {
		return nil, "", false
	}
	rest := s[len("data:"):]
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return nil, "", false
	}
	data, err := base64.StdEncoding.DecodeString(rest[idx+len(";base64,"):])
	if err != nil {
		return nil, "", false
	}
	return data, rest[:idx], true
}
