// Package server exposes the conversion pipeline over HTTP: path-embedded
// sync conversion, SSE streaming, batch, deep crawl, structured extraction,
// image rehosting and operational endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/urlmd/internal/browser"
	"github.com/wudi/urlmd/internal/cache"
	"github.com/wudi/urlmd/internal/config"
	"github.com/wudi/urlmd/internal/convert"
	"github.com/wudi/urlmd/internal/deepcrawl"
	"github.com/wudi/urlmd/internal/logging"
	"github.com/wudi/urlmd/internal/metrics"
	"github.com/wudi/urlmd/internal/proxyclient"
	"github.com/wudi/urlmd/internal/retrytoken"
	"github.com/wudi/urlmd/internal/safeurl"
)

// Server wires the pipeline behind an httprouter mux.
type Server struct {
	cfg       *config.Config
	service   *convert.Service
	crawler   *deepcrawl.Crawler
	collector *metrics.Collector
	convCache *cache.Cache
	images    *cache.ImageStore
	gate      *browser.Gate
	renderer  browser.Renderer
	imgClient *http.Client
	router    *httprouter.Router
	srv       *http.Server
}

// New assembles a Server from configuration.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		collector: metrics.NewCollector(),
		imgClient: safeurl.NewHTTPClient(20 * time.Second),
	}

	var store cache.Store
	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		store = cache.NewRedisStore(redisClient, "urlmd:")
	} else {
		store = cache.NewMemoryStore(cfg.Cache.MaxEntries)
	}
	s.convCache = cache.New(store)

	images, err := cache.OpenImageStore(ctx, cfg.Images.BucketURL)
	if err != nil {
		return nil, err
	}
	s.images = images

	if cfg.Browser.Enabled {
		s.gate = browser.NewGate(cfg.Browser.MaxConcurrent,
			time.Duration(cfg.Browser.QueueTimeoutMs)*time.Millisecond,
			cfg.Browser.MaxQueueLength)
		s.renderer = browser.NewChromeRenderer(cfg.Browser.ExecPath)
		s.collector.SetQueueProbe(s.gate.QueueLength)
	}

	var proxy *proxyclient.Proxy
	if cfg.Proxy.URL != "" {
		proxy, err = proxyclient.ParseProxyURL(cfg.Proxy.URL)
		if err != nil {
			return nil, err
		}
	}
	var pool []*proxyclient.Proxy
	if cfg.Proxy.Pool != "" {
		pool = proxyclient.ParsePool(cfg.Proxy.Pool)
	}

	s.service = convert.NewService(convert.ServiceConfig{
		Gate:         s.gate,
		Renderer:     s.renderer,
		Cache:        s.convCache,
		Images:       s.images,
		Tokens:       retrytoken.NewStore(),
		Metrics:      s.collector,
		Proxy:        proxy,
		Pool:         pool,
		AllowPrivate: cfg.AllowPrivate,
	})

	var checkpoints deepcrawl.CheckpointStore
	if redisClient != nil {
		checkpoints = deepcrawl.NewRedisCheckpoints(redisClient)
	} else {
		checkpoints = deepcrawl.NewMemoryCheckpoints()
	}
	s.crawler = deepcrawl.New(deepcrawl.Config{
		Service:      s.service,
		Checkpoints:  checkpoints,
		Metrics:      s.collector,
		RateLimit:    rate.Limit(cfg.Crawl.RatePerSec),
		RateBurst:    cfg.Crawl.Burst,
		NodeTimeout:  time.Duration(cfg.Crawl.NodeTimeoutMs) * time.Millisecond,
		IgnoreRobots: cfg.Crawl.IgnoreRobots,
	})

	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// routes builds the router. The catch-all NotFound handler treats any
// unmatched path as a target URL to convert.
func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()

	r.HandlerFunc(http.MethodGet, "/", s.handleLanding)
	r.HandlerFunc(http.MethodGet, "/healthz", s.handleHealthz)
	r.Handler(http.MethodGet, "/metrics", s.collector.Handler())
	r.HandlerFunc(http.MethodGet, "/api/stats", s.handleStats)
	r.HandlerFunc(http.MethodGet, "/api/og", s.handleOGImage)
	r.HandlerFunc(http.MethodGet, "/api/stream", s.handleStream)
	r.HandlerFunc(http.MethodPost, "/api/batch", s.handleBatch)
	r.HandlerFunc(http.MethodPost, "/api/deepcrawl", s.handleDeepcrawl)
	r.HandlerFunc(http.MethodPost, "/api/extract", s.handleExtract)
	r.HandlerFunc(http.MethodPut, "/api/paywall-rules", s.handlePaywallRules)
	r.HandlerFunc(http.MethodGet, "/img/*source", s.handleImageProxy)
	r.HandlerFunc(http.MethodGet, "/r2img/:key", s.handleStoredImage)

	r.NotFound = http.HandlerFunc(s.handleConvert)
	return r
}

// ServeHTTP counts the request and dispatches to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.collector.RecordRequest()
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until the context is canceled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("listening", zap.String("addr", s.cfg.Listen))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Close releases backing resources.
func (s *Server) Close() error {
	if s.renderer != nil {
		s.renderer.Close()
	}
	if s.images != nil {
		return s.images.Close()
	}
	return nil
}
