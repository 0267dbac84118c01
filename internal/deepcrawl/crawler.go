package deepcrawl

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/urlmd/internal/convert"
	"github.com/wudi/urlmd/internal/logging"
	"github.com/wudi/urlmd/internal/metrics"
	"github.com/wudi/urlmd/internal/safeurl"
)

// DefaultNodeTimeout bounds a single node's fetch-and-convert.
const DefaultNodeTimeout = 25 * time.Second

// Default global pacing across all hosts of a crawl.
const (
	defaultRateLimit = rate.Limit(4)
	defaultRateBurst = 4
)

// NodeResult is the outcome of one visited URL.
type NodeResult struct {
	URL      string  `json:"url"`
	Depth    int     `json:"depth"`
	Score    float64 `json:"score"`
	Success  bool    `json:"success"`
	Title    string  `json:"title,omitempty"`
	Markdown string  `json:"markdown,omitempty"`
	Error    string  `json:"error,omitempty"`

	// Carried from visit to link expansion, never serialized.
	links    []string
	finalURL string
}

// Stats summarizes a crawl run.
type Stats struct {
	Visited         int   `json:"visited"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Skipped         int   `json:"skipped"`
	MaxDepthReached int   `json:"max_depth_reached"`
	Aborted         bool  `json:"aborted"`
	ElapsedMs       int64 `json:"elapsed_ms"`
}

// Report is the full crawl output.
type Report struct {
	CrawlID string       `json:"crawl_id,omitempty"`
	Resumed bool         `json:"resumed"`
	Nodes   []NodeResult `json:"results"`
	Stats   Stats        `json:"stats"`
}

// EventSink receives streaming progress events: "start" with the crawl
// parameters, "node" per completed URL, "done" with final stats.
type EventSink func(event string, data any)

// startEvent and doneEvent are the streamed payload shapes.
type startEvent struct {
	CrawlID  string `json:"crawlId"`
	Seed     string `json:"seed"`
	MaxDepth int    `json:"maxDepth"`
	MaxPages int    `json:"maxPages"`
}

type doneStats struct {
	CrawledPages   int `json:"crawledPages"`
	SucceededPages int `json:"succeededPages"`
	FailedPages    int `json:"failedPages"`
}

type doneEvent struct {
	Stats   doneStats `json:"stats"`
	Resumed bool      `json:"resumed,omitempty"`
}

// Config wires a Crawler. Nil collaborators disable their feature.
type Config struct {
	Service      *convert.Service
	Checkpoints  CheckpointStore
	Metrics      *metrics.Collector
	Client       *http.Client // robots.txt fetches
	RateLimit    rate.Limit
	RateBurst    int
	NodeTimeout  time.Duration
	IgnoreRobots bool
}

// Crawler runs deep-crawl jobs through the conversion pipeline.
type Crawler struct {
	service      *convert.Service
	checkpoints  CheckpointStore
	collector    *metrics.Collector
	limiter      *rate.Limiter
	robots       *robotsCache
	nodeTimeout  time.Duration
	ignoreRobots bool
}

func New(cfg Config) *Crawler {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	timeout := cfg.NodeTimeout
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	return &Crawler{
		service:      cfg.Service,
		checkpoints:  cfg.Checkpoints,
		collector:    cfg.Metrics,
		limiter:      rate.NewLimiter(limit, burst),
		robots:       newRobotsCache(cfg.Client),
		nodeTimeout:  timeout,
		ignoreRobots: cfg.IgnoreRobots,
	}
}

// Run executes one crawl. Cancellation stops the walk, marks the run
// aborted, and still emits "done" and the terminal checkpoint.
func (c *Crawler) Run(ctx context.Context, req *Request, sink EventSink) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	seedURL, _ := url.Parse(req.Seed)
	seedDomain := safeurl.RegisterableDomain(seedURL.Hostname())
	start := time.Now()

	front := newFrontier(req.Strategy)
	visited := make(map[string]bool)
	enqueued := make(map[string]bool)
	var results []NodeResult
	var stats Stats

	resumed := false
	if req.Checkpoint.Resume && c.checkpoints != nil {
		snap, err := c.checkpoints.Load(ctx, req.Checkpoint.CrawlID)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			for _, u := range snap.Visited {
				visited[u] = true
			}
			front.restore(snap.Frontier)
			for _, n := range snap.Frontier {
				enqueued[n.URL] = true
			}
			results = snap.Results
			stats = snap.Stats
			stats.Aborted = false
			resumed = true
			logging.Info("crawl resumed",
				zap.String("crawl_id", req.Checkpoint.CrawlID),
				zap.Int("visited", len(visited)),
				zap.Int("frontier", front.Len()))
		}
	}
	if !resumed {
		front.push(&Node{URL: seedURL.String(), Depth: 0})
		enqueued[seedURL.String()] = true
	}

	emit := func(event string, data any) {
		if sink != nil {
			sink(event, data)
		}
	}
	emit("start", startEvent{
		CrawlID:  req.Checkpoint.CrawlID,
		Seed:     req.Seed,
		MaxDepth: req.MaxDepth,
		MaxPages: req.MaxPages,
	})

	completed := 0
	interval := req.Checkpoint.SnapshotInterval
	checkpointing := c.checkpoints != nil && req.Checkpoint.CrawlID != ""

	for stats.Succeeded < req.MaxPages {
		if ctx.Err() != nil {
			stats.Aborted = true
			break
		}
		n := front.pop()
		if n == nil {
			break
		}
		if visited[n.URL] || n.Depth > req.MaxDepth {
			continue
		}
		visited[n.URL] = true
		stats.Visited++
		if n.Depth > stats.MaxDepthReached {
			stats.MaxDepthReached = n.Depth
		}

		if err := c.limiter.Wait(ctx); err != nil {
			stats.Aborted = true
			break
		}

		nodeURL, err := url.Parse(n.URL)
		if err != nil {
			stats.Skipped++
			continue
		}
		if !c.ignoreRobots && !c.robots.Allowed(ctx, nodeURL) {
			stats.Skipped++
			nr := NodeResult{URL: n.URL, Depth: n.Depth, Score: n.Score, Error: "blocked by robots.txt"}
			results = append(results, nr)
			emit("node", nr)
			continue
		}

		nr := c.visit(ctx, n, req)
		results = append(results, nr)
		emit("node", nr)
		if nr.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}

		if nr.Success && n.Depth < req.MaxDepth {
			c.expand(front, enqueued, visited, n, &nr, req, seedDomain)
		}

		completed++
		if checkpointing && interval > 0 && completed%interval == 0 {
			c.save(ctx, req.Checkpoint.CrawlID, visited, front, results, stats, false)
		}
	}

	stats.ElapsedMs = time.Since(start).Milliseconds()
	if checkpointing {
		c.save(ctx, req.Checkpoint.CrawlID, visited, front, results, stats, !stats.Aborted)
	}
	if c.collector != nil {
		c.collector.RecordDeepcrawl(time.Since(start))
	}
	emit("done", doneEvent{
		Stats: doneStats{
			CrawledPages:   stats.Visited,
			SucceededPages: stats.Succeeded,
			FailedPages:    stats.Failed,
		},
		Resumed: resumed,
	})

	return &Report{CrawlID: req.Checkpoint.CrawlID, Resumed: resumed, Nodes: results, Stats: stats}, nil
}

// visit fetches one node through the conversion pipeline.
func (c *Crawler) visit(ctx context.Context, n *Node, req *Request) NodeResult {
	nr := NodeResult{URL: n.URL, Depth: n.Depth, Score: n.Score}

	nodeCtx, cancel := context.WithTimeout(ctx, c.nodeTimeout)
	defer cancel()
	res, err := c.service.Convert(nodeCtx, n.URL, convert.Options{})
	if err != nil {
		nr.Error = err.Error()
		return nr
	}

	nr.Success = true
	nr.Title = res.Title
	if req.Output.IncludeMarkdown {
		nr.Markdown = res.Markdown
	}
	nr.links = []string{res.ContentHTML, res.PageHTML}
	nr.finalURL = res.FinalURL
	return nr
}

// expand scores discovered links and enqueues survivors at depth+1.
func (c *Crawler) expand(front *frontier, enqueued, visited map[string]bool, n *Node, nr *NodeResult, req *Request, seedDomain string) {
	baseStr := nr.finalURL
	if baseStr == "" {
		baseStr = n.URL
	}
	base, err := url.Parse(baseStr)
	if err != nil {
		return
	}
	for _, l := range extractLinks(base, nr.links...) {
		key := l.URL.String()
		if visited[key] || enqueued[key] {
			continue
		}
		if !allowed(l.URL, req.Filters, seedDomain) {
			continue
		}
		sc := req.Scorer.score(l.Anchor, l.URL)
		if len(req.Scorer.Keywords) > 0 && sc < req.Scorer.ScoreThreshold {
			continue
		}
		enqueued[key] = true
		front.push(&Node{URL: key, Depth: n.Depth + 1, Score: sc})
	}
}

// save writes a checkpoint; failures are logged and do not stop the
// crawl.
func (c *Crawler) save(ctx context.Context, crawlID string, visited map[string]bool, front *frontier, results []NodeResult, stats Stats, completed bool) {
	vs := make([]string, 0, len(visited))
	for u := range visited {
		vs = append(vs, u)
	}
	sort.Strings(vs)

	snap := &Snapshot{
		CrawlID:   crawlID,
		Visited:   vs,
		Frontier:  front.snapshot(),
		Results:   results,
		Stats:     stats,
		SavedAt:   time.Now(),
		Completed: completed,
	}
	// Detached context so a canceled crawl still persists its terminal
	// snapshot.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.checkpoints.Save(saveCtx, crawlID, snap); err != nil {
		logging.Warn("checkpoint save failed", zap.String("crawl_id", crawlID), zap.Error(err))
	}
}
