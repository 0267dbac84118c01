// Package deepcrawl walks outward from a seed URL, converting pages
// through the conversion pipeline and scoring discovered links so the
// most promising pages are fetched first. Runs are bounded by depth and
// page budgets, filtered by domain and path rules, and checkpointed so
// an interrupted crawl can resume.
package deepcrawl

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/wudi/urlmd/internal/errors"
)

// Strategies order the frontier.
const (
	StrategyBestFirst = "best_first"
	StrategyBFS       = "bfs"
	StrategyDFS       = "dfs"
)

// Hard bounds on crawl requests.
const (
	MaxDepthLimit     = 6
	MaxPagesLimit     = 200
	MaxFilterEntryLen = 512
)

// Filters restrict which discovered links enter the frontier. With no
// allow list, the crawl stays on the seed's registerable domain.
type Filters struct {
	AllowDomains []string `json:"allow_domains,omitempty"`
	DenyDomains  []string `json:"deny_domains,omitempty"`
	AllowPaths   []string `json:"allow_paths,omitempty"`
	DenyPaths    []string `json:"deny_paths,omitempty"`
}

// Scorer weights keyword occurrences in anchor text and URL paths.
type Scorer struct {
	Keywords       []string `json:"keywords,omitempty"`
	Weight         float64  `json:"weight,omitempty"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`
}

// Output selects what each node result carries.
type Output struct {
	IncludeMarkdown bool `json:"include_markdown,omitempty"`
}

// Checkpoint configures snapshot persistence and resumption.
type Checkpoint struct {
	CrawlID          string `json:"crawl_id,omitempty"`
	Resume           bool   `json:"resume,omitempty"`
	SnapshotInterval int    `json:"snapshot_interval,omitempty"`
}

// Request is one crawl job.
type Request struct {
	Seed       string     `json:"seed"`
	MaxDepth   int        `json:"max_depth"`
	MaxPages   int        `json:"max_pages"`
	Strategy   string     `json:"strategy,omitempty"`
	Filters    Filters    `json:"filters,omitempty"`
	Scorer     Scorer     `json:"scorer,omitempty"`
	Output     Output     `json:"output,omitempty"`
	Checkpoint Checkpoint `json:"checkpoint,omitempty"`
	Stream     bool       `json:"stream,omitempty"`
}

var (
	crawlIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	domainRe  = regexp.MustCompile(`^\*?\.?([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

// Validate checks bounds and syntax and fills strategy/weight defaults.
func (r *Request) Validate() error {
	if r.Seed == "" {
		return errors.New(errors.KindInvalidRequest, "seed is required")
	}
	u, err := url.Parse(r.Seed)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return errors.Newf(errors.KindInvalidRequest, "seed must be an absolute http(s) URL")
	}

	if r.MaxDepth < 0 || r.MaxDepth > MaxDepthLimit {
		return errors.Newf(errors.KindInvalidRequest, "max_depth must be in [0, %d]", MaxDepthLimit)
	}
	if r.MaxPages < 1 || r.MaxPages > MaxPagesLimit {
		return errors.Newf(errors.KindInvalidRequest, "max_pages must be in [1, %d]", MaxPagesLimit)
	}

	switch r.Strategy {
	case "":
		r.Strategy = StrategyBestFirst
	case StrategyBestFirst, StrategyBFS, StrategyDFS:
	default:
		return errors.Newf(errors.KindInvalidRequest, "unknown strategy %q", r.Strategy)
	}

	for _, list := range [][]string{r.Filters.AllowDomains, r.Filters.DenyDomains} {
		for _, d := range list {
			if len(d) > MaxFilterEntryLen {
				return errors.Newf(errors.KindInvalidRequest, "filter entry exceeds %d characters", MaxFilterEntryLen)
			}
			if !domainRe.MatchString(d) {
				return errors.Newf(errors.KindInvalidRequest, "invalid domain filter %q", d)
			}
		}
	}
	for _, list := range [][]string{r.Filters.AllowPaths, r.Filters.DenyPaths} {
		for _, p := range list {
			if len(p) > MaxFilterEntryLen {
				return errors.Newf(errors.KindInvalidRequest, "filter entry exceeds %d characters", MaxFilterEntryLen)
			}
			if !strings.HasPrefix(p, "/") {
				return errors.Newf(errors.KindInvalidRequest, "path filter %q must start with /", p)
			}
		}
	}

	if r.Scorer.Weight == 0 {
		r.Scorer.Weight = 1
	}
	if r.Scorer.Weight < 0 {
		return errors.New(errors.KindInvalidRequest, "scorer weight must be positive")
	}

	if r.Checkpoint.CrawlID != "" && !crawlIDRe.MatchString(r.Checkpoint.CrawlID) {
		return errors.New(errors.KindInvalidRequest, "crawl_id may only contain [A-Za-z0-9_-]")
	}
	if r.Checkpoint.Resume && r.Checkpoint.CrawlID == "" {
		return errors.New(errors.KindInvalidRequest, "resume requires crawl_id")
	}
	if r.Checkpoint.SnapshotInterval < 0 {
		return errors.New(errors.KindInvalidRequest, "snapshot_interval must not be negative")
	}
	return nil
}
