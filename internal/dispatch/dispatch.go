// Package dispatch runs batches of URL-addressed tasks through a
// bounded worker pool with per-host pacing. Hosts that rate-limit get
// exponential backoff with jitter; well-behaved hosts decay back toward
// the base delay.
package dispatch

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/urlmd/internal/errors"
	"github.com/wudi/urlmd/internal/logging"
	"github.com/wudi/urlmd/internal/metrics"
)

// DefaultHost buckets tasks that carry no URL.
const DefaultHost = "__default__"

// Task is one unit of work. URL selects the pacing bucket; Data is
// opaque to the dispatcher and handed to the executor as-is.
type Task struct {
	ID   string
	URL  string
	Data any
}

// Executor runs one task and returns its output. Errors carrying an
// upstream HTTP status steer retry decisions.
type Executor func(ctx context.Context, task Task) (any, error)

// Result pairs a task with its outcome. Results are returned in task
// order regardless of completion order.
type Result struct {
	Task    Task
	Output  any
	Err     error
	Retries int
	Elapsed time.Duration
}

// Options tune the pool. Zero values get working defaults.
type Options struct {
	Concurrency    int
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitCodes []int
	Metrics        *metrics.Collector
}

func (o *Options) withDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if len(o.RateLimitCodes) == 0 {
		o.RateLimitCodes = []int{429, 503}
	}
}

// hostState is the pacing record for one host.
type hostState struct {
	delay  time.Duration
	nextAt time.Time
}

// limiter serializes all per-host pacing state behind one mutex, so a
// host's delay and next-allowed time always move together.
type limiter struct {
	mu     sync.Mutex
	base   time.Duration
	max    time.Duration
	hosts  map[string]*hostState
	now    func() time.Time
	jitter func() float64 // uniform in [0.75, 1.25]
}

func newLimiter(base, max time.Duration) *limiter {
	return &limiter{
		base:   base,
		max:    max,
		hosts:  make(map[string]*hostState),
		now:    time.Now,
		jitter: func() float64 { return 0.75 + 0.5*rand.Float64() },
	}
}

func (l *limiter) state(host string) *hostState {
	st, ok := l.hosts[host]
	if !ok {
		st = &hostState{delay: l.base}
		l.hosts[host] = st
	}
	return st
}

// wait blocks until the host's next-allowed time, then reserves a
// pacing slot so concurrent workers on the same host stay spaced.
func (l *limiter) wait(ctx context.Context, host string) error {
	for {
		l.mu.Lock()
		st := l.state(host)
		now := l.now()
		if !now.Before(st.nextAt) {
			gap := st.delay
			if l.base < gap {
				gap = l.base
			}
			st.nextAt = now.Add(gap)
			l.mu.Unlock()
			return nil
		}
		d := st.nextAt.Sub(now)
		l.mu.Unlock()
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

// success decays the host's delay toward the base.
func (l *limiter) success(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(host)
	st.delay = st.delay * 3 / 4
	if st.delay < l.base {
		st.delay = l.base
	}
	gap := st.delay
	if l.base < gap {
		gap = l.base
	}
	st.nextAt = l.now().Add(gap)
}

// failure doubles the host's delay with jitter, clamped to the max, and
// returns how long the next attempt must wait.
func (l *limiter) failure(host string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(host)
	st.delay = time.Duration(float64(st.delay) * 2 * l.jitter())
	if st.delay > l.max {
		st.delay = l.max
	}
	st.nextAt = l.now().Add(st.delay)
	return st.delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindInternal, "aborted")
	case <-t.C:
		return nil
	}
}

// taskHost extracts the pacing bucket from a task URL.
func taskHost(rawURL string) string {
	if rawURL == "" {
		return DefaultHost
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return DefaultHost
	}
	return u.Hostname()
}

// retryable reports whether a failure is worth retrying: rate-limit
// statuses and code-less failures are; anything with another upstream
// status is not.
func retryable(err error, codes []int) bool {
	ce, ok := errors.AsConvertError(err)
	if !ok || ce.Status == 0 {
		return true
	}
	return rateLimited(err, codes)
}

// rateLimited reports whether the failure carries a rate-limit status.
func rateLimited(err error, codes []int) bool {
	ce, ok := errors.AsConvertError(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if ce.Status == c {
			return true
		}
	}
	return false
}

// RunTasks executes tasks through a bounded worker pool and returns one
// result per task, in task order. Cancellation marks every unfinished
// task with an aborted error; it never drops results.
func RunTasks(ctx context.Context, tasks []Task, exec Executor, opts Options) []Result {
	opts.withDefaults()

	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if opts.Metrics != nil {
		for range tasks {
			opts.Metrics.RecordJobCreated()
		}
	}

	lim := newLimiter(opts.BaseDelay, opts.MaxDelay)
	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for i := range tasks {
		g.Go(func() error {
			results[i] = runOne(ctx, tasks[i], exec, lim, opts)
			return nil
		})
	}
	g.Wait()
	return results
}

func runOne(ctx context.Context, task Task, exec Executor, lim *limiter, opts Options) Result {
	host := taskHost(task.URL)
	start := time.Now()
	res := Result{Task: task}

	for attempt := 0; ; attempt++ {
		if err := lim.wait(ctx, host); err != nil {
			res.Err = err
			break
		}

		out, err := exec(ctx, task)
		if err == nil {
			lim.success(host)
			res.Output = out
			break
		}

		if ctx.Err() != nil {
			res.Err = errors.Wrap(ctx.Err(), errors.KindInternal, "aborted")
			break
		}

		if opts.Metrics != nil && rateLimited(err, opts.RateLimitCodes) {
			opts.Metrics.RecordRateLimited()
		}
		delay := lim.failure(host)
		if attempt >= opts.MaxRetries || !retryable(err, opts.RateLimitCodes) {
			res.Err = err
			break
		}
		res.Retries++
		logging.Debug("task retry scheduled",
			zap.String("host", host),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	res.Elapsed = time.Since(start)
	if opts.Metrics != nil {
		opts.Metrics.RecordJobRun(res.Elapsed, res.Retries)
	}
	return res
}
