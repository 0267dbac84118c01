// Package metrics tracks conversion pipeline metrics for the stats API
// and Prometheus-compatible export.
package metrics

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ringSize bounds the latency sample window per operation.
const ringSize = 1024

// ring is a fixed-size window of duration samples in seconds.
type ring struct {
	samples [ringSize]float64
	count   uint64
}

func (r *ring) observe(secs float64) {
	r.samples[r.count%ringSize] = secs
	r.count++
}

// percentile returns the q-quantile (0 < q <= 1) over the window,
// defined as sorted[ceil(q*N)-1]. Zero when no samples exist.
func (r *ring) percentile(q float64) float64 {
	n := int(r.count)
	if n > ringSize {
		n = ringSize
	}
	if n == 0 {
		return 0
	}
	window := make([]float64, n)
	copy(window, r.samples[:n])
	sort.Float64s(window)
	idx := int(math.Ceil(q*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return window[idx]
}

// Collector tracks service counters and latency windows.
type Collector struct {
	mu      sync.RWMutex
	started time.Time

	requestsTotal      int64
	conversionsTotal   int64
	conversionFailures int64
	rateLimited        int64
	jobsCreated        int64
	jobsExecuted       int64
	jobRetryAttempts   int64

	conversionsByMethod map[string]int64
	failuresByKind      map[string]int64

	queueProbe func() int

	convert   ring
	jobRun    ring
	deepcrawl ring
}

// NewCollector creates a collector anchored at the current time.
func NewCollector() *Collector {
	return &Collector{
		started:             time.Now(),
		conversionsByMethod: make(map[string]int64),
		failuresByKind:      make(map[string]int64),
	}
}

// SetQueueProbe installs a callback sampled at snapshot time; its value
// joins the pending-job gap in the backlog gauge.
func (c *Collector) SetQueueProbe(fn func() int) {
	c.mu.Lock()
	c.queueProbe = fn
	c.mu.Unlock()
}

// RecordRequest counts an inbound HTTP request.
func (c *Collector) RecordRequest() {
	c.mu.Lock()
	c.requestsTotal++
	c.mu.Unlock()
}

// RecordConversion records a finished conversion attempt. method is the
// acquisition path tag; kind is the error kind on failure, "" on
// success.
func (c *Collector) RecordConversion(method string, duration time.Duration, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convert.observe(duration.Seconds())
	if kind != "" {
		c.conversionFailures++
		c.failuresByKind[kind]++
		return
	}
	c.conversionsTotal++
	if method != "" {
		c.conversionsByMethod[method]++
	}
}

// RecordRateLimited counts an upstream rate-limit response.
func (c *Collector) RecordRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// RecordJobCreated counts a dispatcher task accepted for execution.
func (c *Collector) RecordJobCreated() {
	c.mu.Lock()
	c.jobsCreated++
	c.mu.Unlock()
}

// RecordJobRun records one dispatcher task execution, including the
// number of retry attempts it consumed.
func (c *Collector) RecordJobRun(duration time.Duration, retries int) {
	c.mu.Lock()
	c.jobsExecuted++
	c.jobRetryAttempts += int64(retries)
	c.jobRun.observe(duration.Seconds())
	c.mu.Unlock()
}

// RecordDeepcrawl records one completed deep-crawl run.
func (c *Collector) RecordDeepcrawl(duration time.Duration) {
	c.mu.Lock()
	c.deepcrawl.observe(duration.Seconds())
	c.mu.Unlock()
}

// Snapshot is the point-in-time stats payload.
type Snapshot struct {
	UptimeSeconds      float64          `json:"uptime_seconds"`
	RequestsTotal      int64            `json:"requests_total"`
	ConversionsTotal   int64            `json:"conversions_total"`
	ConversionFailures int64            `json:"conversion_failures"`
	RateLimited        int64            `json:"rate_limited"`
	JobsCreated        int64            `json:"jobs_created"`
	JobsExecuted       int64            `json:"jobs_executed"`
	JobRetryAttempts   int64            `json:"job_retry_attempts"`
	JobBacklog         int64            `json:"job_backlog"`
	SuccessRate        float64          `json:"success_rate"`
	RetryRate          float64          `json:"retry_rate"`
	ThroughputPerMin   float64          `json:"throughput_per_min"`
	ConvertP50Ms       float64          `json:"convert_p50_ms"`
	ConvertP95Ms       float64          `json:"convert_p95_ms"`
	JobRunP50Ms        float64          `json:"job_run_p50_ms"`
	JobRunP95Ms        float64          `json:"job_run_p95_ms"`
	DeepcrawlP50Ms     float64          `json:"deepcrawl_p50_ms"`
	DeepcrawlP95Ms     float64          `json:"deepcrawl_p95_ms"`
	ByMethod           map[string]int64 `json:"conversions_by_method"`
	FailuresByKind     map[string]int64 `json:"failures_by_kind"`
}

// Snapshot returns current counters plus derived rates and window
// percentiles.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	uptime := time.Since(c.started).Seconds()
	snap := &Snapshot{
		UptimeSeconds:      uptime,
		RequestsTotal:      c.requestsTotal,
		ConversionsTotal:   c.conversionsTotal,
		ConversionFailures: c.conversionFailures,
		RateLimited:        c.rateLimited,
		JobsCreated:        c.jobsCreated,
		JobsExecuted:       c.jobsExecuted,
		JobRetryAttempts:   c.jobRetryAttempts,
		JobBacklog:         c.jobsCreated - c.jobsExecuted,
		ConvertP50Ms:       c.convert.percentile(0.50) * 1000,
		ConvertP95Ms:       c.convert.percentile(0.95) * 1000,
		JobRunP50Ms:        c.jobRun.percentile(0.50) * 1000,
		JobRunP95Ms:        c.jobRun.percentile(0.95) * 1000,
		DeepcrawlP50Ms:     c.deepcrawl.percentile(0.50) * 1000,
		DeepcrawlP95Ms:     c.deepcrawl.percentile(0.95) * 1000,
		ByMethod:           make(map[string]int64, len(c.conversionsByMethod)),
		FailuresByKind:     make(map[string]int64, len(c.failuresByKind)),
	}

	if attempts := c.conversionsTotal + c.conversionFailures; attempts > 0 {
		snap.SuccessRate = float64(c.conversionsTotal) / float64(attempts)
	}
	if c.jobsExecuted > 0 {
		snap.RetryRate = float64(c.jobRetryAttempts) / float64(c.jobsExecuted)
	}
	if uptime > 0 {
		snap.ThroughputPerMin = float64(c.conversionsTotal) / uptime * 60
	}

	if c.queueProbe != nil {
		snap.JobBacklog += int64(c.queueProbe())
	}

	for k, v := range c.conversionsByMethod {
		snap.ByMethod[k] = v
	}
	for k, v := range c.failuresByKind {
		snap.FailuresByKind[k] = v
	}
	return snap
}

// Handler returns the Prometheus text exposition endpoint.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text exposition format.
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	snap := c.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHelp(w, "urlmd_requests_total", "Total number of HTTP requests", "counter")
	writeMetric(w, "urlmd_requests_total", snap.RequestsTotal)

	writeHelp(w, "urlmd_conversions_total", "Total successful conversions", "counter")
	for method, count := range snap.ByMethod {
		writeMetric(w, "urlmd_conversions_total", count, "method", method)
	}

	writeHelp(w, "urlmd_conversion_failures_total", "Total failed conversions", "counter")
	for kind, count := range snap.FailuresByKind {
		writeMetric(w, "urlmd_conversion_failures_total", count, "kind", kind)
	}

	writeHelp(w, "urlmd_rate_limited_total", "Requests rejected by rate limiting", "counter")
	writeMetric(w, "urlmd_rate_limited_total", snap.RateLimited)

	writeHelp(w, "urlmd_jobs_created_total", "Dispatcher tasks accepted", "counter")
	writeMetric(w, "urlmd_jobs_created_total", snap.JobsCreated)

	writeHelp(w, "urlmd_jobs_executed_total", "Dispatcher tasks executed", "counter")
	writeMetric(w, "urlmd_jobs_executed_total", snap.JobsExecuted)

	writeHelp(w, "urlmd_job_retry_attempts_total", "Dispatcher retry attempts", "counter")
	writeMetric(w, "urlmd_job_retry_attempts_total", snap.JobRetryAttempts)

	writeHelp(w, "urlmd_job_backlog", "Dispatcher tasks accepted but not yet executed", "gauge")
	writeMetric(w, "urlmd_job_backlog", snap.JobBacklog)

	writeHelp(w, "urlmd_convert_duration_ms", "Conversion latency over the sample window", "summary")
	writeMetricFloat(w, "urlmd_convert_duration_ms", snap.ConvertP50Ms, "quantile", "0.5")
	writeMetricFloat(w, "urlmd_convert_duration_ms", snap.ConvertP95Ms, "quantile", "0.95")

	writeHelp(w, "urlmd_job_run_duration_ms", "Dispatcher task latency over the sample window", "summary")
	writeMetricFloat(w, "urlmd_job_run_duration_ms", snap.JobRunP50Ms, "quantile", "0.5")
	writeMetricFloat(w, "urlmd_job_run_duration_ms", snap.JobRunP95Ms, "quantile", "0.95")

	writeHelp(w, "urlmd_deepcrawl_duration_ms", "Deep crawl latency over the sample window", "summary")
	writeMetricFloat(w, "urlmd_deepcrawl_duration_ms", snap.DeepcrawlP50Ms, "quantile", "0.5")
	writeMetricFloat(w, "urlmd_deepcrawl_duration_ms", snap.DeepcrawlP95Ms, "quantile", "0.95")

	writeHelp(w, "urlmd_uptime_seconds", "Seconds since process start", "gauge")
	writeMetricFloat(w, "urlmd_uptime_seconds", snap.UptimeSeconds)
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}
