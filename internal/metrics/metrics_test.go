package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordConversion(t *testing.T) {
	c := NewCollector()

	c.RecordConversion("native", 100*time.Millisecond, "")
	c.RecordConversion("native", 200*time.Millisecond, "")
	c.RecordConversion("proxy", 50*time.Millisecond, "")
	c.RecordConversion("", 300*time.Millisecond, "fetch_failed")

	snap := c.Snapshot()

	if snap.ConversionsTotal != 3 {
		t.Errorf("conversions = %d, want 3", snap.ConversionsTotal)
	}
	if snap.ConversionFailures != 1 {
		t.Errorf("failures = %d, want 1", snap.ConversionFailures)
	}
	if snap.ByMethod["native"] != 2 || snap.ByMethod["proxy"] != 1 {
		t.Errorf("by method = %v", snap.ByMethod)
	}
	if snap.FailuresByKind["fetch_failed"] != 1 {
		t.Errorf("by kind = %v", snap.FailuresByKind)
	}
	if got := snap.SuccessRate; got != 0.75 {
		t.Errorf("success rate = %v, want 0.75", got)
	}
}

func TestPercentiles(t *testing.T) {
	var r ring
	for _, ms := range []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		r.observe(ms / 1000)
	}
	// p50 over 10 samples is sorted[ceil(0.5*10)-1] = sorted[4]
	if got := r.percentile(0.50) * 1000; got != 50 {
		t.Errorf("p50 = %v, want 50", got)
	}
	// p95 is sorted[ceil(9.5)-1] = sorted[9]
	if got := r.percentile(0.95) * 1000; got != 100 {
		t.Errorf("p95 = %v, want 100", got)
	}
}

func TestPercentileEmpty(t *testing.T) {
	var r ring
	if got := r.percentile(0.95); got != 0 {
		t.Errorf("empty ring p95 = %v", got)
	}
}

func TestRingWraps(t *testing.T) {
	var r ring
	// Fill past the window with 1s, then overwrite with 2s.
	for i := 0; i < ringSize; i++ {
		r.observe(1)
	}
	for i := 0; i < ringSize; i++ {
		r.observe(2)
	}
	if got := r.percentile(0.50); got != 2 {
		t.Errorf("p50 after wrap = %v, want 2", got)
	}
}

func TestJobCounters(t *testing.T) {
	c := NewCollector()

	c.RecordJobCreated()
	c.RecordJobCreated()
	c.RecordJobCreated()
	c.RecordJobRun(10*time.Millisecond, 0)
	c.RecordJobRun(20*time.Millisecond, 2)

	snap := c.Snapshot()
	if snap.JobsCreated != 3 || snap.JobsExecuted != 2 {
		t.Errorf("jobs = %d/%d", snap.JobsCreated, snap.JobsExecuted)
	}
	if snap.JobBacklog != 1 {
		t.Errorf("backlog = %d, want 1", snap.JobBacklog)
	}
	if snap.JobRetryAttempts != 2 {
		t.Errorf("retries = %d, want 2", snap.JobRetryAttempts)
	}
	if snap.RetryRate != 1.0 {
		t.Errorf("retry rate = %v, want 1.0", snap.RetryRate)
	}
}

func TestWritePrometheus(t *testing.T) {
	c := NewCollector()

	c.RecordRequest()
	c.RecordConversion("native", 50*time.Millisecond, "")
	c.RecordRateLimited()
	c.RecordDeepcrawl(time.Second)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body := w.Body.String()
	for _, want := range []string{
		"urlmd_requests_total 1",
		`urlmd_conversions_total{method="native"} 1`,
		"urlmd_rate_limited_total 1",
		`urlmd_convert_duration_ms{quantile="0.95"}`,
		"urlmd_deepcrawl_duration_ms",
		"urlmd_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q", want)
		}
	}

	ct := w.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type: %s", ct)
	}
}
