package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		rateGateWaitSeconds == nil || retriesTotal == nil || retriesExhaustedTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveRetryCounters(t *testing.T) {
	Init()
	before := testutil.ToFloat64(retriesTotal.WithLabelValues("rate_limit"))
	ObserveRetry("rate_limit")
	ObserveRetry("rate_limit")
	if got := testutil.ToFloat64(retriesTotal.WithLabelValues("rate_limit")); got != before+2 {
		t.Errorf("expected retries to grow by 2, got %f -> %f", before, got)
	}

	exhaustedBefore := testutil.ToFloat64(retriesExhaustedTotal.WithLabelValues("transient"))
	ObserveRetriesExhausted("transient")
	if got := testutil.ToFloat64(retriesExhaustedTotal.WithLabelValues("transient")); got != exhaustedBefore+1 {
		t.Errorf("expected exhausted to grow by 1, got %f -> %f", exhaustedBefore, got)
	}
}

func TestObserveRateGateWait(t *testing.T) {
	Init()
	ObserveRateGateWait(250 * time.Millisecond)
	if val := testutil.CollectAndCount(rateGateWaitSeconds); val != 1 {
		t.Errorf("expected one histogram series, got %d", val)
	}
}

func TestActiveStreamsGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeStreams)
	IncActiveStreams()
	if got := testutil.ToFloat64(activeStreams); got != before+1 {
		t.Errorf("expected gauge %f, got %f", before+1, got)
	}
	DecActiveStreams()
	if got := testutil.ToFloat64(activeStreams); got != before {
		t.Errorf("expected gauge back to %f, got %f", before, got)
	}
}

func TestCrawlQueueDepthGauge(t *testing.T) {
	SetCrawlQueueDepth(3)
	if got := testutil.ToFloat64(crawlQueueDepth); got != 3 {
		t.Errorf("expected depth 3, got %f", got)
	}
	SetCrawlQueueDepth(0)
	if got := testutil.ToFloat64(crawlQueueDepth); got != 0 {
		t.Errorf("expected depth 0, got %f", got)
	}
}
