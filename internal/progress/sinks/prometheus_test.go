package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wiki-tree-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	crawlID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{CrawlID: crawlID, TS: now, Stage: progress.StageCrawlStart, SpaceID: "space"},
		{CrawlID: crawlID, TS: now.Add(time.Second), Stage: progress.StageCrawlPage, SpaceID: "space", Items: 50, Pages: 1},
		{CrawlID: crawlID, TS: now.Add(2 * time.Second), Stage: progress.StageCrawlPage, SpaceID: "space", Items: 7, Pages: 1},
		{CrawlID: crawlID, TS: now.Add(3 * time.Second), Stage: progress.StageCrawlDone, Outcome: progress.OutcomeSuccess, Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("rate_limited")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.InDelta(t, 57.0, testutil.ToFloat64(sink.nodesDiscovered), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.pagesListed), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.crawlRuntime, "wikicrawl_crawl_runtime_seconds"))
}

// TestPrometheusSinkTracksRunningCrawls verifies the gauge ignores duplicate lifecycle events.
func TestPrometheusSinkTracksRunningCrawls(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	a := progress.UUIDToBytes(uuid.New())
	b := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: a, TS: now, Stage: progress.StageCrawlStart, SpaceID: "s"},
		{CrawlID: a, TS: now, Stage: progress.StageCrawlStart, SpaceID: "s"},
		{CrawlID: b, TS: now, Stage: progress.StageCrawlStart, SpaceID: "s"},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.crawlsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: a, TS: now, Stage: progress.StageCrawlError, Outcome: progress.OutcomeRateLimited},
		{CrawlID: a, TS: now, Stage: progress.StageCrawlError, Outcome: progress.OutcomeRateLimited},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("rate_limited")))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
