package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/wiki-tree-crawler/internal/crawler"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu"
	"github.com/JakeFAU/wiki-tree-crawler/internal/feishu/feishutest"
)

func TestInitTracerProviderValidates(t *testing.T) {
	t.Parallel()

	_, err := InitTracerProvider(context.Background(), Config{SampleRatio: 1})
	require.ErrorContains(t, err, "service name")

	_, err = InitTracerProvider(context.Background(), Config{ServiceName: "wikicrawl", SampleRatio: 2})
	require.ErrorContains(t, err, "sample ratio")
}

// The global provider is process-wide, so this test does not run in parallel.
func TestFeishuCallsAreTracedAndPropagated(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(),
		Config{ServiceName: "wikicrawl", ServiceVersion: "test", SampleRatio: 1},
		sdktrace.WithSpanProcessor(recorder),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	remote := feishutest.NewServer()
	t.Cleanup(remote.Close)
	remote.AddNodes("space", "", crawler.Node{NodeToken: "A"})

	headers := make(chan string, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case headers <- r.Header.Get("traceparent"):
		default:
		}
		remote.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(proxy.Close)

	client, err := feishu.NewClient(feishu.Config{BaseURL: proxy.URL}, nil)
	require.NoError(t, err)

	ctx, parent := otel.Tracer("test").Start(context.Background(), "parent")
	_, err = client.As("u-1").ListNodes(ctx, crawler.ListRequest{SpaceID: "space", PageSize: 50})
	require.NoError(t, err)
	parent.End()

	traceparent := <-headers
	require.NotEmpty(t, traceparent)
	require.Contains(t, traceparent, parent.SpanContext().TraceID().String())

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	require.Contains(t, names, "feishu.get")
	require.Contains(t, names, "parent")
}
