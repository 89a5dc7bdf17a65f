// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/wiki/... for space listing, node listing, full tree crawls,
//     server-sent progress streams, and document content.
//   - POST /api/wiki/{space_id}/crawls to queue a background crawl.
//   - GET /api/crawls and /api/crawls/{crawl_id} for crawl run history via
//     the CrawlHistory interface.
package api
