// Package progress reports crawl progress in two shapes. The Hub batches
// lifecycle events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics or persistent storage. Stream bridges a
// single crawl running in the background into an ordered sequence of updates
// for one live subscriber.
package progress
