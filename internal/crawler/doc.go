// Package crawler discovers a wiki node tree through a paginated listing API.
//
// A Walker drains every page of one parent's children. A Crawler expands the
// tree level by level, fanning out over child subtrees with bounded
// parallelism and publishing a cumulative item count after every page. All
// remote calls go through a retrying caller that consults the shared rate
// gate before each attempt.
package crawler
