// Package fetcher downloads the photos referenced by ingested records and
// turns them into stored images plus inline JPEG thumbnails.
//
// A fetch checks the two-tier image cache, then downloads through a shared
// http.Client gated by the host limiter, retrying transient failures with
// exponential backoff. Decoding, resizing, encoding and writing run on the
// CPU worker pool. FetchAndProcess never returns an error: every outcome is
// a Result carrying either an Asset or a Failure.
package fetcher
