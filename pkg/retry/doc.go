// Package retry provides bounded retries with exponential backoff and the
// shared adjustment Policy.
//
// Do never makes more than MaxAttempts attempts and never waits after the last
// one. Waits observe the configured context.
//
//	err := retry.Do(func(attempt int) error {
//		return download(url)
//	}, &retry.Config{
//		MaxAttempts: 3,
//		Backoff:     retry.DefaultExponentialBackoff(),
//		Context:     ctx,
//	})
//
// Policy is also used by the ingest batch controller, which steps the batch
// size by multiplicative factors under the same clamping rules.
package retry
