// Package retry provides bounded exponential backoff retry logic for transient failures.
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Recovery(): 3 attempts, 10ms-250ms delay, at most 1s of waiting (bus error recovery)
//   - Startup(): 10 attempts, 50ms-1s delay, at most 10s of waiting (socket bind, broker connect)
//
// MaxElapsed caps the total time spent sleeping between attempts. A retry
// loop built from Recovery() can therefore never stall a caller for longer
// than its budget plus the cost of the attempts themselves.
//
// # Usage
//
//	err := retry.Do(ctx, retry.Recovery(), func() error {
//	    return bridge.Reopen()
//	})
//
// Wrap an error with NonRetryable to stop immediately:
//
//	if errors.Is(err, errs.ErrInvalidParameter) {
//	    return retry.NonRetryable(err)
//	}
package retry
