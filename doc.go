// Package simplethrottle rate limits named resources across processes using
// a shared Redis store: at most N events per rolling window of T seconds,
// with no coordinator beyond one atomic server-side script.
//
// State per throttle is a Redis list of millisecond timestamps, one entry
// per admitted event, trimmed lazily and expired by Redis after a ttl of
// inactivity. The script combines the capacity read with the conditional
// write in a single round trip, so concurrent callers in different
// processes can never both observe stale capacity and both admit past the
// limit.
//
//	throttle := simplethrottle.New("outbound-sms", 100, time.Minute)
//	ok, err := throttle.Allowed(ctx)
//
// Transport failures are returned to the caller untouched; the only error
// handled internally is the store forgetting the script (one reload and one
// retry, then it propagates). Callers pick their own fail-open or
// fail-closed posture.
package simplethrottle
