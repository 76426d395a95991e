package simplethrottle

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces throttle state in Redis. The full key for a throttle
// named N is "simple_throttle.N"; keep it stable, other clients of the same
// store key off this format.
const keyPrefix = "simple_throttle."

// Throttle enforces "at most limit events per rolling ttl window" for one
// named resource, coordinated through Redis so the limit holds across
// processes. All methods are safe for concurrent use; the only cross-process
// guarantee comes from the atomicity of the window script, there is no
// client-side locking on the hot path.
type Throttle struct {
	name           string
	limit          float64
	ttl            time.Duration
	pauseToRecover bool
	source         clientSource
}

type Option func(*Throttle)

// WithPauseToRecover makes a saturated throttle require a real idle gap
// before admitting again: every denied call leaves a marker that must age
// out, so sustained calls at or above the limit never succeed.
func WithPauseToRecover() Option {
	return func(t *Throttle) { t.pauseToRecover = true }
}

// WithClient pins the throttle to a fixed Redis client instead of the
// process default.
func WithClient(c redis.UniversalClient) Option {
	return func(t *Throttle) { t.source = clientSource{fixed: c} }
}

// WithClientFunc resolves the Redis client on every call.
func WithClientFunc(fn func() redis.UniversalClient) Option {
	return func(t *Throttle) { t.source = clientSource{resolver: fn} }
}

// New creates a throttle allowing limit events per rolling ttl window.
// A limit <= 0 is valid configuration and means "always deny". Fractional
// limits are compared numerically, not truncated.
func New(name string, limit float64, ttl time.Duration, opts ...Option) *Throttle {
	t := &Throttle{
		name:  name,
		limit: limit,
		ttl:   ttl,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Throttle) Name() string         { return t.name }
func (t *Throttle) Limit() float64       { return t.limit }
func (t *Throttle) TTL() time.Duration   { return t.ttl }
func (t *Throttle) PauseToRecover() bool { return t.pauseToRecover }

func (t *Throttle) key() string { return keyPrefix + t.name }

func (t *Throttle) client() redis.UniversalClient { return t.source.resolve() }

// Allowed records one event and reports whether it fit inside the limit.
// The event is recorded on failure too; that is intentional, it is what
// implements the pause-to-recover penalty. There is no way to release an
// admission once recorded.
func (t *Throttle) Allowed(ctx context.Context) (bool, error) {
	count, err := t.eval(ctx, 1, false)
	if err != nil {
		return false, err
	}
	return float64(count) <= t.limit, nil
}

// Increment records amount events after forcing an accounting pass, and
// returns the resulting count for the caller to compare against the limit.
// The count is clamped server-side: it never exceeds limit+1, or limit+2
// with pause-to-recover.
func (t *Throttle) Increment(ctx context.Context, amount int) (int64, error) {
	if amount < 1 {
		amount = 1
	}
	return t.eval(ctx, amount, true)
}

// Peek returns the number of events currently inside the window without
// recording anything. It reads a snapshot of the stored list and filters on
// the client, so under concurrent mutation the count is advisory: a trim or
// admission racing with the read can skew it transiently.
func (t *Throttle) Peek(ctx context.Context) (int64, error) {
	vals, err := t.client().LRange(ctx, t.key(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	minTime := time.Now().UnixMilli() - t.ttl.Milliseconds()
	var n int64
	for _, v := range vals {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil && ms > minTime {
			n++
		}
	}
	return n, nil
}

// WaitTime estimates how long until a slot frees: zero while under capacity,
// otherwise the time left before the oldest tracked event ages out of the
// window. Advisory only; a concurrent caller may claim the freed slot first.
func (t *Throttle) WaitTime(ctx context.Context) (time.Duration, error) {
	count, err := t.Peek(ctx)
	if err != nil {
		return 0, err
	}
	if float64(count) < t.limit {
		return 0, nil
	}

	oldest, err := t.client().LIndex(ctx, t.key(), 0).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(oldest, 10, 64)
	if err != nil {
		return 0, nil
	}

	wait := time.Duration(ms)*time.Millisecond + t.ttl - time.Duration(time.Now().UnixMilli())*time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// Reset deletes the throttle's stored state unconditionally. The next call
// starts from an empty window.
func (t *Throttle) Reset(ctx context.Context) error {
	return t.client().Del(ctx, t.key()).Err()
}

// eval runs the window script once with this throttle's parameters.
// Timestamps cross the wire as decimal integer milliseconds since epoch.
func (t *Throttle) eval(ctx context.Context, amount int, cleanup bool) (int64, error) {
	return evalWindowScript(ctx, t.client(), t.key(),
		t.limit,
		t.ttl.Milliseconds(),
		time.Now().UnixMilli(),
		boolArg(t.pauseToRecover),
		amount,
		boolArg(cleanup),
	)
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}
