// Package guard is middleware for per-client rate guarding of the API.
//
// Simple in-memory implementation, not shared between instances. This guard
// protects the throttle service itself from a single client flooding it with
// check/increment calls; the throttles it serves are the distributed,
// Redis-backed limits. A guarded request never reaches Redis, which keeps a
// misbehaving client from turning into store load.
//
// What this does NOT protect against:
//   - distributed abuse across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
package guard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/simplethrottle/internal/httpmw"
)

// visitor tracks a single client's limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log
	// resets when the entry is evicted and re-created
	logged bool
}

// Guard holds per-client rate limiters with background eviction
type Guard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// rate controls: requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle client stays in the map before eviction
	ttl time.Duration

	// OnFirstDenied is called once per visitor when they first get guarded,
	// ip is the raw IP string (no port)
	OnFirstDenied func(ip string)

	// OnDenied is called on every denied request, used for counters
	OnDenied func(ip string)
}

type Option func(*Guard)

// WithRate sets the request bucket size and the refill rate.
// burst is the total capacity of the bucket, perSecond is how many tokens
// are added back each second. WithRate(10, 50) allows 50 requests at once,
// then refills at 10 requests per second.
func WithRate(perSecond float64, burst int) Option {
	return func(g *Guard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithTTL controls how long an idle client stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(g *Guard) {
		g.ttl = d
	}
}

// WithOnFirstDenied sets a callback for the first denial per visitor, used
// for logging. Separate from OnDenied so we log once but count every denial.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(g *Guard) {
		g.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request
func WithOnDenied(fn func(ip string)) Option {
	return func(g *Guard) {
		g.OnDenied = fn
	}
}

// New creates a Guard and starts the background cleanup goroutine
func New(ctx context.Context, opts ...Option) *Guard {
	g := &Guard{
		visitors:  make(map[string]*visitor),
		perSecond: 50,
		burst:     100,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(g)
	}
	// cleanup stops when ctx is cancelled on app shutdown
	go g.cleanup(ctx)
	return g
}

// allow checks whether the given client is within its rate. Handles visitor
// creation and the first-denial hook. Returns true if the request should
// proceed.
func (g *Guard) allow(ip string) bool {
	g.mu.Lock()
	v, exists := g.visitors[ip]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(g.perSecond, g.burst),
		}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		// release the lock before calling hooks, they may do slow work
		g.mu.Unlock()
		if g.OnFirstDenied != nil {
			g.OnFirstDenied(ip)
		}
		if g.OnDenied != nil {
			g.OnDenied(ip)
		}
		return false
	}

	g.mu.Unlock()

	if !allowed && g.OnDenied != nil {
		g.OnDenied(ip)
	}

	return allowed
}

// cleanup periodically evicts visitors that haven't been seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (g *Guard) cleanup(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-client rate with 429
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// client IP resolution (XFF handling) happens in httpmw.ClientIP
		ip := httpmw.ClientIPFromContext(r.Context())

		if !g.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			// intentionally no detail about limits or refill timing
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
