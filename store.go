package simplethrottle

import (
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
)

// clientSource is the per-throttle store binding: a fixed client, a resolver
// evaluated on every call (for environments that re-create connections after
// a fork or restart), or neither, which falls through to the process-wide
// default.
type clientSource struct {
	fixed    redis.UniversalClient
	resolver func() redis.UniversalClient
}

func (s clientSource) resolve() redis.UniversalClient {
	switch {
	case s.fixed != nil:
		return s.fixed
	case s.resolver != nil:
		return s.resolver()
	default:
		return defaultClient()
	}
}

var (
	defaultMu       sync.Mutex
	defaultFixed    redis.UniversalClient
	defaultResolver func() redis.UniversalClient

	lazyOnce   sync.Once
	lazyClient redis.UniversalClient
)

// SetDefaultClient sets the client used by every throttle that has no
// override of its own.
func SetDefaultClient(c redis.UniversalClient) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFixed = c
	defaultResolver = nil
}

// SetDefaultClientFunc sets a resolver evaluated on every call for throttles
// with no override. Use this when the process replaces its Redis connections
// at runtime.
func SetDefaultClientFunc(fn func() redis.UniversalClient) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFixed = nil
	defaultResolver = fn
}

// DefaultClient returns the client throttles fall back to: the injected
// default if one was set, otherwise a lazily dialed connection from the
// REDIS_URL environment variable (localhost:6379 when unset).
func DefaultClient() redis.UniversalClient {
	return defaultClient()
}

func defaultClient() redis.UniversalClient {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultFixed != nil {
		return defaultFixed
	}
	if defaultResolver != nil {
		return defaultResolver()
	}
	// nothing injected: dial once, lazily, and keep it for process lifetime
	lazyOnce.Do(func() {
		lazyClient = dialDefault()
	})
	return lazyClient
}

func dialDefault() redis.UniversalClient {
	if url := os.Getenv("REDIS_URL"); url != "" {
		if opt, err := redis.ParseURL(url); err == nil {
			return redis.NewClient(opt)
		}
	}
	return redis.NewClient(&redis.Options{Addr: "localhost:6379"})
}
