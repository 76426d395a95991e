package apihttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/simplethrottle/internal/health"
	"github.com/keithlinneman/simplethrottle/internal/httpmw"
	"github.com/keithlinneman/simplethrottle/internal/xerrors"
)

// NewHandler builds the full API handler: routes plus middleware chain.
func NewHandler(opts *Options) http.Handler {
	h := &handlers{
		registry: opts.Registry,
		metrics:  opts.Metrics,
	}

	r := chi.NewRouter()

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	r.Route("/v1/throttles", func(r chi.Router) {
		r.Get("/", h.list)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.status)
			r.Delete("/", h.reset)
			r.Post("/check", h.check)
			r.Post("/increment", h.increment)
		})
	})

	// Middleware (outermost first in wrapping order)
	var handler http.Handler = r

	// AnnotateHTTPRoute renames the otelhttp span to the chi route pattern
	handler = httpmw.AnnotateHTTPRoute(handler)

	// Access log after the handler runs, sees final status and route
	handler = httpmw.AccessLog()(handler)

	// Request-scoped logging (inner so it sees trace_id, etc)
	handler = httpmw.WithLogger(opts.Logger)(handler)

	// Metrics middleware for prometheus instrumentation
	if opts.MetricsMW != nil {
		handler = opts.MetricsMW(handler)
	}

	// add trace-id headers to any requests with a recording trace
	handler = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(handler)

	shouldTrace := func(p string) bool {
		return p != "/-/healthy" && p != "/-/ready"
	}

	handler = otelhttp.NewHandler(
		handler,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the final route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// Rate guard (after client IP mw so it uses the resolved IP)
	if opts.GuardMW != nil {
		handler = opts.GuardMW(handler)
	}

	// Client IP resolution (before the guard and logging in chain order)
	handler = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(handler)

	// Request ID (outer so everything downstream sees it)
	handler = httpmw.RequestID("X-Request-Id")(handler)

	if opts.MaxBodyBytes > 0 {
		handler = httpmw.MaxBody(opts.MaxBodyBytes)(handler)
	}

	// Recovery middleware to log panics and serve 500 response
	if opts.UseRecoverMW {
		handler = httpmw.Recover(opts.Logger, opts.OnPanic)(handler)
	}

	return handler
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
