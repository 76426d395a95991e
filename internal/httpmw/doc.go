// Package httpmw provides HTTP middleware for the throttle API server.
//
// Middleware is composed in a specific order in apihttp.NewHandler:
// request ID, client IP extraction, per-client rate guard, OTEL tracing,
// metrics, structured logging, and chi router.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query params, user-agent,
// headers) is intentionally excluded from logs to prevent log injection.
package httpmw
