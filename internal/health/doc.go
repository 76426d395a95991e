// Package health provides request-time health/readiness probes, probe
// combinators, the HTTP handlers that expose them, and a shutdown gate used
// to fail readiness while draining.
package health
