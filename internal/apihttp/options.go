package apihttp

import (
	"net/http"

	"github.com/keithlinneman/simplethrottle"
	"github.com/keithlinneman/simplethrottle/internal/health"
	"github.com/keithlinneman/simplethrottle/internal/httpmw"
	"github.com/keithlinneman/simplethrottle/internal/log"
	"github.com/keithlinneman/simplethrottle/internal/metrics"
)

type Options struct {
	Logger       log.Logger
	Port         int
	Registry     *simplethrottle.Registry
	Metrics      *metrics.ServerMetrics
	UseRecoverMW bool
	OnPanic      func()
	GuardMW      func(http.Handler) http.Handler
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64
}
