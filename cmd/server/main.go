package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/simplethrottle"
	"github.com/keithlinneman/simplethrottle/internal/apihttp"
	"github.com/keithlinneman/simplethrottle/internal/cfg"
	"github.com/keithlinneman/simplethrottle/internal/guard"
	"github.com/keithlinneman/simplethrottle/internal/health"
	"github.com/keithlinneman/simplethrottle/internal/httpmw"
	"github.com/keithlinneman/simplethrottle/internal/log"
	"github.com/keithlinneman/simplethrottle/internal/metrics"
	"github.com/keithlinneman/simplethrottle/internal/opshttp"
	"github.com/keithlinneman/simplethrottle/internal/otelx"
	"github.com/keithlinneman/simplethrottle/internal/prof"
	"github.com/keithlinneman/simplethrottle/internal/redisconf"
	v "github.com/keithlinneman/simplethrottle/internal/version"
)

const appName = "simplethrottle"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix THROTTLE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "THROTTLE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		stackLvl, _ = log.ParseLevel(conf.StacktraceLevel)
	}
	lg, err := log.New(log.Options{
		App:             appName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		BuildId:         vi.BuildId,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, here in case we swap backends in the future
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"api_port", conf.APIPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"redis_ssm_param", conf.RedisSSMParam,
		"guard_rate", conf.GuardRate,
		"guard_burst", conf.GuardBurst,
		"throttles", len(conf.Throttles),
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// Resolve the redis url: explicit flag, then SSM, then library default
	// (REDIS_URL env or localhost)
	redisURL := conf.RedisURL
	if redisURL == "" && conf.RedisSSMParam != "" {
		resolver, err := redisconf.NewResolver(ctx, redisconf.Options{
			Logger: L,
			Param:  conf.RedisSSMParam,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create redis url resolver")
			os.Exit(1)
		}
		redisURL, err = resolver.ResolveURL(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to resolve redis url from ssm", "param", conf.RedisSSMParam)
			os.Exit(1)
		}
	}

	var client redis.UniversalClient
	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			L.Error(ctx, err, "invalid redis url")
			os.Exit(1)
		}
		client = redis.NewClient(opt)
		simplethrottle.SetDefaultClient(client)
	} else {
		client = simplethrottle.DefaultClient()
	}
	defer client.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		// log and keep starting, readiness stays down until the store answers
		L.Warn(ctx, "redis ping failed at startup", "error", err)
	}
	pingCancel()

	simplethrottle.OnScriptReload = m.IncScriptReload

	// Populate the registry from config
	registry := simplethrottle.NewRegistry()
	for _, def := range conf.Throttles {
		opts := []simplethrottle.Option{simplethrottle.WithClient(client)}
		if def.PauseToRecover {
			opts = append(opts, simplethrottle.WithPauseToRecover())
		}
		registry.Add(def.Name, def.Limit, def.TTL, opts...)
		m.SetThrottleLimit(def.Name, def.Limit)
		L.Info(ctx, "registered throttle",
			"throttle", def.Name,
			"limit", def.Limit,
			"ttl", def.TTL,
			"pause_to_recover", def.PauseToRecover,
		)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness requires the gate open and the store answering
	readiness := health.All(
		gate.Probe(),
		health.RedisPing(client, 2*time.Second),
	)

	// per-client guard in front of the API
	g := guard.New(ctx,
		guard.WithRate(conf.GuardRate, conf.GuardBurst),
		guard.WithOnDenied(func(ip string) {
			m.IncGuardDenied()
		}),
		guard.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "api guard triggered", "ip", ip)
		}),
	)

	apiStop, err := apihttp.Start(ctx, &apihttp.Options{
		Logger:       L,
		Port:         conf.APIPort,
		Registry:     registry,
		Metrics:      m,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		GuardMW:      g.Middleware,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.ProxyHops},
		MaxBodyBytes: 1 << 16,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiStop(context.Background()) }()

	// admin/ops listener for metrics, health checks and pprof
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd kills the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections before closing listeners
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining 10s")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(10 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := apiStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET to a unix socket path when started with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
