package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/simplethrottle/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	APIPort         int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	StacktraceLevel string
	RedisURL        string
	RedisSSMParam   string
	GuardRate       float64
	GuardBurst      int
	ProxyHops       int
	Throttles       ThrottleDefs
}

// ThrottleDef is one statically configured throttle.
type ThrottleDef struct {
	Name           string
	Limit          float64
	TTL            time.Duration
	PauseToRecover bool
}

// ThrottleDefs is a repeatable flag value. Each occurrence (or each
// comma-separated element) is parsed as "name:limit:ttl[:pause]",
// e.g. "api-calls:100:60s" or "login:5:300s:pause".
type ThrottleDefs []ThrottleDef

func (d *ThrottleDefs) String() string {
	parts := make([]string, 0, len(*d))
	for _, t := range *d {
		s := fmt.Sprintf("%s:%g:%s", t.Name, t.Limit, t.TTL)
		if t.PauseToRecover {
			s += ":pause"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}

func (d *ThrottleDefs) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		def, err := ParseThrottleDef(item)
		if err != nil {
			return err
		}
		*d = append(*d, def)
	}
	return nil
}

// ParseThrottleDef parses "name:limit:ttl[:pause]".
func ParseThrottleDef(s string) (ThrottleDef, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return ThrottleDef{}, fmt.Errorf("throttle %q: want name:limit:ttl[:pause]", s)
	}

	var def ThrottleDef
	def.Name = strings.TrimSpace(parts[0])
	if def.Name == "" {
		return ThrottleDef{}, fmt.Errorf("throttle %q: empty name", s)
	}

	limit, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || limit < 0 {
		return ThrottleDef{}, fmt.Errorf("throttle %q: invalid limit %q", s, parts[1])
	}
	def.Limit = limit

	ttl, err := time.ParseDuration(parts[2])
	if err != nil || ttl <= 0 {
		return ThrottleDef{}, fmt.Errorf("throttle %q: invalid ttl %q", s, parts[2])
	}
	def.TTL = ttl

	if len(parts) == 4 {
		switch parts[3] {
		case "pause":
			def.PauseToRecover = true
		default:
			return ThrottleDef{}, fmt.Errorf("throttle %q: unknown modifier %q", s, parts[3])
		}
	}

	return def, nil
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.APIPort, "api-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "redis connection url (redis://host:port/db)")
	fs.StringVar(&c.RedisSSMParam, "redis-ssm-param", "", "ssm parameter name holding the redis url")
	fs.Float64Var(&c.GuardRate, "guard-rate", 50, "per-client request rate for the API guard (req/sec)")
	fs.IntVar(&c.GuardBurst, "guard-burst", 100, "per-client burst ceiling for the API guard")
	fs.IntVar(&c.ProxyHops, "proxy-hops", 0, "trusted reverse proxies in front of this server (0 = none)")
	fs.Var(&c.Throttles, "throttle", "throttle definition name:limit:ttl[:pause], repeatable")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.APIPort < 1 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid API_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.APIPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and API_PORT must differ (both %d)", c.APIPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Redis source. URL and SSM param are alternatives; when both are set
	// the explicit URL wins, so reject the ambiguity up front.
	if c.RedisURL != "" && c.RedisSSMParam != "" {
		errs = append(errs, fmt.Errorf("REDIS_URL and REDIS_SSM_PARAM are mutually exclusive"))
	}
	if c.RedisURL != "" {
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("REDIS_URL must be redis:// or rediss:// (got %q)", c.RedisURL))
		}
	}

	// API guard
	if c.GuardRate <= 0 {
		errs = append(errs, fmt.Errorf("GUARD_RATE must be positive (got %g)", c.GuardRate))
	}
	if c.GuardBurst < 1 {
		errs = append(errs, fmt.Errorf("GUARD_BURST must be >= 1 (got %d)", c.GuardBurst))
	}

	if c.ProxyHops < 0 {
		errs = append(errs, fmt.Errorf("PROXY_HOPS must be >= 0 (got %d)", c.ProxyHops))
	}

	// Throttle definitions parse at flag time; catch duplicate names here.
	seen := make(map[string]bool, len(c.Throttles))
	for _, def := range c.Throttles {
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("duplicate throttle name %q", def.Name))
		}
		seen[def.Name] = true
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
