// Package cfg binds windowgate's settings to flags, with environment
// variables filling anything not given on the command line.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/windowgate/internal/log"
)

const EnvPrefix = "WINDOWGATE_"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	// FailModePolicy picks closed for auth and analysis, open for the rest
	FailModePolicy = "policy"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool
	DrainDelay  time.Duration
	// ShutdownTimeout bounds how long in-flight requests get after draining
	ShutdownTimeout time.Duration
	TrustedHops     int
	PrincipalHeader string

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	PoliciesFile     string
	PoliciesSSMParam string

	// the guard limits callers of the public API per address, apart from any policy
	GuardLimit         int
	GuardWindow        time.Duration
	GuardExemptPrivate bool

	Backend        string
	Shards         int
	MaxIdentifiers int
	SweepInterval  time.Duration
	IdleTTL        time.Duration

	RedisAddrs    string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisPoolSize int
	RedisTimeout  time.Duration
	FailMode      string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "decision API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port for metrics and probes (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 5*time.Second, "time between failing readiness and closing listeners on SIGTERM")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for in-flight requests after draining")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of us whose X-Forwarded-For entries are trusted (0..8)")
	fs.StringVar(&c.PrincipalHeader, "principal-header", "X-Authenticated-User", "header carrying the authenticated user, honoured from internal peers only (empty disables)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.PoliciesFile, "policies-file", "", "YAML file overriding the built-in policies")
	fs.StringVar(&c.PoliciesSSMParam, "policies-ssm-param", "", "ssm parameter holding the policies YAML, ignored when -policies-file is set")

	fs.IntVar(&c.GuardLimit, "guard-limit", 600, "requests per -guard-window each caller may make to the public API (0 disables)")
	fs.DurationVar(&c.GuardWindow, "guard-window", time.Minute, "window for -guard-limit, whole milliseconds")
	fs.BoolVar(&c.GuardExemptPrivate, "guard-exempt-private", true, "callers on loopback, private or link-local addresses bypass the guard")

	fs.StringVar(&c.Backend, "backend", BackendMemory, "memory|redis")
	fs.IntVar(&c.Shards, "shards", 64, "in-memory lock shards per policy, rounded up to a power of two (1..4096)")
	fs.IntVar(&c.MaxIdentifiers, "max-identifiers", 100000, "identifiers tracked per policy before the least recently seen are evicted (0 disables)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 5*time.Minute, "how often idle identifiers are swept from memory")
	fs.DurationVar(&c.IdleTTL, "idle-ttl", time.Hour, "idle time after which an identifier is swept, never less than the policy window")

	fs.StringVar(&c.RedisAddrs, "redis-addrs", "", "comma separated redis host:port list, more than one means cluster")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis AUTH password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number (single node only)")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "windowgate:", "prefix for every redis key")
	fs.IntVar(&c.RedisPoolSize, "redis-pool-size", 20, "redis connections per node")
	fs.DurationVar(&c.RedisTimeout, "redis-timeout", 250*time.Millisecond, "per command redis read/write timeout")
	fs.StringVar(&c.FailMode, "fail-mode", FailModePolicy, "what to do when redis is unreachable: open|closed|policy")
}

// RedisAddrList splits RedisAddrs, dropping blanks.
func (c App) RedisAddrList() []string {
	var out []string
	for _, a := range strings.Split(c.RedisAddrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
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
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must not be negative (got %s)", c.DrainDelay))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive (got %s)", c.ShutdownTimeout))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..8 (got %d)", c.TrustedHops))
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
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Limiter store
	if c.Shards < 1 || c.Shards > 4096 {
		errs = append(errs, fmt.Errorf("SHARDS must be 1..4096 (got %d)", c.Shards))
	}
	if c.MaxIdentifiers < 0 {
		errs = append(errs, fmt.Errorf("MAX_IDENTIFIERS must not be negative (got %d)", c.MaxIdentifiers))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be at least 1s (got %s)", c.SweepInterval))
	}
	if c.IdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("IDLE_TTL must be positive (got %s)", c.IdleTTL))
	}

	// API guard
	if c.GuardLimit < 0 {
		errs = append(errs, fmt.Errorf("GUARD_LIMIT must not be negative (got %d)", c.GuardLimit))
	}
	if c.GuardLimit > 0 && (c.GuardWindow < time.Millisecond || c.GuardWindow%time.Millisecond != 0) {
		errs = append(errs, fmt.Errorf("GUARD_WINDOW must be whole milliseconds, at least 1ms (got %s)", c.GuardWindow))
	}

	// Backend
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		addrs := c.RedisAddrList()
		if len(addrs) == 0 {
			errs = append(errs, errors.New("REDIS_ADDRS required when BACKEND=redis"))
		}
		for _, a := range addrs {
			if _, _, err := net.SplitHostPort(a); err != nil {
				errs = append(errs, fmt.Errorf("REDIS_ADDRS entry must be host:port (got %q)", a))
			}
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			errs = append(errs, fmt.Errorf("REDIS_DB must be 0..15 (got %d)", c.RedisDB))
		}
		if c.RedisDB != 0 && len(addrs) > 1 {
			errs = append(errs, errors.New("REDIS_DB must be 0 in cluster mode"))
		}
		if c.RedisPoolSize < 1 {
			errs = append(errs, fmt.Errorf("REDIS_POOL_SIZE must be positive (got %d)", c.RedisPoolSize))
		}
		if c.RedisTimeout <= 0 {
			errs = append(errs, fmt.Errorf("REDIS_TIMEOUT must be positive (got %s)", c.RedisTimeout))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid BACKEND %q (valid backends are memory|redis)", c.Backend))
	}
	switch c.FailMode {
	case "open", "closed", FailModePolicy:
	default:
		errs = append(errs, fmt.Errorf("invalid FAIL_MODE %q (valid modes are open|closed|policy)", c.FailMode))
	}

	return errors.Join(errs...)
}
