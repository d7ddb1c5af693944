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

	"github.com/keithlinneman/windowgate/internal/cfg"
	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpserver"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/metrics"
	"github.com/keithlinneman/windowgate/internal/opshttp"
	"github.com/keithlinneman/windowgate/internal/otelx"
	"github.com/keithlinneman/windowgate/internal/policysrc"
	"github.com/keithlinneman/windowgate/internal/prof"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
	v "github.com/keithlinneman/windowgate/internal/version"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

func main() {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate has already checked both levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.ShortCommit(),
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")

	if err := run(L, conf, vi); err != nil {
		L.Error(context.Background(), err, "windowgate exited with error")
		_ = lg.Sync()
		os.Exit(1)
	}
}

func run(L log.Logger, conf cfg.App, vi v.Info) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = log.WithContext(ctx, L)

	// registered early so a signal during startup still drains cleanly
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"backend", conf.Backend,
		"fail_mode", conf.FailMode,
		"trusted_hops", conf.TrustedHops,
		"guard_limit", conf.GuardLimit,
		"guard_window", conf.GuardWindow,
		"guard_exempt_private", conf.GuardExemptPrivate,
		"principal_header", conf.PrincipalHeader,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	// profiling and tracing failures are logged and the service carries on
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
			"backend":   conf.Backend,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed, continuing without profiling")
	}
	defer stopProf()

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)

	// Insecure because the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	policies, origin, err := loadPolicies(ctx, conf)
	if err != nil {
		return err
	}
	m.SetPolicySource(origin)
	if _, clash := policies[guardPolicy]; clash {
		return xerrors.Newf("policy name %q is reserved for the API guard", guardPolicy)
	}

	var be *backend
	switch conf.Backend {
	case cfg.BackendRedis:
		be, err = newRedisBackend(ctx, L, m, conf, policies)
	default:
		be, err = newMemoryBackend(ctx, L, m, conf, policies)
	}
	if err != nil {
		return err
	}
	defer be.stop()

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), be.readiness)

	g, err := newGuard(ctx, L, m, conf)
	if err != nil {
		return err
	}
	defer g.stop()
	if g.mw == nil {
		L.Warn(ctx, "api guard disabled, public callers are not rate limited")
	}

	site, err := httpserver.Start(ctx, publicOptions(L, m, conf, be, g, readiness))
	if err != nil {
		return err
	}
	defer func() { _ = site.Shutdown(context.Background()) }()

	// the admin listener also refuses public peers itself, in case the
	// security group in front of it is ever misconfigured
	ops, err := opshttp.Start(ctx, L, opshttp.Options{
		Addr:        fmt.Sprintf(":%d", conf.AdminPort),
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHTTPPanic,
	})
	if err != nil {
		return err
	}
	defer func() { _ = ops.Shutdown(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	sig := <-sigCh
	L.Info(ctx, "shutdown signal received", "signal", sig.String())

	// fail readiness first so load balancers stop sending new requests
	gate.Set("draining")
	L.Info(ctx, "shutdown gate closed, draining", "drain_delay", conf.DrainDelay)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(ctx, "drain period complete")
	case <-sigCh:
		L.Warn(ctx, "second signal received, skipping drain")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer shutdownCancel()

	if err := site.Shutdown(shutdownCtx); err != nil {
		L.Error(ctx, err, "http server shutdown")
	}
	if err := ops.Shutdown(shutdownCtx); err != nil {
		L.Error(ctx, err, "ops http server shutdown")
	}
	be.stop()
	g.stop()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(ctx, err, "otel shutdown")
	}

	L.Info(ctx, "shutdown complete")
	return nil
}

// loadPolicies applies the file or SSM overrides on top of the presets
func loadPolicies(ctx context.Context, conf cfg.App) (map[string]ratelimit.Policy, string, error) {
	L := log.FromContext(ctx)
	opts := policysrc.Options{
		File:     conf.PoliciesFile,
		SSMParam: conf.PoliciesSSMParam,
		Base:     ratelimit.Presets(),
	}
	if conf.PoliciesFile == "" && conf.PoliciesSSMParam != "" {
		client, err := policysrc.NewSSMClient(ctx)
		if err != nil {
			return nil, "", err
		}
		opts.SSM = client
	}

	policies, origin, err := policysrc.Load(ctx, opts)
	if err != nil {
		return nil, "", err
	}
	for _, name := range ratelimit.PolicyNames(policies) {
		L.Info(ctx, "policy loaded", "policy", policies[name].String(), "source", origin)
	}
	return policies, origin, nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
