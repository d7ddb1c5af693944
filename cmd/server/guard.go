package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/keithlinneman/windowgate/internal/cfg"
	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/httpserver"
	"github.com/keithlinneman/windowgate/internal/limithttp"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/metrics"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
)

// guardPolicy names the API guard in logs and metrics. Policies cannot use it.
const guardPolicy = "api-guard"

// guard limits callers of the public API by client address. It keeps its own
// store, so a decision asked through the API is charged once, to the
// identifier in the request body.
type guard struct {
	limiter *ratelimit.Limiter
	mw      func(http.Handler) http.Handler
	stop    func()
}

// privateCaller matches ip: identifiers on loopback, private or link-local networks
func privateCaller(id string) bool {
	addr, ok := strings.CutPrefix(id, "ip:")
	return ok && httpmw.IsNonPublic(net.ParseIP(addr))
}

// newGuard returns a pass-through guard when -guard-limit is 0.
func newGuard(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, conf cfg.App) (*guard, error) {
	if conf.GuardLimit == 0 {
		return &guard{stop: func() {}}, nil
	}
	p := ratelimit.Policy{Name: guardPolicy, MaxRequests: conf.GuardLimit, Window: conf.GuardWindow}
	if conf.GuardExemptPrivate {
		p.Skip = privateCaller
	}
	l, err := memoryLimiter(ctx, L, m, conf, p)
	if err != nil {
		return nil, err
	}
	sw := newSweeper(ctx)
	sw.run(l)
	return &guard{
		limiter: l,
		mw:      ratelimit.Middleware(l, ratelimit.AddressFromRequest),
		stop:    sw.stop,
	}, nil
}

// publicOptions wires the decision API, its guard and the probes onto the public listener
func publicOptions(L log.Logger, m *metrics.ServerMetrics, conf cfg.App, be *backend, g *guard, readiness health.Probe) *httpserver.Options {
	return &httpserver.Options{
		Logger:        L,
		Addr:          fmt.Sprintf(":%d", conf.HTTPPort),
		UseRecoverMW:  true,
		OnPanic:       m.IncHTTPPanic,
		MetricsMW:     m.Middleware,
		Health:        health.Fixed(true, ""),
		Readiness:     readiness,
		APIRoutes:     limithttp.New(be.stores, L).RegisterRoutes,
		RateLimitMW:   g.mw,
		ClientIPOpts:  httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		PrincipalOpts: httpmw.PrincipalOptions{Header: conf.PrincipalHeader},
	}
}
