package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/log"
)

type Options struct {
	Logger log.Logger
	// Addr is the listen address, ":8080" when empty
	Addr string

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler

	// probes are also served here for load balancers that only reach this port
	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the decision API
	APIRoutes func(chi.Router)
	// RateLimitMW guards APIRoutes only, probes are never throttled
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts  httpmw.ClientIPOptions
	PrincipalOpts httpmw.PrincipalOptions

	// MaxBodyBytes bounds request bodies, 4KiB when zero
	MaxBodyBytes int64
}
