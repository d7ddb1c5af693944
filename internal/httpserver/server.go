// Package httpserver assembles the public listener: the middleware onion
// around a chi router carrying probes and the decision API.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

const (
	defaultAddr         = ":8080"
	defaultMaxBodyBytes = 4 << 10
)

// NewHandler builds the public handler with routes and middleware.
// main() owns the server lifecycle through Start.
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()

	// policy listings grow with the policy table, decisions stay tiny
	r.Use(middleware.Compress(5, "application/json"))

	// rename the server span to the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		r.Group(func(r chi.Router) {
			if opts.RateLimitMW != nil {
				r.Use(opts.RateLimitMW)
			}
			opts.APIRoutes(r)
		})
	}

	r.NotFound(jsonStatus(http.StatusNotFound))
	r.MethodNotAllowed(jsonStatus(http.StatusMethodNotAllowed))

	// outermost last
	var h http.Handler = r

	// request-scoped logger, inside otelhttp so it sees trace ids
	h = httpmw.WithLogger(L)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// probes would drown out real traffic
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span once the route is known
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// principal needs the resolved peer, rate limiting downstream needs both
	h = httpmw.Principal(opts.PrincipalOpts)(h)
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}

	// outside Recover so panic logs and 500s carry the id
	h = httpmw.RequestID("X-Request-Id")(h)

	// outermost so every response carries them, including panics and 429s
	h = httpmw.SecurityHeaders(h)

	return h
}

func jsonStatus(code int) http.HandlerFunc {
	body := `{"error":"` + http.StatusText(code) + `"}` + "\n"
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

// Server timeout defaults. Decisions are answered from memory or one Redis
// round trip, so anything slow is a stuck client.
const (
	DefaultReadHeaderTimeout = 2 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 64 << 10
)

func NewServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Server is the running public listener.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	L    log.Logger
	once sync.Once
	err  error
}

// Start listens and serves in the background until Shutdown.
func Start(ctx context.Context, opts *Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	addr := opts.Addr
	if addr == "" {
		addr = defaultAddr
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	s := &Server{srv: NewServer(NewHandler(opts)), ln: ln, L: opts.Logger}
	go func() {
		s.L.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.L.Error(ctx, err, "http server error")
		}
	}()
	return s, nil
}

// Addr is the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting and waits for in-flight requests until ctx is done.
// Later calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.L.Info(ctx, "http server shutting down")
		s.err = s.srv.Shutdown(ctx)
	})
	return s.err
}
