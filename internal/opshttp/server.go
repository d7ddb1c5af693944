// Package opshttp is the ops listener: probes, prometheus metrics and
// optional pprof, kept off the public port and limited to internal networks.
package opshttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/httpmw"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

const defaultAddr = ":9000"

// RegisterPprof mounts net/http/pprof under /debug/pprof/.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// Handler builds the ops routes. pprof paths answer 404 unless enabled.
func Handler(L log.Logger, opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("/-/ready", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
	}

	var guard func(http.Handler) http.Handler
	if !opts.AllowPublic {
		guard = httpmw.RequireNonPublic(L)
	}
	return httpmw.Chain(mux, httpmw.Recover(L, opts.OnPanic), guard)
}

// Server is a running ops listener.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	L    log.Logger
	once sync.Once
	err  error
}

// Start listens on opts.Addr and serves in the background until Shutdown.
func Start(ctx context.Context, L log.Logger, opts Options) (*Server, error) {
	if L == nil {
		L = log.Nop()
	}
	addr := opts.Addr
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen for ops server on %s", addr)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           Handler(L, opts),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			// pprof profile and trace stream for up to 30s by default
			WriteTimeout:   45 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		ln: ln,
		L:  L,
	}
	go func() {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()
	return s, nil
}

// Addr is the bound address, useful when started on port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the listener, waiting up to 5s for in-flight requests.
// Later calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.L.Info(ctx, "ops http server shutting down")
		c, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.err = s.srv.Shutdown(c)
	})
	return s.err
}
