package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/windowgate/internal/log"
)

const tracerName = "windowgate/httpmw"

// statusRecorder captures status and size, and times the response write in a
// child span so slow clients show up separately from slow handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	start    time.Time
	span     trace.Span
	started  bool
	blocked  time.Duration
	writeErr error
}

func (sr *statusRecorder) begin() {
	if sr.started {
		return
	}
	sr.started = true
	if !trace.SpanFromContext(sr.ctx).IsRecording() {
		return
	}
	_, sr.span = otel.Tracer(tracerName).Start(sr.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(sr.start).Seconds())),
	)
}

func (sr *statusRecorder) end() {
	if sr.span == nil {
		return
	}
	sr.span.SetAttributes(
		attribute.Int("http.response.status_code", sr.code()),
		attribute.Int64("http.response.body.size", sr.bytes),
		attribute.Float64("http.server.write.block_seconds", sr.blocked.Seconds()),
	)
	if sr.writeErr != nil {
		sr.span.RecordError(sr.writeErr)
		sr.span.SetStatus(codes.Error, sr.writeErr.Error())
	}
	sr.span.End()
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.begin()
	if sr.status == 0 {
		sr.status = code
	}
	t := time.Now()
	sr.ResponseWriter.WriteHeader(code)
	sr.blocked += time.Since(t)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.begin()
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	t := time.Now()
	n, err := sr.ResponseWriter.Write(b)
	sr.blocked += time.Since(t)
	sr.bytes += int64(n)
	if err != nil && sr.writeErr == nil {
		sr.writeErr = err
	}
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpmw: underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// WithLogger puts a request scoped logger into the context, carrying the
// request id, client address and route basics. Needs RequestID and ClientIP
// to have run.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			peer := ""
			if ip := PeerIP(r); ip != nil {
				peer = ip.String()
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog writes one info record per request using the context logger.
// Probe paths under /-/ are skipped.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(sr, r)
			sr.end()

			if strings.HasPrefix(r.URL.Path, "/-/") {
				return
			}

			ctx := r.Context()
			fields := []any{
				"http.response.status_code", sr.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sr.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", RoutePattern(r),
			}
			if rem := sr.Header().Get("X-RateLimit-Remaining"); rem != "" {
				fields = append(fields, "ratelimit.remaining", rem)
			}
			log.FromContext(ctx).Info(ctx, "http request", fields...)
		})
	}
}

// schemeFromRequest trusts X-Forwarded-Proto only because ClientIP strips it
// from public peers.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		s := strings.ToLower(strings.TrimSpace(strings.Split(xf, ",")[0]))
		if s == "http" || s == "https" {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the context logger and span with a handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
