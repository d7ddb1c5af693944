package ratelimit

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/windowgate/internal/log"
)

// rejection is the 429 body
type rejection struct {
	Error      string `json:"error"`
	Policy     string `json:"policy"`
	Limit      int    `json:"limit"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware limits requests by the identifier key returns. Every response
// carries the X-RateLimit headers, rejections get a 429 with a JSON body and
// never reach next. A nil key uses IdentifierFromRequest.
func Middleware(c Checker, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = IdentifierFromRequest
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := key(r)
			if id == "" {
				id = Anonymous
			}

			d := c.Allow(ctx, id)
			d.WriteHeaders(w.Header())

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("ratelimit.policy", d.Policy),
					attribute.Bool("ratelimit.admitted", d.Admitted),
					attribute.Int("ratelimit.remaining", d.Remaining),
				)
			}

			if d.Admitted {
				next.ServeHTTP(w, r)
				return
			}

			log.FromContext(ctx).Debug(ctx, "rate limited",
				"policy", d.Policy,
				"retry_after", d.ResetAfterSeconds(),
			)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejection{
				Error:      "rate limit exceeded",
				Policy:     d.Policy,
				Limit:      d.Limit,
				RetryAfter: d.ResetAfterSeconds(),
			})
		})
	}
}
