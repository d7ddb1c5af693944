package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/keithlinneman/windowgate/internal/httpmw"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_AdmitsThenRejects(t *testing.T) {
	clock := &fakeClock{now: at(0)}
	l := newLimiter(t, 2, time.Minute, WithClock(clock.Now))
	h := Middleware(l, func(*http.Request) string { return "ip:1.2.3.4" })(okHandler())

	for i, wantRemaining := range []string{"1", "0"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d: remaining = %q, want %q", i+1, got, wantRemaining)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Fatalf("limit = %q", got)
		}
		if rec.Header().Get("Retry-After") != "" {
			t.Fatal("Retry-After set on an admitted response")
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}
	wantReset := strconv.FormatInt(at(60_000).Unix(), 10)
	if got := rec.Header().Get("X-RateLimit-Reset"); got != wantReset {
		t.Fatalf("X-RateLimit-Reset = %q, want %q", got, wantReset)
	}

	var body rejection
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Error == "" || body.Policy != "test" || body.RetryAfter != 60 || body.Limit != 2 {
		t.Fatalf("body = %+v", body)
	}
}

func TestMiddleware_RejectedRequestsDoNotReachHandler(t *testing.T) {
	l := newLimiter(t, 1, time.Minute)
	calls := 0
	h := Middleware(l, func(*http.Request) string { return "x" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	}
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
}

func TestMiddleware_EmptyKeyFallsBackToAnonymous(t *testing.T) {
	l := newLimiter(t, 1, time.Minute)
	h := Middleware(l, func(*http.Request) string { return "" })(okHandler())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if d := l.Check(Anonymous, time.Now()); d.Admitted {
		t.Fatal("empty identifier should have been counted against anonymous")
	}
}

func TestIdentifierFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		principal string
		ip        string
		want      string
	}{
		{"principal wins", "42", "10.0.0.1", "user:42"},
		{"client ip", "", "203.0.113.9", "ip:203.0.113.9"},
		{"nothing known", "", "", Anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := httpmw.WithPrincipal(httpmw.WithClientIP(context.Background(), tt.ip), tt.principal)
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)
			if got := IdentifierFromRequest(r); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddressFromRequest_IgnoresPrincipal(t *testing.T) {
	ctx := httpmw.WithPrincipal(httpmw.WithClientIP(context.Background(), "203.0.113.9"), "42")
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)
	if got := AddressFromRequest(r); got != "ip:203.0.113.9" {
		t.Fatalf("got %q, want ip:203.0.113.9", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := AddressFromRequest(r); got != Anonymous {
		t.Fatalf("got %q, want %q", got, Anonymous)
	}
}

func TestDecision_WriteHeaders(t *testing.T) {
	d := Decision{
		Policy:     "api",
		Admitted:   false,
		Remaining:  0,
		Limit:      60,
		ResetAfter: 3 * time.Second,
		ResetAt:    time.UnixMilli(1_700_000_002_001),
	}
	h := http.Header{}
	d.WriteHeaders(h)

	if h.Get("X-RateLimit-Reset") != "1700000003" {
		t.Fatalf("reset = %q, want rounded up", h.Get("X-RateLimit-Reset"))
	}
	if h.Get("Retry-After") != "3" {
		t.Fatalf("Retry-After = %q", h.Get("Retry-After"))
	}
}

func TestCeilSeconds(t *testing.T) {
	for _, tt := range []struct {
		ms   int64
		want time.Duration
	}{
		{-5, 0}, {0, 0}, {1, time.Second}, {1000, time.Second}, {1001, 2 * time.Second},
	} {
		if got := ceilSeconds(tt.ms); got != tt.want {
			t.Errorf("ceilSeconds(%d) = %v, want %v", tt.ms, got, tt.want)
		}
	}
}
