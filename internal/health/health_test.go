package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

var errDown = errors.New("redis down")

func TestFixed(t *testing.T) {
	if err := Fixed(true, "").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v, want default reason", err)
	}
	if err := Fixed(false, "maintenance").Check(context.Background()); err == nil || err.Error() != "maintenance" {
		t.Fatalf("Fixed(false, reason) = %v", err)
	}
}

func TestAll(t *testing.T) {
	fail := CheckFunc(func(context.Context) error { return errDown })
	tests := []struct {
		name   string
		probes []Probe
		want   error
	}{
		{"empty passes", nil, nil},
		{"nil probes skipped", []Probe{nil, Fixed(true, "")}, nil},
		{"first failure wins", []Probe{Fixed(true, ""), fail, Fixed(false, "later")}, errDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := All(tt.probes...).Check(context.Background()); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAny(t *testing.T) {
	fail := CheckFunc(func(context.Context) error { return errDown })
	if err := Any(fail, Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("one passing probe should pass, got %v", err)
	}
	if err := Any(Fixed(false, "first"), fail).Check(context.Background()); !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want the last failure", err)
	}
	if err := Any().Check(context.Background()); err == nil {
		t.Fatal("no probes should fail")
	}
	if err := Any(nil, nil).Check(context.Background()); err == nil {
		t.Fatal("only nil probes should fail")
	}
}

func TestWithTimeout(t *testing.T) {
	slow := CheckFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	err := WithTimeout(slow, 10*time.Millisecond).Check(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if err := WithTimeout(Fixed(true, ""), time.Second).Check(context.Background()); err != nil {
		t.Fatalf("fast probe: %v", err)
	}
	if err := WithTimeout(nil, time.Second).Check(context.Background()); err != nil {
		t.Fatalf("nil probe: %v", err)
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	if err := p.Check(context.Background()); err != nil || g.Draining() {
		t.Fatalf("zero gate should be open, got %v", err)
	}
	g.Set("SIGTERM received")
	if err := p.Check(context.Background()); err == nil || err.Error() != "SIGTERM received" || !g.Draining() {
		t.Fatalf("draining gate = %v", err)
	}
	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("empty reason = %v, want default", err)
	}
	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate = %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("drain") }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
	if !g.Draining() {
		t.Fatal("gate should end draining")
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok"},
		{"healthz failing", HealthzHandler(Fixed(false, "redis down")), http.StatusServiceUnavailable, "redis down"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"readyz draining", ReadyzHandler(Fixed(false, "draining")), http.StatusServiceUnavailable, "draining"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}

func TestReadyzHandler_FollowsGate(t *testing.T) {
	var g ShutdownGate
	h := ReadyzHandler(All(Fixed(true, ""), g.Probe()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("before drain: %d", rec.Code)
	}

	g.Set("shutting down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("during drain: %d", rec.Code)
	}
}
