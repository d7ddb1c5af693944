package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name        string
		remoteAddr  string
		xff         string
		trustedHops int
		want        string
		wantXFFKept bool
	}{
		{
			name:       "public peer ignores XFF",
			remoteAddr: "203.0.113.1:1234",
			xff:        "10.0.0.1",
			want:       "203.0.113.1",
		},
		{
			name:       "private peer without trusted hops ignores XFF",
			remoteAddr: "10.0.0.1:1234",
			xff:        "203.0.113.50",
			want:       "10.0.0.1",
		},
		{
			name:        "single ALB takes rightmost entry",
			remoteAddr:  "10.0.0.1:1234",
			xff:         "198.51.100.7, 203.0.113.50",
			trustedHops: 1,
			want:        "203.0.113.50",
			wantXFFKept: true,
		},
		{
			name:        "CDN plus ALB takes second from right",
			remoteAddr:  "10.0.0.1:1234",
			xff:         "198.51.100.7, 203.0.113.50, 10.0.0.9",
			trustedHops: 2,
			want:        "203.0.113.50",
			wantXFFKept: true,
		},
		{
			name:        "fewer entries than hops falls back to peer",
			remoteAddr:  "10.0.0.1:1234",
			xff:         "203.0.113.50",
			trustedHops: 3,
			want:        "10.0.0.1",
		},
		{
			name:        "garbage entry falls back to peer",
			remoteAddr:  "10.0.0.1:1234",
			xff:         "not-an-ip",
			trustedHops: 1,
			want:        "10.0.0.1",
			wantXFFKept: true,
		},
		{
			name:        "loopback peer is trusted",
			remoteAddr:  "127.0.0.1:1234",
			xff:         "203.0.113.50",
			trustedHops: 1,
			want:        "203.0.113.50",
			wantXFFKept: true,
		},
		{
			name:       "ipv6 peer",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "malformed remote addr",
			remoteAddr: "garbage",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientAddr(r, tt.trustedHops); got != tt.want {
				t.Fatalf("clientAddr = %q, want %q", got, tt.want)
			}
			if kept := r.Header.Get("X-Forwarded-For") != ""; tt.xff != "" && kept != tt.wantXFFKept {
				t.Fatalf("X-Forwarded-For kept = %v, want %v", kept, tt.wantXFFKept)
			}
		})
	}
}

func TestClientIPWithOptions_StoresInContext(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.20")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "198.51.100.20" {
		t.Fatalf("client ip = %q", got)
	}
}

func TestClientIPFromContext_Empty(t *testing.T) {
	if got := ClientIPFromContext(context.Background()); got != "" {
		t.Fatalf("got %q", got)
	}
	if ctx := WithClientIP(context.Background(), ""); ClientIPFromContext(ctx) != "" {
		t.Fatal("empty ip should not be stored")
	}
}

func TestIsNonPublic(t *testing.T) {
	for addr, want := range map[string]bool{
		"10.0.0.1":    true,
		"172.16.4.4":  true,
		"192.168.0.1": true,
		"127.0.0.1":   true,
		"::1":         true,
		"fd00::1":     true,
		"169.254.1.1": true,
		"8.8.8.8":     false,
		"2001:db8::1": false,
	} {
		if got := IsNonPublic(net.ParseIP(addr)); got != want {
			t.Errorf("IsNonPublic(%s) = %v, want %v", addr, got, want)
		}
	}
	if IsNonPublic(nil) {
		t.Error("nil ip must not be trusted")
	}
}
