package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of us.
	// 0 ignores X-Forwarded-For, 1 takes its rightmost entry (one ALB),
	// 2 the second from the right (CDN then ALB), and so on.
	TrustedHops int
}

// ClientIP stores the caller address in the request context, trusting no proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the caller address in the request context.
// The address becomes the rate limit identifier for anonymous callers, so
// forwarded headers are only believed from non-public peers.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// IsNonPublic reports loopback, RFC1918/RFC4193 and link-local addresses,
// the networks our load balancers and operators connect from.
func IsNonPublic(ip net.IP) bool {
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

// PeerIP is the address of the directly connected peer, nil when RemoteAddr is unusable.
func PeerIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func clientAddr(r *http.Request, trustedHops int) string {
	peer := PeerIP(r)
	if peer == nil {
		stripForwarded(r)
		return ""
	}
	addr := peer.String()

	// clear headers we will not honour so nothing downstream trusts them by accident
	if !IsNonPublic(peer) || trustedHops <= 0 {
		stripForwarded(r)
		return addr
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return addr
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer hops than configured: misconfigured or forged, fall back to the peer
		stripForwarded(r)
		return addr
	}
	if ip := net.ParseIP(strings.TrimSpace(parts[idx])); ip != nil {
		return ip.String()
	}
	return addr
}

// ClientIPFromContext returns the address stored by ClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
