package httpmw

import (
	"context"
	"net/http"
	"strings"
)

type principalKey struct{}

// PrincipalOptions names the header an authenticating proxy uses to pass the
// caller's user id.
type PrincipalOptions struct {
	// Header is typically X-Authenticated-User. Empty disables the middleware.
	Header string
}

// maxPrincipalLen bounds ids accepted from the proxy, they become store keys
const maxPrincipalLen = 256

// Principal stores the authenticated user id in the request context. The
// header is honoured only from non-public peers and removed otherwise, so a
// client cannot pick its own rate limit bucket.
func Principal(opts PrincipalOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if opts.Header == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := strings.TrimSpace(r.Header.Get(opts.Header))
			if v == "" || len(v) > maxPrincipalLen || !IsNonPublic(PeerIP(r)) {
				r.Header.Del(opts.Header)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), v)))
		})
	}
}

func WithPrincipal(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, id)
}

// PrincipalFromContext returns the authenticated user id, or "" for anonymous requests.
func PrincipalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}
