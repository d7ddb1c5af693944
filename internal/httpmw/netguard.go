package httpmw

import (
	"net/http"

	"github.com/keithlinneman/windowgate/internal/log"
)

// RequireNonPublic answers 403 unless the directly connected peer is on a
// loopback, private or link-local network. Only the directly connected peer
// is checked, forwarded headers are ignored.
func RequireNonPublic(L log.Logger) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsNonPublic(PeerIP(r)) {
				L.Warn(r.Context(), "rejected request from public network",
					"network.peer.address", r.RemoteAddr,
					"url.path", r.URL.Path,
				)
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
