package ratelimit

import (
	"net/http"

	"github.com/keithlinneman/windowgate/internal/httpmw"
)

// Anonymous is the identifier for requests with neither a principal nor an address.
const Anonymous = "anonymous"

// KeyFunc maps a request to the identifier it is limited under.
type KeyFunc func(r *http.Request) string

// IdentifierFromRequest prefers the authenticated principal, then the client
// address stored by httpmw.ClientIP. Requires those middlewares to run first.
func IdentifierFromRequest(r *http.Request) string {
	ctx := r.Context()
	if p := httpmw.PrincipalFromContext(ctx); p != "" {
		return "user:" + p
	}
	if ip := httpmw.ClientIPFromContext(ctx); ip != "" {
		return "ip:" + ip
	}
	return Anonymous
}

// AddressFromRequest keys by client address alone, ignoring any principal.
func AddressFromRequest(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return "ip:" + ip
	}
	return Anonymous
}
