// Package httpmw provides HTTP middleware for the public API server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recover, request ID, client IP, trusted principal, rate limit, otelhttp,
// trace headers, metrics, logger, access log, then the chi router.
//
// Request bodies, query values and identifier strings supplied by clients
// are not logged.
package httpmw
