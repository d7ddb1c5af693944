// Package ratelimit is an in-memory sliding-window rate limiter.
//
// Each identifier keeps the instants of its admitted requests inside the
// trailing window. A check prunes instants that fell out of the window,
// admits when fewer than the policy limit remain, and reports remaining
// budget and reset timing. There is no fixed boundary to burst across.
//
// State is local to one process. For a limit shared between instances use
// the redislimit package, which keeps the same semantics in Redis.
package ratelimit
