package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Decision is the outcome of one check.
type Decision struct {
	Policy    string
	Admitted  bool
	Remaining int
	Limit     int
	// ResetAfter is whole seconds, rounded up, until the oldest counted request leaves the window
	ResetAfter time.Duration
	ResetAt    time.Time
}

// ResetAfterSeconds is ResetAfter as an integer, the unit clients see.
func (d Decision) ResetAfterSeconds() int {
	return int(d.ResetAfter / time.Second)
}

// ResetUnix is ResetAt in unix seconds, rounded up so clients never retry early.
func (d Decision) ResetUnix() int64 {
	ms := d.ResetAt.UnixMilli()
	return (ms + 999) / 1000
}

// WriteHeaders sets the informational rate limit headers, plus Retry-After on rejection.
func (d Decision) WriteHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetUnix(), 10))
	if !d.Admitted {
		h.Set("Retry-After", strconv.Itoa(d.ResetAfterSeconds()))
	}
}

// WindowDecision builds the decision for a window that holds count
// admissions, the oldest at oldestMs, as seen at nowMs. Backends share it so
// they round and report identically.
func WindowDecision(p Policy, admitted bool, count int, oldestMs, nowMs int64) Decision {
	resetAtMs := oldestMs + p.Window.Milliseconds()
	return Decision{
		Policy:     p.Name,
		Admitted:   admitted,
		Remaining:  max(p.MaxRequests-count, 0),
		Limit:      p.MaxRequests,
		ResetAfter: ceilSeconds(resetAtMs - nowMs),
		ResetAt:    time.UnixMilli(resetAtMs),
	}
}

// SkipDecision is returned for identifiers the policy's Skip exempts.
func SkipDecision(p Policy, now time.Time) Decision {
	return Decision{
		Policy:    p.Name,
		Admitted:  true,
		Remaining: p.MaxRequests,
		Limit:     p.MaxRequests,
		ResetAt:   time.UnixMilli(now.UnixMilli()),
	}
}

// ceilSeconds rounds a millisecond span up to whole seconds, never negative
func ceilSeconds(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration((ms+999)/1000) * time.Second
}
