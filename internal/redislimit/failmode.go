package redislimit

import (
	"fmt"
	"strings"

	"github.com/keithlinneman/windowgate/internal/ratelimit"
)

// FailMode decides what Allow returns when Redis cannot be reached.
type FailMode int

const (
	// FailOpen admits the request, reporting the full limit as remaining.
	FailOpen FailMode = iota
	// FailClosed rejects the request with a one second retry.
	FailClosed
)

func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailMode accepts "open" or "closed".
func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown fail mode %q (valid modes are open|closed)", s)
	}
}

// DefaultFailMode is closed for auth and analysis, which guard credential
// guessing and paid model calls, and open for everything else.
func DefaultFailMode(policy string) FailMode {
	switch policy {
	case ratelimit.PolicyAuth, ratelimit.PolicyAnalysis:
		return FailClosed
	default:
		return FailOpen
	}
}
