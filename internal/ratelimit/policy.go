package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidConfiguration is returned for a non-positive limit, a window that is
// not whole milliseconds, or a malformed name.
var ErrInvalidConfiguration = errors.New("ratelimit: invalid configuration")

// Policy is an immutable rate limit: at most MaxRequests per rolling Window.
type Policy struct {
	// Name labels logs and metrics, it does not affect decisions
	Name        string
	MaxRequests int
	Window      time.Duration
	// Skip bypasses limiting for matching identifiers when non-nil
	Skip func(identifier string) bool
}

// Validate reports ErrInvalidConfiguration for unusable policies.
func (p Policy) Validate() error {
	if p.MaxRequests < 1 {
		return fmt.Errorf("%w: policy %q max requests %d (must be >= 1)", ErrInvalidConfiguration, p.Name, p.MaxRequests)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("%w: policy %q window %s (must be >= 1ms)", ErrInvalidConfiguration, p.Name, p.Window)
	}
	// windows are kept in whole milliseconds
	if p.Window%time.Millisecond != 0 {
		return fmt.Errorf("%w: policy %q window %s (must be a whole number of milliseconds)", ErrInvalidConfiguration, p.Name, p.Window)
	}
	if p.Name != "" && !ValidPolicyName(p.Name) {
		return fmt.Errorf("%w: policy name %q (use 1-%d of a-z 0-9 _ -)", ErrInvalidConfiguration, p.Name, maxPolicyNameLen)
	}
	return nil
}

const maxPolicyNameLen = 64

// ValidPolicyName reports whether name is non-empty and only uses lowercase
// letters, digits, '_' and '-'. Names become metric labels, URL segments and
// Redis key segments, so ':' and glob characters are never allowed.
func ValidPolicyName(name string) bool {
	if name == "" || len(name) > maxPolicyNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func (p Policy) String() string {
	return fmt.Sprintf("%s(%d/%s)", p.Name, p.MaxRequests, p.Window)
}

// preset names, deployment constants shared with the web tier
const (
	PolicyAPI      = "api"
	PolicyAnalysis = "analysis"
	PolicyWebhook  = "webhook"
	PolicyAuth     = "auth"
)

// Presets returns a fresh copy of the built-in policy table.
func Presets() map[string]Policy {
	return map[string]Policy{
		PolicyAPI:      {Name: PolicyAPI, MaxRequests: 60, Window: time.Minute},
		PolicyAnalysis: {Name: PolicyAnalysis, MaxRequests: 10, Window: time.Hour},
		PolicyWebhook:  {Name: PolicyWebhook, MaxRequests: 100, Window: time.Minute},
		PolicyAuth:     {Name: PolicyAuth, MaxRequests: 10, Window: 15 * time.Minute},
	}
}

// PolicyNames returns the keys of ps in sorted order.
func PolicyNames(ps map[string]Policy) []string {
	names := make([]string, 0, len(ps))
	for n := range ps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
