package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// Probe returns nil when healthy, otherwise the reason it is not.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one non-nil probe passes. With none passing it
// returns the last failure.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		err := xerrors.New("no healthy probes")
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err = p.Check(ctx); err == nil {
				return nil
			}
		}
		return err
	}
}

// WithTimeout fails p when it takes longer than d.
func WithTimeout(p Probe, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrapf(err, "probe exceeded %s or failed", d)
		}
		return nil
	}
}

// ShutdownGate fails readiness while draining. The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set starts draining, reason is reported by the probe.
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
