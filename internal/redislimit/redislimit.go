// Package redislimit applies ratelimit policies against Redis so that every
// replica shares one window per identifier.
//
// Each identifier is a sorted set keyed prefix+policy+":"+identifier, scored
// by admission time. Keys expire one window after their last check, which
// takes the place of the in-memory sweep.
package redislimit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

const (
	DefaultPrefix = "windowgate:"

	scanBatch = 500
)

type Options struct {
	// Prefix namespaces keys, DefaultPrefix when empty
	Prefix   string
	FailMode FailMode
	Logger   log.Logger
	// OnError is called for every failed check, after the fail mode is applied
	OnError    func(policy string, mode FailMode)
	OnDecision func(d ratelimit.Decision)
	Clock      func() time.Time
}

// Limiter is a ratelimit.Checker backed by Redis.
type Limiter struct {
	rdb      redis.UniversalClient
	policy   ratelimit.Policy
	windowMs int64
	prefix   string
	mode     FailMode
	now      func() time.Time

	L          log.Logger
	errLog     rate.Sometimes
	onError    func(policy string, mode FailMode)
	onDecision func(d ratelimit.Decision)
}

var _ ratelimit.Checker = (*Limiter)(nil)

// New validates p and binds it to rdb. It does not contact Redis.
func New(rdb redis.UniversalClient, p ratelimit.Policy, opts Options) (*Limiter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	// the name is a key segment, an empty one would share keys across policies
	if p.Name == "" {
		return nil, xerrors.Newf("%w: redis limiter needs a policy name", ratelimit.ErrInvalidConfiguration)
	}
	if rdb == nil {
		return nil, xerrors.New("redislimit: nil redis client")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Limiter{
		rdb:        rdb,
		policy:     p,
		windowMs:   p.Window.Milliseconds(),
		prefix:     opts.Prefix,
		mode:       opts.FailMode,
		now:        opts.Clock,
		L:          opts.Logger.With("policy", p.Name, "fail_mode", opts.FailMode.String()),
		errLog:     rate.Sometimes{First: 1, Interval: 30 * time.Second},
		onError:    opts.OnError,
		onDecision: opts.OnDecision,
	}, nil
}

func (l *Limiter) Policy() ratelimit.Policy { return l.policy }

func (l *Limiter) FailMode() FailMode { return l.mode }

func (l *Limiter) key(identifier string) string {
	return l.prefix + l.policy.Name + ":" + identifier
}

// Check runs the sliding window script for identifier at now. Unlike Allow
// it returns Redis errors instead of applying the fail mode.
func (l *Limiter) Check(ctx context.Context, identifier string, now time.Time) (ratelimit.Decision, error) {
	p := l.policy
	nowMs := now.UnixMilli()

	if p.Skip != nil && p.Skip(identifier) {
		return ratelimit.SkipDecision(p, now), nil
	}

	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{l.key(identifier)},
		nowMs, l.windowMs, p.MaxRequests, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, xerrors.Wrapf(err, "redislimit: check policy %s", p.Name)
	}
	if len(res) != 3 {
		return ratelimit.Decision{}, xerrors.Newf("redislimit: script returned %d values, want 3", len(res))
	}

	return ratelimit.WindowDecision(p, res[0] == 1, int(res[1]), res[2], nowMs), nil
}

// Allow checks identifier at the limiter clock. Redis failures are logged,
// at most one line per 30s, and resolved by the fail mode.
func (l *Limiter) Allow(ctx context.Context, identifier string) ratelimit.Decision {
	now := l.now()
	d, err := l.Check(ctx, identifier, now)
	if err != nil {
		d = l.failed(now)
		l.errLog.Do(func() {
			l.L.Error(ctx, err, "rate limit backend unavailable, applying fail mode")
		})
		if l.onError != nil {
			l.onError(l.policy.Name, l.mode)
		}
	}
	if l.onDecision != nil {
		l.onDecision(d)
	}
	return d
}

func (l *Limiter) failed(now time.Time) ratelimit.Decision {
	p := l.policy
	if l.mode == FailClosed {
		return ratelimit.Decision{
			Policy:     p.Name,
			Admitted:   false,
			Remaining:  0,
			Limit:      p.MaxRequests,
			ResetAfter: time.Second,
			ResetAt:    now.Add(time.Second),
		}
	}
	return ratelimit.Decision{
		Policy:    p.Name,
		Admitted:  true,
		Remaining: p.MaxRequests,
		Limit:     p.MaxRequests,
		ResetAt:   now,
	}
}

// Reset forgets identifier. Deleting a missing key is not an error.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if err := l.rdb.Del(ctx, l.key(identifier)).Err(); err != nil {
		return xerrors.Wrapf(err, "redislimit: reset %s", l.policy.Name)
	}
	return nil
}

// Clear deletes every identifier of this policy.
func (l *Limiter) Clear(ctx context.Context) error {
	var batch []string
	err := l.scan(ctx, func(key string) error {
		batch = append(batch, key)
		if len(batch) < scanBatch {
			return nil
		}
		err := l.rdb.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	})
	if err == nil && len(batch) > 0 {
		err = l.rdb.Del(ctx, batch...).Err()
	}
	if err != nil {
		return xerrors.Wrapf(err, "redislimit: clear %s", l.policy.Name)
	}
	return nil
}

// Size counts tracked identifiers with a SCAN, it is O(keys) and meant for
// the policies listing, not the request path.
func (l *Limiter) Size(ctx context.Context) (int, error) {
	n := 0
	err := l.scan(ctx, func(string) error {
		n++
		return nil
	})
	if err != nil {
		return 0, xerrors.Wrapf(err, "redislimit: size %s", l.policy.Name)
	}
	return n, nil
}

func (l *Limiter) scan(ctx context.Context, fn func(key string) error) error {
	iter := l.rdb.Scan(ctx, 0, escapeGlob(l.prefix+l.policy.Name+":")+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ping reports whether Redis answers, used by the readiness probe.
func (l *Limiter) Ping(ctx context.Context) error {
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redislimit: ping")
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
