package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Checker is what transports need from a limiter, in-memory or distributed.
type Checker interface {
	Policy() Policy
	Allow(ctx context.Context, identifier string) Decision
}

// entry holds admitted request instants (unix ms), oldest first
type entry struct {
	stamps []int64
	// denied is set on the first rejection of a streak and cleared on admission,
	// so OnFirstDenied fires once per streak
	denied bool
}

func (e *entry) newest() int64 {
	if len(e.stamps) == 0 {
		return 0
	}
	return e.stamps[len(e.stamps)-1]
}

// shard is one lock domain, identifiers hashing here serialize on mu
type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter applies one Policy to any number of identifiers.
//
// Identifiers are spread over power-of-two shards by xxhash. A check holds
// only its shard's mutex, so unrelated identifiers rarely contend and checks
// for one identifier are serialized in lock order. sync.Mutex switches to
// FIFO handoff once a waiter has blocked for 1ms, so a hot shard cannot
// starve waiters, though it does slow every identifier sharing that shard.
type Limiter struct {
	policy   Policy
	windowMs int64

	shards []shard
	mask   uint64

	// count tracks identifiers across shards for Size and the capacity cap
	count      atomic.Int64
	maxEntries int64
	atCapacity atomic.Bool

	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	onDecision    func(d Decision)
	onDenied      func(identifier string)
	onFirstDenied func(identifier string)
	onCapacity    func()
	onSweep       func(removed, remaining int)
}

type Option func(*Limiter)

// WithClock replaces time.Now for Allow and Run.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithShards sets the shard count, rounded up to a power of two.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n < 1 {
			n = 1
		}
		size := 1
		for size < n {
			size <<= 1
		}
		l.shards = make([]shard, size)
	}
}

// WithIdleTTL sets how long an identifier with no admissions is kept before
// the sweep drops it. Values shorter than the policy window are raised to it.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// WithSweepInterval sets how often Run calls SweepExpiredEntries.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// WithMaxIdentifiers caps tracked identifiers. At the cap a new identifier
// takes the slot of the least recently admitted identifier in its shard, which
// loses its window. New identifiers are never turned away, so the store can
// run over the cap by at most one entry per shard. 0 disables the cap.
func WithMaxIdentifiers(n int) Option {
	return func(l *Limiter) { l.maxEntries = int64(n) }
}

// WithOnDecision is called for every Allow, used for prometheus counters.
func WithOnDecision(fn func(d Decision)) Option {
	return func(l *Limiter) { l.onDecision = fn }
}

// WithOnDenied is called for every rejected Allow.
func WithOnDenied(fn func(identifier string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnFirstDenied is called once per rejection streak of an identifier.
// Kept separate from OnDenied so we log once but still count every denial.
func WithOnFirstDenied(fn func(identifier string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnCapacity is called the first time the cap forces an eviction, and again
// only after a sweep or Clear has brought the count back under the cap.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

// WithOnSweep is called after every sweep run by Run.
func WithOnSweep(fn func(removed, remaining int)) Option {
	return func(l *Limiter) { l.onSweep = fn }
}

// New validates p and returns a Limiter with an empty store.
func New(p Policy, opts ...Option) (*Limiter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		policy:        p,
		windowMs:      p.Window.Milliseconds(),
		idleTTL:       time.Hour,
		sweepInterval: 5 * time.Minute,
		now:           time.Now,
	}
	WithShards(64)(l)
	for _, o := range opts {
		o(l)
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	l.mask = uint64(len(l.shards) - 1)
	if l.idleTTL < p.Window {
		l.idleTTL = p.Window
	}
	if l.sweepInterval <= 0 {
		l.sweepInterval = 5 * time.Minute
	}
	return l, nil
}

func (l *Limiter) Policy() Policy { return l.policy }

func (l *Limiter) shardFor(identifier string) *shard {
	return &l.shards[xxhash.Sum64String(identifier)&l.mask]
}

// Check decides whether a request from identifier at now is admitted and
// records it if so. It never blocks on anything but the shard lock and does
// not run hooks.
func (l *Limiter) Check(identifier string, now time.Time) Decision {
	d, _ := l.check(identifier, now)
	return d
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeFirstDenied
	outcomeCapacity
)

// check returns the decision plus what the hooks in Allow need to know about it
func (l *Limiter) check(identifier string, now time.Time) (Decision, outcome) {
	p := l.policy
	nowMs := now.UnixMilli()

	if p.Skip != nil && p.Skip(identifier) {
		return SkipDecision(p, now), outcomeNone
	}

	sh := l.shardFor(identifier)
	sh.mu.Lock()

	out := outcomeNone
	cutoff := nowMs - l.windowMs

	e, ok := sh.entries[identifier]
	if !ok {
		if !l.reserve() {
			out = outcomeCapacity
			if !sh.evictLeastRecent() {
				l.count.Add(1)
			}
		}
		e = &entry{stamps: make([]int64, 0, min(p.MaxRequests, 16))}
		sh.entries[identifier] = e
	}

	// sliding window eviction: anything at or before now-window no longer counts
	stale := 0
	for stale < len(e.stamps) && e.stamps[stale] <= cutoff {
		stale++
	}
	if stale > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[stale:]...)
	}

	admitted := len(e.stamps) < p.MaxRequests
	if admitted {
		e.stamps = insertChronological(e.stamps, nowMs)
		e.denied = false
	} else if !e.denied {
		e.denied = true
		out = outcomeFirstDenied
	}

	count := len(e.stamps)
	oldest := nowMs
	if count > 0 {
		oldest = e.stamps[0]
	}
	sh.mu.Unlock()

	return WindowDecision(p, admitted, count, oldest, nowMs), out
}

// insertChronological appends ms, keeping order if the caller's clock stepped back
func insertChronological(stamps []int64, ms int64) []int64 {
	if n := len(stamps); n == 0 || stamps[n-1] <= ms {
		return append(stamps, ms)
	}
	i := sort.Search(len(stamps), func(i int) bool { return stamps[i] > ms })
	stamps = append(stamps, 0)
	copy(stamps[i+1:], stamps[i:])
	stamps[i] = ms
	return stamps
}

// reserve claims a slot for a new identifier, false when at the cap
func (l *Limiter) reserve() bool {
	if l.maxEntries <= 0 {
		l.count.Add(1)
		return true
	}
	for {
		n := l.count.Load()
		if n >= l.maxEntries {
			return false
		}
		if l.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// evictLeastRecent drops the entry whose newest admission is oldest, so its
// slot can be handed to a new identifier. Entries with nothing left in the
// window sort first. Reports false when the shard is empty, in which case
// the caller takes a slot over the cap. Caller holds sh.mu.
func (sh *shard) evictLeastRecent() bool {
	var (
		victim string
		oldest int64
		found  bool
	)
	for id, e := range sh.entries {
		if n := e.newest(); !found || n < oldest {
			victim, oldest, found = id, n, true
		}
	}
	if !found {
		return false
	}
	delete(sh.entries, victim)
	return true
}

// Allow runs Check at the limiter clock and fires the configured hooks.
func (l *Limiter) Allow(_ context.Context, identifier string) Decision {
	d, out := l.check(identifier, l.now())

	if out == outcomeCapacity && l.atCapacity.CompareAndSwap(false, true) && l.onCapacity != nil {
		l.onCapacity()
	}
	if l.onDecision != nil {
		l.onDecision(d)
	}
	if !d.Admitted {
		// hooks run outside the shard lock, they may log or do slow work
		if out == outcomeFirstDenied && l.onFirstDenied != nil {
			l.onFirstDenied(identifier)
		}
		if l.onDenied != nil {
			l.onDenied(identifier)
		}
	}
	return d
}

// Reset forgets identifier. Unknown identifiers are a no-op.
func (l *Limiter) Reset(identifier string) {
	sh := l.shardFor(identifier)
	sh.mu.Lock()
	if _, ok := sh.entries[identifier]; ok {
		delete(sh.entries, identifier)
		l.count.Add(-1)
	}
	sh.mu.Unlock()
}

// Clear forgets every identifier.
func (l *Limiter) Clear() {
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		l.count.Add(-int64(len(sh.entries)))
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
	l.atCapacity.Store(false)
}

// Size is the number of tracked identifiers.
func (l *Limiter) Size() int {
	return int(l.count.Load())
}

// SweepExpiredEntries drops identifiers whose newest admission is older than
// the idle TTL and returns how many were removed. Entries with an admission
// inside the current window are always kept.
func (l *Limiter) SweepExpiredEntries(now time.Time) int {
	cutoff := now.UnixMilli() - l.idleTTL.Milliseconds()
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			if len(e.stamps) == 0 || e.newest() <= cutoff {
				delete(sh.entries, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		l.count.Add(-int64(removed))
	}
	if l.maxEntries <= 0 || l.count.Load() < l.maxEntries {
		l.atCapacity.Store(false)
	}
	return removed
}

// Run sweeps every sweep interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.SweepExpiredEntries(l.now())
			if l.onSweep != nil {
				l.onSweep(removed, l.Size())
			}
		}
	}
}
