package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func at(ms int64) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

func newLimiter(t *testing.T, max int, window time.Duration, opts ...Option) *Limiter {
	t.Helper()
	l, err := New(Policy{Name: "test", MaxRequests: max, Window: window}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// fakeClock is a settable clock for Allow and Run
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"zero limit", Policy{MaxRequests: 0, Window: time.Second}},
		{"negative limit", Policy{MaxRequests: -1, Window: time.Second}},
		{"zero window", Policy{MaxRequests: 1}},
		{"sub-millisecond window", Policy{MaxRequests: 1, Window: time.Microsecond}},
		{"fractional millisecond window", Policy{MaxRequests: 1, Window: 1500 * time.Microsecond}},
		{"name with colon", Policy{Name: "api:export", MaxRequests: 1, Window: time.Second}},
		{"uppercase name", Policy{Name: "API", MaxRequests: 1, Window: time.Second}},
		{"name with glob", Policy{Name: "api*", MaxRequests: 1, Window: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.p)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestValidPolicyName(t *testing.T) {
	for _, tt := range []struct {
		name string
		want bool
	}{
		{"api", true},
		{"api-export", true},
		{"tier_2", true},
		{"", false},
		{"api:export", false},
		{"Api", false},
		{"a b", false},
		{"a[1]", false},
		{strings.Repeat("a", 65), false},
	} {
		if got := ValidPolicyName(tt.name); got != tt.want {
			t.Errorf("ValidPolicyName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCheck_AdmissionThreshold(t *testing.T) {
	l := newLimiter(t, 3, time.Second)

	want := []struct {
		admitted  bool
		remaining int
	}{
		{true, 2}, {true, 1}, {true, 0}, {false, 0},
	}
	for i, w := range want {
		d := l.Check("a", at(0))
		if d.Admitted != w.admitted || d.Remaining != w.remaining {
			t.Fatalf("call %d: admitted=%v remaining=%d, want %v/%d", i+1, d.Admitted, d.Remaining, w.admitted, w.remaining)
		}
		if d.Limit != 3 {
			t.Fatalf("call %d: limit = %d, want 3", i+1, d.Limit)
		}
	}
}

func TestCheck_ExpiryAfterWindow(t *testing.T) {
	l := newLimiter(t, 2, time.Second)

	l.Check("a", at(0))
	l.Check("a", at(0))
	if d := l.Check("a", at(0)); d.Admitted {
		t.Fatal("third request inside the window should be rejected")
	}

	d := l.Check("a", at(1001))
	if !d.Admitted || d.Remaining != 1 {
		t.Fatalf("at 1001: admitted=%v remaining=%d, want true/1", d.Admitted, d.Remaining)
	}
}

func TestCheck_InstantAtCutoffIsEvicted(t *testing.T) {
	l := newLimiter(t, 1, time.Second)

	l.Check("a", at(0))
	if d := l.Check("a", at(999)); d.Admitted {
		t.Fatal("999ms later the first request still counts")
	}
	if d := l.Check("a", at(1000)); !d.Admitted {
		t.Fatal("an instant exactly one window old should no longer count")
	}
}

func TestCheck_SlidingWindow(t *testing.T) {
	l := newLimiter(t, 3, time.Second)

	for _, ms := range []int64{0, 500, 700} {
		if d := l.Check("a", at(ms)); !d.Admitted {
			t.Fatalf("request at %d should be admitted", ms)
		}
	}
	d := l.Check("a", at(700))
	if d.Admitted {
		t.Fatal("fourth request at 700 should be rejected")
	}
	// oldest counted is 0, so the slot frees at 1000
	if !d.ResetAt.Equal(at(1000)) || d.ResetAfter != time.Second {
		t.Fatalf("reset = %v after %v, want %v after 1s", d.ResetAt, d.ResetAfter, at(1000))
	}

	d = l.Check("a", at(1001))
	if !d.Admitted || d.Remaining != 0 {
		t.Fatalf("at 1001: admitted=%v remaining=%d, want true/0", d.Admitted, d.Remaining)
	}
	// 500 is now the oldest
	if !d.ResetAt.Equal(at(1500)) {
		t.Fatalf("ResetAt = %v, want %v", d.ResetAt, at(1500))
	}
}

func TestCheck_ResetAfterRoundsUp(t *testing.T) {
	l := newLimiter(t, 1, 2500*time.Millisecond)

	d := l.Check("a", at(0))
	if d.ResetAfter != 3*time.Second {
		t.Fatalf("ResetAfter = %v, want 3s", d.ResetAfter)
	}
	d = l.Check("a", at(2000))
	if d.ResetAfter != time.Second {
		t.Fatalf("ResetAfter = %v, want 1s", d.ResetAfter)
	}
}

func TestCheck_IdentifierIsolation(t *testing.T) {
	l := newLimiter(t, 1, time.Second)

	if d := l.Check("A", at(0)); !d.Admitted {
		t.Fatal("A should be admitted")
	}
	if d := l.Check("A", at(0)); d.Admitted {
		t.Fatal("A should be exhausted")
	}
	if d := l.Check("B", at(0)); !d.Admitted {
		t.Fatal("B must not be affected by A")
	}
}

func TestCheck_SkipBypassesAndLeavesNoState(t *testing.T) {
	l, err := New(Policy{
		Name:        "webhook",
		MaxRequests: 1,
		Window:      time.Minute,
		Skip:        func(id string) bool { return strings.HasPrefix(id, "internal:") },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		d := l.Check("internal:cron", at(0))
		if !d.Admitted || d.Remaining != 1 || d.ResetAfter != 0 {
			t.Fatalf("skip %d: %+v", i, d)
		}
	}
	if l.Size() != 0 {
		t.Fatalf("Size = %d, skipped identifiers must not be stored", l.Size())
	}
	if d := l.Check("ip:1.2.3.4", at(0)); !d.Admitted {
		t.Fatal("non-skipped identifier should still be limited normally")
	}
}

func TestResetAndClear_Idempotent(t *testing.T) {
	l := newLimiter(t, 1, time.Minute)

	l.Reset("never-seen")
	l.Clear()
	if l.Size() != 0 {
		t.Fatalf("Size = %d after no-op reset/clear", l.Size())
	}

	l.Check("a", at(0))
	l.Check("b", at(0))
	if l.Size() != 2 {
		t.Fatalf("Size = %d, want 2", l.Size())
	}

	l.Reset("a")
	l.Reset("a")
	if l.Size() != 1 {
		t.Fatalf("Size = %d after reset, want 1", l.Size())
	}
	if d := l.Check("a", at(1)); !d.Admitted {
		t.Fatal("a should start fresh after Reset")
	}

	l.Clear()
	l.Clear()
	if l.Size() != 0 {
		t.Fatalf("Size = %d after clear, want 0", l.Size())
	}
	if d := l.Check("b", at(1)); !d.Admitted {
		t.Fatal("b should start fresh after Clear")
	}
}

func TestCheck_RemainingMonotonicWithinWindow(t *testing.T) {
	l := newLimiter(t, 5, time.Minute)

	prev := 5
	for ms := int64(0); ms < 20; ms++ {
		d := l.Check("a", at(ms*10))
		if d.Remaining > prev {
			t.Fatalf("remaining rose from %d to %d at %dms", prev, d.Remaining, ms*10)
		}
		if d.Remaining < 0 {
			t.Fatalf("remaining went negative: %d", d.Remaining)
		}
		prev = d.Remaining
	}
}

func TestCheck_ClockStepBackKeepsOrder(t *testing.T) {
	l := newLimiter(t, 3, time.Second)

	l.Check("a", at(500))
	l.Check("a", at(200))
	d := l.Check("a", at(600))
	// 200 is the oldest even though it arrived second
	if !d.ResetAt.Equal(at(1200)) {
		t.Fatalf("ResetAt = %v, want %v", d.ResetAt, at(1200))
	}
}

func TestAllow_ConcurrentAdmitsExactlyMax(t *testing.T) {
	const max = 50
	clock := &fakeClock{now: at(0)}
	l := newLimiter(t, max, time.Minute, WithClock(clock.Now), WithShards(4))

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(context.Background(), "hot").Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != max {
		t.Fatalf("admitted %d, want exactly %d", got, max)
	}
}

func TestAllow_ConcurrentManyIdentifiers(t *testing.T) {
	clock := &fakeClock{now: at(0)}
	l := newLimiter(t, 2, time.Minute, WithClock(clock.Now))

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		id := "ip:10.0.0." + string(rune('a'+i%26)) + string(rune('a'+i/26))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				l.Allow(context.Background(), id)
			}
		}()
	}
	wg.Wait()

	if l.Size() != 64 {
		t.Fatalf("Size = %d, want 64", l.Size())
	}
}

func TestAllow_Hooks(t *testing.T) {
	clock := &fakeClock{now: at(0)}
	var decisions, denied, firstDenied int
	l := newLimiter(t, 1, time.Second,
		WithClock(clock.Now),
		WithOnDecision(func(Decision) { decisions++ }),
		WithOnDenied(func(string) { denied++ }),
		WithOnFirstDenied(func(string) { firstDenied++ }),
	)
	ctx := context.Background()

	l.Allow(ctx, "a") // admitted
	l.Allow(ctx, "a") // first denial
	l.Allow(ctx, "a") // same streak

	if decisions != 3 || denied != 2 || firstDenied != 1 {
		t.Fatalf("decisions=%d denied=%d first=%d, want 3/2/1", decisions, denied, firstDenied)
	}

	// an admission re-arms the first-denied hook
	clock.Set(at(1000))
	l.Allow(ctx, "a")
	l.Allow(ctx, "a")
	if firstDenied != 2 {
		t.Fatalf("firstDenied = %d after re-arm, want 2", firstDenied)
	}
}

func TestCheck_DoesNotRunHooks(t *testing.T) {
	called := false
	l := newLimiter(t, 1, time.Second, WithOnDenied(func(string) { called = true }))

	l.Check("a", at(0))
	l.Check("a", at(0))
	if called {
		t.Fatal("Check must not fire hooks")
	}
}

func TestSweepExpiredEntries(t *testing.T) {
	l := newLimiter(t, 5, time.Second, WithIdleTTL(10*time.Second))

	l.Check("old", at(0))
	l.Check("recent", at(9_000))

	if n := l.SweepExpiredEntries(at(5_000)); n != 0 {
		t.Fatalf("swept %d before idle TTL, want 0", n)
	}
	if n := l.SweepExpiredEntries(at(10_000)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if l.Size() != 1 {
		t.Fatalf("Size = %d, want 1", l.Size())
	}
	// swept identifiers start fresh
	if d := l.Check("old", at(10_001)); !d.Admitted || d.Remaining != 4 {
		t.Fatalf("old after sweep: %+v", d)
	}
}

func TestSweep_IdleTTLNeverShorterThanWindow(t *testing.T) {
	l := newLimiter(t, 1, time.Minute, WithIdleTTL(time.Second))

	l.Check("a", at(0))
	if n := l.SweepExpiredEntries(at(30_000)); n != 0 {
		t.Fatal("an entry with an admission inside the window must survive the sweep")
	}
	if d := l.Check("a", at(30_000)); d.Admitted {
		t.Fatal("sweep must not reset a live window")
	}
}

func TestRun_SweepsOnInterval(t *testing.T) {
	clock := &fakeClock{now: at(0)}
	swept := make(chan int, 4)
	l := newLimiter(t, 1, time.Millisecond,
		WithClock(clock.Now),
		WithIdleTTL(time.Millisecond),
		WithSweepInterval(5*time.Millisecond),
		WithOnSweep(func(removed, _ int) {
			select {
			case swept <- removed:
			default:
			}
		}),
	)
	l.Allow(context.Background(), "a")
	clock.Set(at(60_000))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	select {
	case n := <-swept:
		if n != 1 {
			t.Fatalf("first sweep removed %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMaxIdentifiers_NewIdentifierEvictsLeastRecent(t *testing.T) {
	clock := &fakeClock{now: at(0)}
	var capacityHits int
	l := newLimiter(t, 2, time.Minute,
		WithClock(clock.Now),
		WithShards(1),
		WithMaxIdentifiers(2),
		WithOnCapacity(func() { capacityHits++ }),
	)
	ctx := context.Background()

	l.Allow(ctx, "ip:1")
	clock.Set(at(10))
	l.Allow(ctx, "ip:2")

	// a new identifier always gets its full limit, even at the cap
	clock.Set(at(20))
	for i, want := range []int{1, 0} {
		d := l.Allow(ctx, "user:new")
		if !d.Admitted || d.Remaining != want {
			t.Fatalf("user:new call %d: admitted=%v remaining=%d, want admitted with %d left", i+1, d.Admitted, d.Remaining, want)
		}
	}
	if l.Size() != 2 {
		t.Fatalf("Size = %d, want the cap of 2", l.Size())
	}
	if capacityHits != 1 {
		t.Fatalf("OnCapacity fired %d times, want 1", capacityHits)
	}

	// ip:1 was least recently admitted, ip:2 keeps its window
	if d := l.Allow(ctx, "ip:2"); !d.Admitted || d.Remaining != 0 {
		t.Fatalf("ip:2 = %+v, want its second admission", d)
	}
	if d := l.Allow(ctx, "ip:2"); d.Admitted {
		t.Fatal("ip:2 should still be limited, it was not evicted")
	}

	// one episode until the count drops under the cap again
	l.Allow(ctx, "ip:3")
	if capacityHits != 1 {
		t.Fatalf("OnCapacity fired %d times, want once per episode", capacityHits)
	}
	l.Clear()
	l.Allow(ctx, "a")
	l.Allow(ctx, "b")
	l.Allow(ctx, "c")
	if capacityHits != 2 {
		t.Fatalf("OnCapacity fired %d times, want a second episode", capacityHits)
	}
}

func TestMaxIdentifiers_PrefersEntriesOutsideWindow(t *testing.T) {
	l := newLimiter(t, 1, time.Second, WithShards(1), WithMaxIdentifiers(2))

	l.Check("idle", at(0))
	l.Check("active", at(1_500))

	// idle has nothing left in the window at 2000, it is the one dropped
	if d := l.Check("new", at(2_000)); !d.Admitted {
		t.Fatal("new identifier should be admitted at the cap")
	}
	if d := l.Check("active", at(2_000)); d.Admitted {
		t.Fatal("active should keep its window")
	}
	if d := l.Check("idle", at(2_000)); !d.Admitted {
		t.Fatal("idle was evicted and starts a fresh window")
	}
}

func TestMaxIdentifiers_ConcurrentStaysAtCap(t *testing.T) {
	l := newLimiter(t, 1, time.Minute, WithShards(1), WithMaxIdentifiers(10))

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		id := "id-" + string(rune('A'+i%50)) + string(rune('A'+i/50))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(id, at(0)).Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 100 {
		t.Fatalf("admitted %d of 100 first requests, want all", admitted.Load())
	}
	if l.Size() != 10 {
		t.Fatalf("Size = %d, want exactly the cap of 10", l.Size())
	}
}

func TestMaxIdentifiers_EmptyShardMayExceedCap(t *testing.T) {
	l := newLimiter(t, 1, time.Minute, WithShards(2), WithMaxIdentifiers(1))

	// fill one shard, then find an identifier that lands in the other
	l.Check("first", at(0))
	home := l.shardFor("first")
	other := ""
	for i := 0; other == ""; i++ {
		id := "id-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if l.shardFor(id) != home {
			other = id
		}
	}

	if d := l.Check(other, at(0)); !d.Admitted {
		t.Fatal("identifier in an empty shard should be admitted")
	}
	if l.Size() != 2 {
		t.Fatalf("Size = %d, want 2 (one over the cap)", l.Size())
	}
}

func TestWithShards_RoundsToPowerOfTwo(t *testing.T) {
	for _, tt := range []struct{ in, want int }{{0, 1}, {1, 1}, {3, 4}, {64, 64}, {100, 128}} {
		l := newLimiter(t, 1, time.Second, WithShards(tt.in))
		if len(l.shards) != tt.want {
			t.Errorf("WithShards(%d) = %d shards, want %d", tt.in, len(l.shards), tt.want)
		}
	}
}

func TestPresets(t *testing.T) {
	ps := Presets()
	want := map[string]struct {
		max    int
		window time.Duration
	}{
		PolicyAPI:      {60, time.Minute},
		PolicyAnalysis: {10, time.Hour},
		PolicyWebhook:  {100, time.Minute},
		PolicyAuth:     {10, 15 * time.Minute},
	}
	for name, w := range want {
		p, ok := ps[name]
		if !ok {
			t.Fatalf("preset %q missing", name)
		}
		if p.MaxRequests != w.max || p.Window != w.window || p.Name != name {
			t.Errorf("preset %q = %s", name, p)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("preset %q invalid: %v", name, err)
		}
	}

	ps[PolicyAPI] = Policy{Name: "mutated"}
	if Presets()[PolicyAPI].Name != PolicyAPI {
		t.Fatal("Presets must return a fresh copy")
	}

	names := PolicyNames(Presets())
	if strings.Join(names, ",") != "analysis,api,auth,webhook" {
		t.Fatalf("PolicyNames = %v", names)
	}
}
