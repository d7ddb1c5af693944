package main

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/windowgate/internal/cfg"
	"github.com/keithlinneman/windowgate/internal/health"
	"github.com/keithlinneman/windowgate/internal/limithttp"
	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/metrics"
	"github.com/keithlinneman/windowgate/internal/ratelimit"
	"github.com/keithlinneman/windowgate/internal/redislimit"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// backend is the limiter set for every configured policy
type backend struct {
	stores    map[string]limithttp.Store
	readiness health.Probe
	// stop ends sweeps and closes connections, safe to call more than once
	stop func()
}

// resolveFailMode applies -fail-mode to one policy
func resolveFailMode(flag, policy string) redislimit.FailMode {
	if flag == cfg.FailModePolicy {
		return redislimit.DefaultFailMode(policy)
	}
	mode, err := redislimit.ParseFailMode(flag)
	if err != nil {
		// cfg.Validate has already rejected anything else
		return redislimit.DefaultFailMode(policy)
	}
	return mode
}

// memoryLimiter builds one in-memory limiter with its hooks reporting to
// logs and metrics under the policy name
func memoryLimiter(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, conf cfg.App, p ratelimit.Policy) (*ratelimit.Limiter, error) {
	name := p.Name
	PL := L.With("policy", name)
	l, err := ratelimit.New(p,
		ratelimit.WithShards(conf.Shards),
		ratelimit.WithMaxIdentifiers(conf.MaxIdentifiers),
		ratelimit.WithIdleTTL(conf.IdleTTL),
		ratelimit.WithSweepInterval(conf.SweepInterval),
		ratelimit.WithOnDecision(func(d ratelimit.Decision) {
			m.ObserveDecision(d.Policy, d.Admitted)
		}),
		// log once per streak, the decisions counter has the rest
		ratelimit.WithOnFirstDenied(func(id string) {
			PL.Warn(ctx, "rate limit triggered", "identifier", id)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncCapacity(name)
			PL.Warn(ctx, "rate limit capacity reached, evicting least recently seen identifiers",
				"max_identifiers", conf.MaxIdentifiers)
		}),
		ratelimit.WithOnSweep(func(removed, remaining int) {
			m.AddSwept(name, removed)
			m.SetTrackedIdentifiers(name, remaining)
			PL.Debug(ctx, "swept idle identifiers", "removed", removed, "remaining", remaining)
		}),
	)
	if err != nil {
		return nil, xerrors.Wrapf(err, "memory limiter for policy %s", name)
	}
	return l, nil
}

// sweeper runs Limiter.Run for a set of limiters until stopped
type sweeper struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newSweeper(ctx context.Context) *sweeper {
	s := &sweeper{}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

func (s *sweeper) run(l *ratelimit.Limiter) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.Run(s.ctx)
	}()
}

// stop is safe to call more than once
func (s *sweeper) stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func newMemoryBackend(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, conf cfg.App, policies map[string]ratelimit.Policy) (*backend, error) {
	sw := newSweeper(ctx)
	stores := make(map[string]limithttp.Store, len(policies))

	for _, name := range ratelimit.PolicyNames(policies) {
		l, err := memoryLimiter(ctx, L, m, conf, policies[name])
		if err != nil {
			sw.stop()
			return nil, err
		}
		stores[name] = limithttp.Memory(l)
		sw.run(l)
	}

	return &backend{
		stores:    stores,
		readiness: health.Fixed(true, ""),
		stop:      sw.stop,
	}, nil
}

func newRedisBackend(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, conf cfg.App, policies map[string]ratelimit.Policy) (*backend, error) {
	rdb, err := redislimit.NewClient(ctx, redislimit.ClientConfig{
		Addrs:        conf.RedisAddrList(),
		Password:     conf.RedisPassword,
		DB:           conf.RedisDB,
		PoolSize:     conf.RedisPoolSize,
		CheckTimeout: conf.RedisTimeout,
	})
	if err != nil {
		return nil, err
	}
	return redisBackend(rdb, L, m, conf, policies)
}

// redisBackend binds policies to an already connected client and takes ownership of it
func redisBackend(rdb redis.UniversalClient, L log.Logger, m *metrics.ServerMetrics, conf cfg.App, policies map[string]ratelimit.Policy) (*backend, error) {
	stores := make(map[string]limithttp.Store, len(policies))
	var pinger *redislimit.Limiter

	for _, name := range ratelimit.PolicyNames(policies) {
		mode := resolveFailMode(conf.FailMode, name)
		l, err := redislimit.New(rdb, policies[name], redislimit.Options{
			Prefix:   conf.RedisPrefix,
			FailMode: mode,
			Logger:   L,
			OnError: func(policy string, mode redislimit.FailMode) {
				m.IncBackendError(policy, mode.String())
			},
			OnDecision: func(d ratelimit.Decision) {
				m.ObserveDecision(d.Policy, d.Admitted)
			},
		})
		if err != nil {
			_ = rdb.Close()
			return nil, xerrors.Wrapf(err, "redis limiter for policy %s", name)
		}
		L.Info(context.Background(), "redis limiter ready", "policy", name, "fail_mode", mode.String())
		stores[name] = l
		if pinger == nil {
			pinger = l
		}
	}

	var readiness health.Probe = health.Fixed(true, "")
	if pinger != nil {
		readiness = health.WithTimeout(health.CheckFunc(pinger.Ping), time.Second)
	}

	var once sync.Once
	return &backend{
		stores:    stores,
		readiness: readiness,
		stop: func() {
			once.Do(func() { _ = rdb.Close() })
		},
	}, nil
}
