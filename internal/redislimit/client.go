package redislimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// ClientConfig is the connection side of the backend flags.
type ClientConfig struct {
	// Addrs is one address for a single node, several for cluster mode
	Addrs       []string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	// CheckTimeout bounds each read or write, a slow Redis turns into the fail mode quickly
	CheckTimeout time.Duration
}

// NewClient connects and pings once so a bad address fails startup instead
// of the first request.
func NewClient(ctx context.Context, cfg ClientConfig) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, xerrors.New("redislimit: no redis address configured")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 250 * time.Millisecond
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.CheckTimeout,
		WriteTimeout: cfg.CheckTimeout,
	})

	pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Wrapf(err, "redislimit: ping %v", cfg.Addrs)
	}
	return rdb, nil
}
