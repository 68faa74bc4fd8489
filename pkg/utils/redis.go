package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisAddrRequired = errors.New("redis addr is required")

// RedisConfig holds the client settings the workers need. Zero values take
// the defaults below.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	// IOTimeout bounds every read and write, including lease scripts.
	IOTimeout   time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

const (
	defaultRedisDialTimeout = 3 * time.Second
	defaultRedisIOTimeout   = 2 * time.Second
	defaultRedisPoolSize    = 10
	defaultRedisPingTimeout = 2 * time.Second
)

func (c RedisConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		DialTimeout:     orDuration(c.DialTimeout, defaultRedisDialTimeout),
		ReadTimeout:     orDuration(c.IOTimeout, defaultRedisIOTimeout),
		WriteTimeout:    orDuration(c.IOTimeout, defaultRedisIOTimeout),
		PoolSize:        defaultRedisPoolSize,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	return opts
}

// OpenRedis builds a client and fails fast when the server does not answer PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, ErrRedisAddrRequired
	}
	rdb := redis.NewClient(cfg.options())

	pingCtx, cancel := context.WithTimeout(ctx, orDuration(cfg.PingTimeout, defaultRedisPingTimeout))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
