package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Options configure the shared Redis connection.
type Options struct {
	// Addr is host:port or a redis:// / rediss:// URL.
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

var (
	newRedisClient = func(opts *redis.Options) *redis.Client {
		return redis.NewClient(opts)
	}
	pingRedis = func(ctx context.Context, client *redis.Client) error {
		return client.Ping(ctx).Err()
	}
)

// ClientOptions translates Options into go-redis options.
func ClientOptions(opts Options) (*redis.Options, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}

	ropts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ropts = parsed
	}
	if opts.Password != "" {
		ropts.Password = opts.Password
	}
	if opts.DB != 0 {
		ropts.DB = opts.DB
	}
	if opts.DialTimeout > 0 {
		ropts.DialTimeout = opts.DialTimeout
	}
	return ropts, nil
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*redis.Client, error) {
	ropts, err := ClientOptions(opts)
	if err != nil {
		return nil, err
	}

	client := newRedisClient(ropts)
	if err := pingRedis(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", ropts.Addr, err)
	}
	logger.Info().Str("component", "cache").Str("addr", ropts.Addr).Int("db", ropts.DB).Msg("connected to redis")
	return client, nil
}
