// Package redisx holds the Redis-backed pieces of the cluster: master election
// and node registry, and stream-backed distributed task factories.
package redisx

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// ConnectTimeout bounds the initial connection attempts. Default 1m.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

func FromEnv() Config {
	return Config{Addr: getenv("REDIS_ADDR", "localhost:6379"), Password: os.Getenv("REDIS_PASSWORD")}
}

// NewClientWithBackoff connects and pings with exponential backoff until the
// server answers, ctx ends or ConnectTimeout passes.
func NewClientWithBackoff(ctx context.Context, cfg Config, log logrus.FieldLogger) (*redis.Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = cfg.ConnectTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = time.Minute
	}
	err := backoff.RetryNotify(
		func() error { return rdb.Ping(ctx).Err() },
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			log.WithError(err).WithFields(logrus.Fields{"addr": cfg.Addr, "retry_in": wait.String()}).Warn("redis not reachable")
		},
	)
	if err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connect redis %s", cfg.Addr)
	}
	return rdb, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
