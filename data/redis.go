package data

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for a Redis connection
type RedisConfig struct {
	Address      string        `json:"address" yaml:"address" validate:"required"`
	Password     string        `json:"password" yaml:"password"`
	Database     int           `json:"database" yaml:"database" validate:"min=0"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" validate:"min=0"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns" validate:"min=0"`
	MaxConnAge   time.Duration `json:"max_conn_age" yaml:"max_conn_age"`
	PoolTimeout  time.Duration `json:"pool_timeout" yaml:"pool_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// Namespace prefixes every key written by this process
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultRedisConfig returns a configuration for a local server
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:   "localhost:6379",
		PoolSize:  10,
		Namespace: "jobsched",
	}
}

// NewRedisClient creates a client and verifies it with a ping
func NewRedisClient(ctx context.Context, config RedisConfig) (*redis.Client, error) {
	if config.Address == "" {
		return nil, errors.New("redis address is required")
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 10
	}

	options := &redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.Database,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	}
	if config.MaxConnAge > 0 {
		options.ConnMaxLifetime = config.MaxConnAge
	}
	if config.PoolTimeout > 0 {
		options.PoolTimeout = config.PoolTimeout
	}
	if config.IdleTimeout > 0 {
		options.ConnMaxIdleTime = config.IdleTimeout
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", config.Address)
	}
	return client, nil
}

// Key joins namespace and parts with colons
func Key(namespace string, parts ...string) string {
	key := namespace
	for _, p := range parts {
		if key == "" {
			key = p
			continue
		}
		key += ":" + p
	}
	return key
}
