package cache

import (
	"fmt"
	"time"
)

type RedisOption func(*RedisConfig)

// RedisConfig is the connection setup for NewRedisCache. Prefix is prepended to
// every key so several deployments can share one Redis database.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	PoolTimeout  time.Duration
	MinIdleConns int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *RedisConfig) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// WithRedisAddr points the client at host:port.
func WithRedisAddr(host string, port int) RedisOption {
	return func(c *RedisConfig) {
		c.Host = host
		c.Port = port
	}
}

// WithRedisAuth selects the database and the password used to reach it.
func WithRedisAuth(password string, db int) RedisOption {
	return func(c *RedisConfig) {
		c.Password = password
		c.DB = db
	}
}

// WithRedisPool sizes the pool. A minIdle of zero keeps a quarter of size warm.
func WithRedisPool(size, minIdle int, wait time.Duration) RedisOption {
	return func(c *RedisConfig) {
		c.PoolSize = size
		if minIdle <= 0 {
			minIdle = size / 4
		}
		c.MinIdleConns = minIdle
		c.PoolTimeout = wait
	}
}

func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) {
		c.Prefix = prefix
	}
}

// WithRedisTimeouts bounds socket operations. Zero values keep the defaults.
func WithRedisTimeouts(dial, read, write time.Duration) RedisOption {
	return func(c *RedisConfig) {
		if dial > 0 {
			c.DialTimeout = dial
		}
		if read > 0 {
			c.ReadTimeout = read
		}
		if write > 0 {
			c.WriteTimeout = write
		}
	}
}

type MemoryOption func(*MemoryConfig)

// MemoryConfig configures the in-process cache used by tests and single-node runs.
// Once MaxSize entries are held, the least recently used entry is evicted.
type MemoryConfig struct {
	MaxSize         int
	CleanupInterval time.Duration
}

func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *MemoryConfig) {
		if size > 0 {
			c.MaxSize = size
		}
	}
}

func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) {
		c.CleanupInterval = interval
	}
}
