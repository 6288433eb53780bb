package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidRedisOptions is returned by [RedisOptions.Validate].
var ErrInvalidRedisOptions = errors.New("invalid redis options")

// RedisOptions configures a [RedisCache].
type RedisOptions struct {
	Addr        string        // host:port of the redis server
	Password    string        // optional AUTH password
	DB          int           // database index
	Prefix      string        // prepended to every key
	DialTimeout time.Duration // defaults to 5s
}

// DefaultRedisPrefix namespaces ray's keys on a shared server.
const DefaultRedisPrefix = "ray:"

// Validate checks that the options can be used to connect.
func (o RedisOptions) Validate() error {
	if o.Addr == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidRedisOptions)
	}
	if !strings.Contains(o.Addr, ":") {
		return fmt.Errorf("%w: address %q must be host:port", ErrInvalidRedisOptions, o.Addr)
	}
	if o.DB < 0 {
		return fmt.Errorf("%w: negative database index %d", ErrInvalidRedisOptions, o.DB)
	}
	return nil
}

// SetDefaults fills in unset fields.
func (o *RedisOptions) SetDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Prefix == "" {
		o.Prefix = DefaultRedisPrefix
	}
}

// RedisCache implements Cache on a redis server. Transient failures are
// retried with backoff; a missing key is a miss, not an error.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to the server described by opts.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", opts.Addr, err)
	}
	return newRedisCache(client, opts.Prefix), nil
}

func newRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

// Get retrieves a value from redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	hit := false
	err := RetryWithBackoff(ctx, func() error {
		b, err := c.client.Get(ctx, c.key(key)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			return nil
		case err != nil:
			return retryable(ctx, err)
		}
		data, hit = b, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, hit, nil
}

// Set stores a value in redis. A ttl <= 0 stores the key without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return RetryWithBackoff(ctx, func() error {
		return retryable(ctx, c.client.Set(ctx, c.key(key), data, ttl).Err())
	})
}

// Delete removes a value from redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return RetryWithBackoff(ctx, func() error {
		return retryable(ctx, c.client.Del(ctx, c.key(key)).Err())
	})
}

// Close closes the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// retryable marks err for retry unless it came from ctx itself.
func retryable(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return err
	}
	return Retryable(err)
}

// Ensure RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
