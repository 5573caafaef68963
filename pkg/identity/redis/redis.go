// Package redis implements identity.Registry on Redis so several workers can
// share one identity scope.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/docgraph/pkg/identity"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const defaultPrefix = "docgraph:identity:"

// Options configures the registry connection.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string
	// TTL bounds how long a key stays claimed. Zero keeps keys forever.
	TTL time.Duration
	// Prefix is prepended to every key.
	Prefix string

	ConnectTimeout time.Duration
}

// Registry stores identity keys with SETNX.
type Registry struct {
	client   *redis.Client
	ttl      time.Duration
	prefix   string
	inflight singleflight.Group
}

// New connects to Redis and verifies the connection.
func New(opts Options) (*Registry, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Registry{client: client, ttl: opts.TTL, prefix: opts.Prefix}, nil
}

// Claim stores candidate under key unless another id is already registered.
// Concurrent claims of one key in this process share a single round trip and
// all receive the id of the winning claim.
func (r *Registry) Claim(ctx context.Context, key, candidate string) (string, error) {
	v, err, _ := r.inflight.Do(key, func() (any, error) {
		return r.claim(ctx, key, candidate)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Registry) claim(ctx context.Context, key, candidate string) (string, error) {
	k := r.prefix + key
	// A claimed key may expire between SETNX and GET; try again in that case.
	for range 3 {
		ok, err := r.client.SetNX(ctx, k, candidate, r.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("failed to claim %s: %w", key, err)
		}
		if ok {
			return candidate, nil
		}
		id, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", key, err)
		}
		return id, nil
	}
	return "", fmt.Errorf("failed to claim %s: key keeps expiring", key)
}

func (r *Registry) Close() error {
	return r.client.Close()
}

var _ identity.Registry = (*Registry)(nil)
