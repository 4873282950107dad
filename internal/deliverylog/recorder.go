// Package deliverylog remembers webhook idempotency keys so replays can be reported. It never rejects a
// delivery; correctness comes from the engagement ledger's natural key.
package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "agentbuddy:webhook:delivery:"
	defaultSource     = "unknown"
	defaultTTL        = 24 * time.Hour
	connectionTimeout = 5 * time.Second
)

var errMissingClient = errors.New("redis client is required")

// Recorder reports whether a (source, idempotency key) pair has been seen before.
type Recorder interface {
	Seen(ctx context.Context, source, key string) (bool, error)
}

// NopRecorder never remembers anything. Used when no redis address is configured.
type NopRecorder struct{}

func (NopRecorder) Seen(context.Context, string, string) (bool, error) {
	return false, nil
}

// RedisRecorder stores keys with SETNX and a TTL covering the sender's retry window.
type RedisRecorder struct {
	client *redis.Client
	ttl    time.Duration
}

// Options configures the redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisRecorder connects to redis and verifies the connection with a PING.
func NewRedisRecorder(ctx context.Context, options Options) (*RedisRecorder, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisRecorderFromClient(client, options.TTL)
}

// NewRedisRecorderFromClient wraps an existing client.
func NewRedisRecorderFromClient(client *redis.Client, ttl time.Duration) (*RedisRecorder, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisRecorder{client: client, ttl: ttl}, nil
}

// Seen records the key and reports whether it already existed. Empty keys are never remembered.
func (r *RedisRecorder) Seen(ctx context.Context, source, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	stored, err := r.client.SetNX(ctx, storageKey(source, key), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("recording delivery key: %w", err)
	}
	return !stored, nil
}

// Close releases the redis connection pool.
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}

func storageKey(source, key string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = defaultSource
	}
	return keyPrefix + source + ":" + key
}
