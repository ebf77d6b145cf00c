package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/loomd/internal/apperrors"
)

// KVStore wraps a Redis client for ephemeral coordination: generic
// get/set/counter helpers and the "cca:*" broadcast channels the daemon
// publishes task/agent lifecycle events on.
type KVStore struct {
	client *redis.Client
}

// OpenKV connects to a Redis instance at url (e.g. "redis://localhost:6379/0").
func OpenKV(url string) (*KVStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Input, "parse redis url", err)
	}
	client := redis.NewClient(opts)
	return &KVStore{client: client}, nil
}

func (k *KVStore) Close() error { return k.client.Close() }

func (k *KVStore) Ping(ctx context.Context) error {
	if err := k.client.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(apperrors.Transport, "redis ping", err)
	}
	return nil
}

// Get returns a string value, apperrors.NotFound if absent.
func (k *KVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := k.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", apperrors.New(apperrors.NotFound, "key not found").WithField("key", key)
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.Transport, "redis get", err)
	}
	return val, nil
}

// Set stores a string value with an optional TTL (0 means no expiry).
func (k *KVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := k.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return apperrors.Wrap(apperrors.Transport, "redis set", err)
	}
	return nil
}

// IncrBy atomically increments key by delta and returns the new value.
func (k *KVStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := k.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Transport, "redis incrby", err)
	}
	return val, nil
}

func (k *KVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := k.client.Expire(ctx, key, ttl).Err(); err != nil {
		return apperrors.Wrap(apperrors.Transport, "redis expire", err)
	}
	return nil
}

// Publish broadcasts payload on channel, used for the "cca:tasks",
// "cca:agents" and "cca:patterns" event channels in SPEC_FULL.md's domain
// stack.
func (k *KVStore) Publish(ctx context.Context, channel, payload string) error {
	if err := k.client.Publish(ctx, channel, payload).Err(); err != nil {
		return apperrors.Wrap(apperrors.Transport, "redis publish", err)
	}
	return nil
}

// Subscription wraps a redis.PubSub so callers don't need the redis
// import to range over messages.
type Subscription struct {
	ps *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message { return s.ps.Channel() }
func (s *Subscription) Close() error                   { return s.ps.Close() }

// Subscribe opens a subscription to one or more channels.
func (k *KVStore) Subscribe(ctx context.Context, channels ...string) *Subscription {
	return &Subscription{ps: k.client.Subscribe(ctx, channels...)}
}
