package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"clinic-registration/internal/domain"
	"clinic-registration/internal/domain/ports/repository"
)

// Ensure the adapter implements the port interface.
var _ repository.KeyValueStore = (*KVStore)(nil)

// KVStore is the durable backing for registration flow state. Keys expire
// after ttl so abandoned registrations age out on their own; every write
// refreshes the window.
type KVStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewKVStore(client RedisClient, prefix string, ttl time.Duration) *KVStore {
	if prefix == "" {
		prefix = "reg"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &KVStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *KVStore) k(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.k(key))
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.k(key), value, s.ttl)
}

func (s *KVStore) Remove(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.k(key)
	}
	return s.client.Del(ctx, full...)
}

func (s *KVStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.k(key))
	if err != nil {
		return 0, err
	}
	// INCR creates the key without a TTL; make sure it still ages out.
	if err := s.client.Expire(ctx, s.k(key), s.ttl); err != nil {
		return n, err
	}
	return n, nil
}

func (s *KVStore) AddToSet(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return s.client.SAdd(ctx, s.k(key), vals...)
}

func (s *KVStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return s.client.SRem(ctx, s.k(key), vals...)
}

func (s *KVStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, s.k(key))
}
