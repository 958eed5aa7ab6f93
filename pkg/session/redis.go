package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the session cache in Redis so multiple gateway instances
// behind a load balancer agree on the current session. The record expires
// with the refresh token; Redis is then the shared writer and last writer
// wins.
type RedisStore struct {
	client *redis.Client
	key    string
}

const defaultRedisKey = "docport:gateway:session"

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// NewRedisStoreURL connects using a redis:// URL.
func NewRedisStoreURL(rawURL, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), key), nil
}

func (s *RedisStore) Load() (*PersistedSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("load session from redis: %w", err)
	}

	var p PersistedSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal session from redis: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) Save(p *PersistedSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	var ttl time.Duration
	if expiry, err := time.Parse(time.RFC3339, p.RefreshTokenExpiresAt); err == nil {
		ttl = time.Until(expiry)
	}
	if ttl <= 0 {
		// No usable refresh expiry, keep the record for an hour so a
		// restarted gateway can still pick it up.
		ttl = time.Hour
	}

	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("save session to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear session in redis: %w", err)
	}
	return nil
}
