package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore persists the warm-start Document as a single key in Redis,
// letting multiple proxy replicas share one warm-start snapshot instead
// of each needing its own disk volume.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore returns a RedisStore using client, storing the document
// under key with the given TTL (0 disables expiry).
func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = "flag-edge:state"
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

// Save writes doc to Redis.
func (r *RedisStore) Save(ctx context.Context, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("persistence: marshal document: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("persistence: redis set: %w", err)
	}
	return nil
}

// Load reads the document from Redis. A missing key returns an empty
// Document with no error.
func (r *RedisStore) Load(ctx context.Context) (Document, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Document{}, nil
		}
		return Document{}, fmt.Errorf("persistence: redis get: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("persistence: unmarshal document: %w", err)
	}
	return doc, nil
}
