package convcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for a shared Redis index.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string        // defaults to "djvu:cache:"
	TTL       time.Duration // zero means entries never expire
}

// RedisIndex keeps cache entries in Redis so that converters on
// multiple hosts can share one conversion cache. Artifact paths must
// then point at shared storage.
type RedisIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIndex connects to Redis and verifies the connection.
func NewRedisIndex(cfg RedisConfig) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "djvu:cache:"
	}
	return &RedisIndex{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Get retrieves an entry.
func (r *RedisIndex) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := r.client.Get(ctx, r.prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("redis entry decode: %w", err)
	}
	return &entry, nil
}

// Put upserts an entry.
func (r *RedisIndex) Put(ctx context.Context, key Key, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis entry encode: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key.String(), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes an entry, silently ignoring absent keys.
func (r *RedisIndex) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.prefix+key.String()).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// DeleteByDocument removes all entries of one document.
func (r *RedisIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	pattern := r.prefix + documentID + "#*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()

	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete by document: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
