package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore mirrors presence entries into Redis so every API node can list
// who is online. Each entry is its own key with a TTL, so entries from a
// crashed node age out on their own.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(documentID, actorID string) string {
	return s.prefix + documentID + ":" + actorID
}

// Save writes e under the document, resetting its TTL.
func (s *RedisStore) Save(ctx context.Context, documentID string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, s.key(documentID, e.ActorID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// Delete removes an actor's entry. Missing entries are not an error.
func (s *RedisStore) Delete(ctx context.Context, documentID, actorID string) error {
	if err := s.client.Del(ctx, s.key(documentID, actorID)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// List returns the unexpired entries of a document.
func (s *RedisStore) List(ctx context.Context, documentID string) ([]Entry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(documentID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	if len(keys) == 0 {
		return []Entry{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	out := make([]Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal presence: %w", err)
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
