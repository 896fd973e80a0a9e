package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix   = "voicelab"
	defaultTTLHours = 24
	maxTxRetries    = 5
)

// RedisStore keeps one session's history as a Redis list of JSON items.
// Rewrites (remove, update) run in an optimistic WATCH transaction so a
// concurrent Append is never lost.
type RedisStore struct {
	client    *redis.Client
	sessionID string
	prefix    string
	ttl       time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "voicelab".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL sets how long an idle history survives. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore returns the history of sessionID backed by client.
func NewRedisStore(client *redis.Client, sessionID string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		sessionID: sessionID,
		prefix:    defaultPrefix,
		ttl:       defaultTTLHours * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("%s:history:%s", s.prefix, s.sessionID)
}

func (s *RedisStore) Append(ctx context.Context, item Item) error {
	if err := validate(item); err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key(), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Items(ctx context.Context) ([]Item, error) {
	raw, err := s.client.LRange(ctx, s.key(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}
	return decodeItems(raw)
}

func decodeItems(raw []string) ([]Item, error) {
	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		var it Item
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item: %w", err)
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *RedisStore) RemoveWhere(ctx context.Context, match func(Item) bool) (int, error) {
	removed := 0
	err := s.rewrite(ctx, func(items []Item) ([]Item, error) {
		kept := make([]Item, 0, len(items))
		for _, it := range items {
			if !match(it) {
				kept = append(kept, it)
			}
		}
		removed = len(items) - len(kept)
		return kept, nil
	})
	return removed, err
}

func (s *RedisStore) Update(ctx context.Context, item Item) error {
	if err := validate(item); err != nil {
		return err
	}
	return s.rewrite(ctx, func(items []Item) ([]Item, error) {
		for i := range items {
			if items[i].ID == item.ID {
				items[i] = item
				return items, nil
			}
		}
		return nil, ErrNotFound
	})
}

// rewrite replaces the whole list with fn's result inside a WATCH
// transaction, retrying when another writer touched the key.
func (s *RedisStore) rewrite(ctx context.Context, fn func([]Item) ([]Item, error)) error {
	key := s.key()
	txf := func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		items, err := decodeItems(raw)
		if err != nil {
			return err
		}
		next, err := fn(items)
		if err != nil {
			return err
		}
		encoded := make([]interface{}, 0, len(next))
		for _, it := range next {
			data, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("failed to marshal item: %w", err)
			}
			encoded = append(encoded, data)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(encoded) > 0 {
				pipe.RPush(ctx, key, encoded...)
				if s.ttl > 0 {
					pipe.Expire(ctx, key, s.ttl)
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("redis rewrite failed: %w", err)
		}
		return err
	}
	return fmt.Errorf("redis rewrite failed: %w", redis.TxFailedErr)
}

// Clear drops the session's history.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key()).Err()
}
