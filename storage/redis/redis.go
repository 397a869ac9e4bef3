// Package redis provides a Redis-based implementation of the storage.Storage
// interface. Writes are announced on a pub/sub channel so every handle sharing
// the same Redis instance and key prefix can Watch for changes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/authsession-go/storage"
	"github.com/redis/go-redis/v9"
)

var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
)

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys and the change channel.
	// Default: "authsession:storage:"
	KeyPrefix string
}

// Storage implements the storage.Storage interface using Redis
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

// storedItem represents the structure stored in Redis
type storedItem struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "authsession:storage:"
	}

	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, err
	}
	options := storage.ApplyOptions(opts...)
	redisKey := s.keyPrefix + storage.BuildKey(options.Namespace, key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	return &storage.Item{Data: item.Data, UpdatedAt: item.UpdatedAt}, nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	options := storage.ApplyOptions(opts...)
	redisKey := s.keyPrefix + storage.BuildKey(options.Namespace, key)

	itemData, err := json.Marshal(storedItem{Data: data, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	if err := s.client.Set(ctx, redisKey, itemData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return s.publish(ctx, storage.Change{Namespace: options.Namespace, Key: key})
}

// Delete removes key within the given namespace
func (s *Storage) Delete(ctx context.Context, key string, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	options := storage.ApplyOptions(opts...)
	redisKey := s.keyPrefix + storage.BuildKey(options.Namespace, key)

	n, err := s.client.Del(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
	}
	if n == 0 {
		return nil
	}
	return s.publish(ctx, storage.Change{Namespace: options.Namespace, Key: key, Deleted: true})
}

func (s *Storage) channel() string { return s.keyPrefix + "changes" }

type changeMessage struct {
	Namespace string `json:"ns,omitempty"`
	Key       string `json:"key"`
	Deleted   bool   `json:"deleted,omitempty"`
}

func (s *Storage) publish(ctx context.Context, c storage.Change) error {
	msg, err := json.Marshal(changeMessage{Namespace: c.Namespace, Key: c.Key, Deleted: c.Deleted})
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Watch subscribes to the change channel shared by every handle using the
// same key prefix.
func (s *Storage) Watch(ctx context.Context) (<-chan storage.Change, error) {
	sub := s.client.Subscribe(ctx, s.channel())
	// Wait for the subscription confirmation so changes published after
	// Watch returns are never missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan storage.Change, 8)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var cm changeMessage
				if err := json.Unmarshal([]byte(m.Payload), &cm); err != nil || cm.Key == "" {
					continue
				}
				select {
				case out <- storage.Change{Namespace: cm.Namespace, Key: cm.Key, Deleted: cm.Deleted}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	return s.client.Close()
}
