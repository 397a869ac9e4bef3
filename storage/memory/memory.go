// Package memory provides an in-memory implementation of the storage interface
// using github.com/hashicorp/golang-lru/v2 to bound the number of retained keys.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/authsession-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
)

// Storage implements storage.Storage in process memory.
type Storage struct {
	mu       sync.RWMutex
	cache    *lru.Cache[string, *storage.Item]
	notifier storage.Notifier
	closed   bool
}

// New creates an in-memory store holding at most maxItems keys.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Storage{cache: cache}, nil
}

// Get retrieves a copy of the item stored under key.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, err
	}
	options := storage.ApplyOptions(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	item, ok := s.cache.Get(storage.BuildKey(options.Namespace, key))
	if !ok {
		return nil, nil
	}
	return &storage.Item{
		Data:      append([]byte(nil), item.Data...),
		UpdatedAt: item.UpdatedAt,
	}, nil
}

// Set stores a copy of data under key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	options := storage.ApplyOptions(opts...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	s.cache.Add(storage.BuildKey(options.Namespace, key), &storage.Item{
		Data:      append([]byte(nil), data...),
		UpdatedAt: time.Now(),
	})
	s.mu.Unlock()

	s.notifier.Notify(storage.Change{Namespace: options.Namespace, Key: key})
	return nil
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	options := storage.ApplyOptions(opts...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	removed := s.cache.Remove(storage.BuildKey(options.Namespace, key))
	s.mu.Unlock()

	if removed {
		s.notifier.Notify(storage.Change{Namespace: options.Namespace, Key: key, Deleted: true})
	}
	return nil
}

// Watch observes writes made through this Storage value.
func (s *Storage) Watch(ctx context.Context) (<-chan storage.Change, error) {
	return s.notifier.Watch(ctx)
}

// Close purges all data and closes watchers.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cache.Purge()
	s.mu.Unlock()

	s.notifier.Close()
	return nil
}
