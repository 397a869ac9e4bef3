// Package storage defines the client-side key-value store a session persists
// its credential in, so that a credential survives process restarts.
//
// Backends live in sub-packages:
//
//	memory : LRU-bounded, process local; the default for tests
//	file   : one file per key under a directory; watches for external writes
//	bolt   : single bbolt database file
//	redis  : shared Redis instance; change notifications over pub/sub
//
// Every backend is exercised by the conformance suite in storagetest.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Storage is a small namespaced key-value store.
type Storage interface {
	// Get retrieves the item stored under key. It returns a nil Item (and nil
	// error) when the key does not exist. Errors are reserved for backend
	// failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, opts ...Option) error

	// Close releases resources held by the backend.
	Close() error
}

// Watcher is implemented by backends that can observe writes made by other
// processes (or other handles to the same backend).
type Watcher interface {
	// Watch returns a channel that receives a Change for each observed
	// write or delete. Delivery is best-effort and coalescing: a slow
	// receiver may miss intermediate changes but never the fact that
	// something changed. The channel is closed when ctx ends or the
	// backend is closed.
	Watch(ctx context.Context) (<-chan Change, error)
}

// Change describes a modified key.
type Change struct {
	Namespace string
	Key       string
	Deleted   bool
}

// Item is a stored value.
type Item struct {
	Data      []byte
	UpdatedAt time.Time
}

// Option configures a storage operation.
type Option func(*Options)

// Options carries per-operation settings.
type Options struct {
	// Namespace isolates keys (e.g. one dashboard profile per namespace).
	// Empty means the global namespace.
	Namespace string
}

// WithNamespace scopes the operation to ns.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// ApplyOptions folds opts into an Options value.
func ApplyOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BuildKey returns the flat key used by backends that store every namespace
// in one keyspace.
func BuildKey(namespace, key string) string {
	if namespace == "" {
		return fmt.Sprintf("global:key:%s", key)
	}
	return fmt.Sprintf("ns:%s:key:%s", namespace, key)
}

var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage: closed")
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// CheckKey validates key for use with any backend.
func CheckKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
