// Package bolt provides a BBolt-backed storage implementation. Each namespace
// maps to a bucket; the global namespace uses the "global" bucket.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/authsession-go/storage"
	"go.etcd.io/bbolt"
)

var _ storage.Storage = (*Storage)(nil)

const globalBucket = "global"

// Storage implements storage.Storage backed by a BBolt database.
type Storage struct {
	db *bbolt.DB
}

type storedItem struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a Storage backed by the given BBolt database.
func New(db *bbolt.DB) *Storage {
	return &Storage{db: db}
}

// NewFromFile opens a BBolt database at the given path.
func NewFromFile(path string, options *bbolt.Options) (*Storage, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db), nil
}

func bucketName(namespace string) []byte {
	if namespace == "" {
		return []byte(globalBucket)
	}
	return []byte("ns:" + namespace)
}

// Get retrieves data for key.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if err := storage.CheckKey(key); err != nil {
		return nil, err
	}
	options := storage.ApplyOptions(opts...)

	var item *storage.Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(options.Namespace))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var si storedItem
		if err := json.Unmarshal(raw, &si); err != nil {
			return fmt.Errorf("failed to unmarshal stored data: %w", err)
		}
		item = &storage.Item{Data: si.Data, UpdatedAt: si.UpdatedAt}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return nil, storage.ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Set stores data under key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	options := storage.ApplyOptions(opts...)

	raw, err := json.Marshal(storedItem{Data: data, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(options.Namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	options := storage.ApplyOptions(opts...)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(options.Namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

// Close closes the underlying BBolt database.
func (s *Storage) Close() error {
	return s.db.Close()
}
