// Package file stores each key as a file in a directory. Writes are atomic
// (temp file + rename) and Watch reports writes made by any process sharing
// the directory, using github.com/fsnotify/fsnotify.
package file

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/authsession-go/storage"
)

var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
)

const (
	globalPrefix = "global."
	nsPrefix     = "ns."
	tmpPrefix    = ".tmp-"
)

var enc = base64.RawURLEncoding

// Storage is a directory-backed store.
type Storage struct {
	dir string
	log *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Option configures the file store.
type Option func(*Storage)

// WithLogger sets the logger used for watcher diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) { s.log = l }
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("file storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file storage: create dir: %w", err)
	}
	s := &Storage{
		dir:  dir,
		log:  slog.New(slog.DiscardHandler),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the root directory.
func (s *Storage) Dir() string { return s.dir }

func fileName(namespace, key string) string {
	if namespace == "" {
		return globalPrefix + enc.EncodeToString([]byte(key))
	}
	return nsPrefix + enc.EncodeToString([]byte(namespace)) + "." + enc.EncodeToString([]byte(key))
}

// parseFileName reverses fileName. ok is false for foreign files.
func parseFileName(name string) (namespace, key string, ok bool) {
	switch {
	case strings.HasPrefix(name, globalPrefix):
		k, err := enc.DecodeString(strings.TrimPrefix(name, globalPrefix))
		if err != nil || len(k) == 0 {
			return "", "", false
		}
		return "", string(k), true
	case strings.HasPrefix(name, nsPrefix):
		nsPart, keyPart, found := strings.Cut(strings.TrimPrefix(name, nsPrefix), ".")
		if !found {
			return "", "", false
		}
		ns, err := enc.DecodeString(nsPart)
		if err != nil || len(ns) == 0 {
			return "", "", false
		}
		k, err := enc.DecodeString(keyPart)
		if err != nil || len(k) == 0 {
			return "", "", false
		}
		return string(ns), string(k), true
	}
	return "", "", false
}

func (s *Storage) path(namespace, key string) string {
	return filepath.Join(s.dir, fileName(namespace, key))
}

// Get reads the file for key.
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

	p := s.path(options.Namespace, key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file storage: read %s: %w", key, err)
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("file storage: stat %s: %w", key, err)
	}
	return &storage.Item{Data: data, UpdatedAt: fi.ModTime()}, nil
}

// Set atomically replaces the file for key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	options := storage.ApplyOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("file storage: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("file storage: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file storage: close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(options.Namespace, key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file storage: rename %s: %w", key, err)
	}
	return nil
}

// Delete removes the file for key.
func (s *Storage) Delete(ctx context.Context, key string, opts ...storage.Option) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	options := storage.ApplyOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if err := os.Remove(s.path(options.Namespace, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file storage: delete %s: %w", key, err)
	}
	return nil
}

// Watch reports changes to any key in the directory, including writes from
// other processes.
func (s *Storage) Watch(ctx context.Context) (<-chan storage.Change, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, storage.ErrClosed
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("file storage: watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("file storage: watch %s: %w", s.dir, err)
	}

	out := make(chan storage.Change, 8)
	go s.runWatch(ctx, w, out)
	return out, nil
}

func (s *Storage) runWatch(ctx context.Context, w *fsnotify.Watcher, out chan<- storage.Change) {
	defer close(out)
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			ns, key, ok := parseFileName(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			c := storage.Change{
				Namespace: ns,
				Key:       key,
				Deleted:   ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename),
			}
			select {
			case out <- c:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.DebugContext(ctx, "file_storage.watch.error", slog.String("err", err.Error()))
		}
	}
}

// Close stops all watchers. Files are left in place.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}
