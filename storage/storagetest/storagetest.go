// Package storagetest provides a conformance suite that every storage backend
// runs from its own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/authsession-go/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes the conformance suite against backends produced by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"SetAndGet", testSetAndGet},
		{"GetNonExistent", testGetNonExistent},
		{"Overwrite", testOverwrite},
		{"DeleteKey", testDeleteKey},
		{"DeleteMissing", testDeleteMissing},
		{"Namespaces", testNamespaces},
		{"EmptyKey", testEmptyKey},
		{"CallerBufferIsolation", testCallerBufferIsolation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStorage(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	before := time.Now().Add(-time.Second)

	if err := s.Set(ctx, "authToken", []byte("tok-1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "authToken")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if string(item.Data) != "tok-1" {
		t.Fatalf("Data = %q, want %q", item.Data, "tok-1")
	}
	if item.UpdatedAt.Before(before) {
		t.Fatalf("UpdatedAt = %v, want after %v", item.UpdatedAt, before)
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for _, v := range []string{"first", "second"} {
		if err := s.Set(ctx, "k", []byte(v)); err != nil {
			t.Fatalf("Set(%s): %v", v, err)
		}
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil || string(item.Data) != "second" {
		t.Fatalf("Get = %+v, want second", item)
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected key to be gone, got %q", item.Data)
	}
}

func testDeleteMissing(t *testing.T, s storage.Storage) {
	if err := s.Delete(context.Background(), "never-set"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("global")); err != nil {
		t.Fatalf("Set global: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("ops"), storage.WithNamespace("ops")); err != nil {
		t.Fatalf("Set ops: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("sales"), storage.WithNamespace("sales")); err != nil {
		t.Fatalf("Set sales: %v", err)
	}

	check := func(want string, opts ...storage.Option) {
		t.Helper()
		item, err := s.Get(ctx, "k", opts...)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item == nil || string(item.Data) != want {
			t.Fatalf("Get = %+v, want %q", item, want)
		}
	}
	check("global")
	check("ops", storage.WithNamespace("ops"))
	check("sales", storage.WithNamespace("sales"))

	if err := s.Delete(ctx, "k", storage.WithNamespace("ops")); err != nil {
		t.Fatalf("Delete ops: %v", err)
	}
	item, err := s.Get(ctx, "k", storage.WithNamespace("ops"))
	if err != nil {
		t.Fatalf("Get ops: %v", err)
	}
	if item != nil {
		t.Fatalf("ops key should be deleted, got %q", item.Data)
	}
	check("global")
	check("sales", storage.WithNamespace("sales"))
}

func testEmptyKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "", []byte("v")); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Set empty key: %v, want ErrInvalidKey", err)
	}
	if _, err := s.Get(ctx, ""); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Get empty key: %v, want ErrInvalidKey", err)
	}
	if err := s.Delete(ctx, ""); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Delete empty key: %v, want ErrInvalidKey", err)
	}
}

func testCallerBufferIsolation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	buf := []byte("original")
	if err := s.Set(ctx, "k", buf); err != nil {
		t.Fatalf("Set: %v", err)
	}
	copy(buf, "mutated!")

	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(item.Data, []byte("original")) {
		t.Fatalf("stored data aliased caller buffer: %q", item.Data)
	}
}

// RunWatcher checks that writes made through writer are reported by w. The
// writer may be the same value as w or a second handle to the same backend.
func RunWatcher(t *testing.T, writer storage.Storage, w storage.Watcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := w.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	t.Run("Set", func(t *testing.T) {
		if err := writer.Set(context.Background(), "authToken", []byte("tok"), storage.WithNamespace("watch")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		awaitChange(t, ch, "watch", "authToken", false)
	})

	t.Run("Delete", func(t *testing.T) {
		if err := writer.Delete(context.Background(), "authToken", storage.WithNamespace("watch")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		awaitChange(t, ch, "watch", "authToken", true)
	})

	t.Run("ClosedOnCancel", func(t *testing.T) {
		cancel()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("watch channel not closed after context cancel")
			}
		}
	})
}

func awaitChange(t *testing.T, ch <-chan storage.Change, ns, key string, deleted bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatal("watch channel closed unexpectedly")
			}
			if c.Namespace == ns && c.Key == key && c.Deleted == deleted {
				return
			}
		case <-deadline:
			t.Fatalf("no change observed for %s/%s (deleted=%v)", ns, key, deleted)
		}
	}
}
