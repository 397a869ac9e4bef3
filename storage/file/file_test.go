package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ggoodman/authsession-go/storage"
	"github.com/ggoodman/authsession-go/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestWatcher_SeesOtherHandle(t *testing.T) {
	dir := t.TempDir()
	watcher, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer watcher.Close()

	writer, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer writer.Close()

	storagetest.RunWatcher(t, writer, watcher)
}

func TestPersistsAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Set(ctx, "authToken", []byte("tok"), storage.WithNamespace("ops")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = first.Close()

	second, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer second.Close()

	item, err := second.Get(ctx, "authToken", storage.WithNamespace("ops"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil || string(item.Data) != "tok" {
		t.Fatalf("Get = %+v, want tok", item)
	}

	fi, err := os.Stat(filepath.Join(dir, fileName("ops", "authToken")))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("file mode = %v, want 0600", perm)
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	tests := []struct{ ns, key string }{
		{"", "authToken"},
		{"ops", "authToken"},
		{"a.b/c", "key with spaces"},
		{"ns:key:x", "k"},
	}
	for _, tt := range tests {
		ns, key, ok := parseFileName(fileName(tt.ns, tt.key))
		if !ok || ns != tt.ns || key != tt.key {
			t.Errorf("round trip (%q,%q) = (%q,%q,%v)", tt.ns, tt.key, ns, key, ok)
		}
	}

	for _, foreign := range []string{".tmp-123", "README", "ns.", "ns.abc", "global."} {
		if _, _, ok := parseFileName(foreign); ok {
			t.Errorf("parseFileName(%q) should not match", foreign)
		}
	}
}

func TestNew_RequiresDir(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") should fail")
	}
}
