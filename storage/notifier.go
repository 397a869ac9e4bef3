package storage

import (
	"context"
	"sync"
)

const watchBuffer = 8

// Notifier fans Change events out to Watch subscribers. Backends embed it to
// implement Watcher.
type Notifier struct {
	mu     sync.Mutex
	subs   map[chan Change]struct{}
	done   chan struct{}
	closed bool
}

// Notify delivers c to every subscriber without blocking. A subscriber whose
// buffer is full already has pending changes to act on.
func (n *Notifier) Notify(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Watch registers a subscriber that lives until ctx ends or Close is called.
func (n *Notifier) Watch(ctx context.Context) (<-chan Change, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if n.subs == nil {
		n.subs = make(map[chan Change]struct{})
		n.done = make(chan struct{})
	}
	ch := make(chan Change, watchBuffer)
	n.subs[ch] = struct{}{}
	done := n.done

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close closes every subscriber channel. Subsequent Watch calls fail.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for ch := range n.subs {
		close(ch)
	}
	n.subs = nil
	if n.done != nil {
		close(n.done)
	}
}
