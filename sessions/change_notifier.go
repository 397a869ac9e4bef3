package sessions

import "sync"

type changeNotifier struct {
	subscribers   []chan struct{}
	subscribersMu sync.RWMutex
	closed        bool
}

// Notify signals every subscriber without blocking.
func (cn *changeNotifier) Notify() {
	cn.subscribersMu.RLock()
	defer cn.subscribersMu.RUnlock()

	if cn.closed {
		return
	}

	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// already has a pending signal
		}
	}
}

func (cn *changeNotifier) Close() {
	// Take exclusive lock so that no Notify holds a read lock while we swap/close.
	cn.subscribersMu.Lock()
	if cn.closed {
		cn.subscribersMu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.subscribersMu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

func (cn *changeNotifier) Subscriber() <-chan struct{} {
	cn.subscribersMu.Lock()
	defer cn.subscribersMu.Unlock()

	if cn.closed {
		// Return a closed channel to indicate no further notifications.
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

func (cn *changeNotifier) Unsubscribe(target <-chan struct{}) {
	cn.subscribersMu.Lock()
	defer cn.subscribersMu.Unlock()

	for i, ch := range cn.subscribers {
		if ch == target {
			cn.subscribers = append(cn.subscribers[:i], cn.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}
