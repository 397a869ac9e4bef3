// Package flight runs at most one call of a function at a time and hands its
// single result to every caller that asked for it while it was running.
//
// Unlike golang.org/x/sync/singleflight, callers register completion
// callbacks which are invoked in arrival order on the goroutine that ran the
// function, after the function (including any side effects it performs) has
// returned.
package flight

import (
	"context"
	"sync"
)

// Group coordinates calls. The zero value is ready to use.
type Group[T any] struct {
	mu   sync.Mutex
	call *call[T]
}

type call[T any] struct {
	waiters []func(T, error)
}

// Join registers cb to receive the result of the in-flight call, starting
// fn on a new goroutine if no call is in flight. It reports whether this
// caller started the call.
//
// Callbacks run in the order they joined, on the goroutine that ran fn, and
// must not block.
func (g *Group[T]) Join(fn func() (T, error), cb func(T, error)) (started bool) {
	g.mu.Lock()
	if c := g.call; c != nil {
		c.waiters = append(c.waiters, cb)
		g.mu.Unlock()
		return false
	}
	c := &call[T]{waiters: []func(T, error){cb}}
	g.call = c
	g.mu.Unlock()

	go g.run(c, fn)
	return true
}

// Do joins the in-flight call (or starts one) and waits for its result. If
// ctx ends first, Do returns ctx.Err() and the call keeps running for the
// other callers. shared reports whether the caller joined a call started by
// someone else.
func (g *Group[T]) Do(ctx context.Context, fn func() (T, error)) (v T, err error, shared bool) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	started := g.Join(fn, func(v T, err error) { ch <- result{v, err} })

	select {
	case r := <-ch:
		return r.v, r.err, !started
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err(), !started
	}
}

// InFlight reports whether a call is currently running.
func (g *Group[T]) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.call != nil
}

// Waiters returns the number of callers registered on the in-flight call.
func (g *Group[T]) Waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.call == nil {
		return 0
	}
	return len(g.call.waiters)
}

func (g *Group[T]) run(c *call[T], fn func() (T, error)) {
	v, err := fn()

	// Detach before notifying so a callback that joins again starts a new
	// call instead of attaching to this finished one.
	g.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	g.call = nil
	g.mu.Unlock()

	for _, cb := range waiters {
		cb(v, err)
	}
}
