package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_Dedupes(t *testing.T) {
	var g Group[string]
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func() (string, error) {
		calls.Add(1)
		<-release
		return "tok", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	var sharedCount atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, shared := g.Do(context.Background(), fn)
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			if shared {
				sharedCount.Add(1)
			}
			results[i] = v
		}(i)
	}

	waitFor(t, func() bool { return g.Waiters() == n })
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fn called %d times, want 1", got)
	}
	if got := sharedCount.Load(); got != n-1 {
		t.Fatalf("shared = %d, want %d", got, n-1)
	}
	for i, v := range results {
		if v != "tok" {
			t.Fatalf("results[%d] = %q", i, v)
		}
	}
	if g.InFlight() {
		t.Fatal("call still in flight after completion")
	}
}

func TestJoin_FIFO(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})
	fn := func() (int, error) {
		<-release
		return 7, nil
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	record := func(name string) func(int, error) {
		return func(v int, err error) {
			mu.Lock()
			order = append(order, name)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
		}
	}

	if !g.Join(fn, record("w1")) {
		t.Fatal("first Join should start the call")
	}
	if g.Join(fn, record("w2")) || g.Join(fn, record("w3")) {
		t.Fatal("later Joins should attach to the running call")
	}
	close(release)
	<-done

	if got := order; len(got) != 3 || got[0] != "w1" || got[1] != "w2" || got[2] != "w3" {
		t.Fatalf("order = %v, want [w1 w2 w3]", got)
	}
}

func TestDo_SharesError(t *testing.T) {
	var g Group[string]
	boom := errors.New("boom")
	release := make(chan struct{})
	fn := func() (string, error) {
		<-release
		return "", boom
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err, _ := g.Do(context.Background(), fn)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return g.Waiters() == 2 })
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
	}
}

func TestDo_CallerCancelDoesNotAbortCall(t *testing.T) {
	var g Group[string]
	release := make(chan struct{})
	fn := func() (string, error) {
		<-release
		return "ok", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err, _ := g.Do(ctx, fn)
		leaderErr <- err
	}()
	waitFor(t, g.InFlight)

	follower := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), fn)
		follower <- v
	}()
	waitFor(t, func() bool { return g.Waiters() == 2 })

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", err)
	}
	close(release)
	if v := <-follower; v != "ok" {
		t.Fatalf("follower got %q, want ok", v)
	}
}

func TestJoin_CallbackCanStartNewCall(t *testing.T) {
	var g Group[int]
	var calls atomic.Int32
	fn := func() (int, error) { return int(calls.Add(1)), nil }

	second := make(chan int, 1)
	g.Join(fn, func(int, error) {
		g.Join(fn, func(v int, _ error) { second <- v })
	})

	select {
	case v := <-second:
		if v != 2 {
			t.Fatalf("second call result = %d, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested Join never completed")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}
