package sessions

import (
	"sync"

	"github.com/ggoodman/authsession-go/credential"
)

// State is the lifecycle state of a session.
type State string

const (
	StateLoading         State = "loading"
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
)

// Snapshot is an immutable view of the session at one point in time.
type Snapshot struct {
	State State
	// Identity is set while authenticated. It is also retained while a
	// re-validation of an authenticated session is loading.
	Identity *credential.Identity
	// Version increases with every mutation.
	Version uint64
}

// IsLoading reports whether the session is still being established or
// re-validated.
func (s Snapshot) IsLoading() bool { return s.State == StateLoading }

// IsAuthenticated reports whether an identity is published and current.
func (s Snapshot) IsAuthenticated() bool { return s.State == StateAuthenticated }

// View is the read-only surface of a Store.
type View interface {
	Snapshot() Snapshot
	// Subscribe returns a channel signalled after each mutation. The channel
	// is closed when the store is closed.
	Subscribe() <-chan struct{}
	// Unsubscribe stops delivery to ch and closes it.
	Unsubscribe(ch <-chan struct{})
}

var _ View = (*Store)(nil)

// Store is the mutable session state. Only the session coordinator should
// call its Set methods; everyone else uses it through View.
type Store struct {
	mu       sync.RWMutex
	snap     Snapshot
	notifier changeNotifier
}

// NewStore returns a store in StateLoading.
func NewStore() *Store {
	return &Store{snap: Snapshot{State: StateLoading}}
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	if snap.Identity != nil {
		id := *snap.Identity
		snap.Identity = &id
	}
	return snap
}

func (s *Store) Subscribe() <-chan struct{} { return s.notifier.Subscriber() }

func (s *Store) Unsubscribe(ch <-chan struct{}) { s.notifier.Unsubscribe(ch) }

// SetLoading marks a (re-)validation in progress. An authenticated identity
// is kept so readers do not see the user flicker out during re-validation.
func (s *Store) SetLoading() {
	s.update(func(snap *Snapshot) {
		snap.State = StateLoading
	})
}

// SetAuthenticated publishes id.
func (s *Store) SetAuthenticated(id credential.Identity) {
	s.update(func(snap *Snapshot) {
		snap.State = StateAuthenticated
		snap.Identity = &id
	})
}

// SetUnauthenticated clears the identity.
func (s *Store) SetUnauthenticated() {
	s.update(func(snap *Snapshot) {
		snap.State = StateUnauthenticated
		snap.Identity = nil
	})
}

// Close releases all subscribers. The last snapshot remains readable.
func (s *Store) Close() { s.notifier.Close() }

func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.snap.Version++
	s.mu.Unlock()

	s.notifier.Notify()
}
