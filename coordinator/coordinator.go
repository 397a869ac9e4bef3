package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/authsession-go/credential"
	"github.com/ggoodman/authsession-go/internal/flight"
	"github.com/ggoodman/authsession-go/internal/logctx"
	"github.com/ggoodman/authsession-go/sessions"
	"github.com/ggoodman/authsession-go/storage"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultInterval is how often a started coordinator re-validates the
	// stored credential.
	DefaultInterval = 5 * time.Minute
	// DefaultRenewalTimeout bounds a single shared renewal.
	DefaultRenewalTimeout = 30 * time.Second
	// DefaultStorageKey is the storage key holding the credential.
	DefaultStorageKey = "authToken"
)

var (
	// ErrUnrecoverableSession is returned when the credential could not be
	// renewed. The session has already been cleared when it is returned.
	ErrUnrecoverableSession = errors.New("coordinator: session unrecoverable")

	// ErrAlreadyStarted is returned by Start on a coordinator already started.
	ErrAlreadyStarted = errors.New("coordinator: already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("coordinator: closed")
)

// Issuer is the identity service. *renewal.Client satisfies it.
type Issuer interface {
	Refresh(ctx context.Context) (string, error)
	Login(ctx context.Context, username, password string) (string, error)
	Logout(ctx context.Context) error
}

// Coordinator manages a single authentication session.
type Coordinator struct {
	store   storage.Storage
	issuer  Issuer
	session *sessions.Store
	log     *slog.Logger

	interval       time.Duration
	renewalTimeout time.Duration
	validator      credential.Validator
	now            func() time.Time
	key            string
	namespace      string
	registerer     prometheus.Registerer
	metrics        *metrics

	renewals flight.Group[string]

	// stateMu serializes writes of the stored credential with the session
	// state they imply. gen counts those writes; a publish based on an
	// earlier read is dropped once gen has moved.
	stateMu sync.Mutex
	gen     uint64

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSessionStore publishes state into s instead of a private store.
func WithSessionStore(s *sessions.Store) Option {
	return func(c *Coordinator) { c.session = s }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithInterval sets the periodic re-validation interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// WithLeeway treats credentials expiring within d as already expired.
func WithLeeway(d time.Duration) Option {
	return func(c *Coordinator) { c.validator.Leeway = d }
}

// WithClock overrides the clock used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithStorageKey sets the key under which the credential is stored.
func WithStorageKey(key string) Option {
	return func(c *Coordinator) { c.key = key }
}

// WithNamespace stores the credential under a storage namespace.
func WithNamespace(ns string) Option {
	return func(c *Coordinator) { c.namespace = ns }
}

// WithMetrics registers renewal and bootstrap counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Coordinator) { c.registerer = reg }
}

// WithRenewalTimeout bounds a shared renewal regardless of its callers.
func WithRenewalTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.renewalTimeout = d }
}

// New creates a coordinator. It does nothing until Start is called, but its
// operations may be used directly.
func New(store storage.Storage, issuer Issuer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		issuer:         issuer,
		log:            slog.New(slog.DiscardHandler),
		interval:       DefaultInterval,
		renewalTimeout: DefaultRenewalTimeout,
		now:            time.Now,
		key:            DefaultStorageKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.session == nil {
		c.session = sessions.NewStore()
	}
	c.metrics = newMetrics(c.registerer)
	return c
}

// Session returns the read-only session view.
func (c *Coordinator) Session() sessions.View { return c.session }

// Start validates the stored credential and begins periodic re-validation.
// The initial validation completes before Start returns; its outcome is
// reflected in Session().
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	var changes <-chan storage.Change
	if w, ok := c.store.(storage.Watcher); ok {
		ch, err := w.Watch(loopCtx)
		if err != nil {
			c.log.WarnContext(ctx, "coordinator.watch.unavailable", slog.String("err", err.Error()))
		} else {
			changes = ch
		}
	}

	c.bootstrap(loopCtx, "start")
	go c.loop(loopCtx, changes)
	return nil
}

// Close stops the background loop and closes the session store. The
// storage backend is owned by the caller and left open.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.session.Close()
	return nil
}

func (c *Coordinator) loop(ctx context.Context, changes <-chan storage.Change) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.bootstrap(ctx, "tick")
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if ch.Key != c.key || ch.Namespace != c.namespace {
				continue
			}
			c.bootstrap(ctx, "storage")
		}
	}
}

func (c *Coordinator) bootstrap(ctx context.Context, trigger string) {
	if err := c.BootstrapOrRefresh(ctx); err != nil && ctx.Err() == nil {
		c.log.WarnContext(ctx, "coordinator.bootstrap.failed",
			slog.String("trigger", trigger),
			slog.String("err", err.Error()),
		)
	}
}

// BootstrapOrRefresh brings the session in line with the stored credential.
// An absent credential leaves the session Unauthenticated; an undecodable or
// expired one is renewed; a valid one marks the session Authenticated.
//
// Storage read errors are returned without touching the session state.
func (c *Coordinator) BootstrapOrRefresh(ctx context.Context) error {
	gen := c.generation()
	tok, err := c.Credential(ctx)
	if err != nil {
		c.metrics.bootstrap(resultFailed)
		return fmt.Errorf("coordinator: read credential: %w", err)
	}

	if !c.publishIf(gen, c.session.SetLoading) {
		c.bootstrapSuperseded(ctx)
		return nil
	}

	if tok == "" {
		if !c.publishIf(gen, c.session.SetUnauthenticated) {
			c.bootstrapSuperseded(ctx)
			return nil
		}
		c.metrics.bootstrap(resultAbsent)
		c.log.DebugContext(ctx, "session.absent")
		return nil
	}

	claims, err := credential.Decode(tok)
	if err == nil && c.validator.Valid(claims, c.now()) {
		if !c.publishIf(gen, func() { c.session.SetAuthenticated(claims.Identity()) }) {
			c.bootstrapSuperseded(ctx)
			return nil
		}
		c.metrics.bootstrap(resultValid)
		c.log.DebugContext(logctx.WithSnapshot(ctx, c.session.Snapshot()), "session.valid",
			slog.Time("expires_at", claims.ExpiresAt),
		)
		return nil
	}
	if err != nil {
		c.log.InfoContext(ctx, "session.credential.malformed", slog.String("err", err.Error()))
	} else {
		c.log.InfoContext(ctx, "session.credential.expired", slog.Time("expires_at", claims.ExpiresAt))
	}

	if _, err := c.RenewOnce(ctx); err != nil {
		c.metrics.bootstrap(resultFailed)
		return err
	}
	c.metrics.bootstrap(resultRenewed)
	return nil
}

// bootstrapSuperseded records a bootstrap whose read was overtaken by a
// login, logout, invalidation or renewal. That writer already published
// the current state.
func (c *Coordinator) bootstrapSuperseded(ctx context.Context) {
	c.metrics.bootstrap(resultSuperseded)
	c.log.DebugContext(ctx, "session.bootstrap.superseded")
}

// Credential returns the stored credential, or "" when there is none.
func (c *Coordinator) Credential(ctx context.Context) (string, error) {
	item, err := c.store.Get(ctx, c.key, c.storageOpts()...)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", nil
	}
	return string(item.Data), nil
}

// Invalidate clears the stored credential and marks the session
// Unauthenticated without contacting the issuer.
func (c *Coordinator) Invalidate(ctx context.Context) {
	c.clear(ctx)
	c.log.InfoContext(ctx, "session.invalidated")
}

func (c *Coordinator) generation() uint64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.gen
}

// publishIf runs fn unless the credential was written since gen was read.
func (c *Coordinator) publishIf(gen uint64, fn func()) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.gen != gen {
		return false
	}
	fn()
	return true
}

// save persists tok and marks the session Authenticated as claims. On a
// storage error nothing is published.
func (c *Coordinator) save(ctx context.Context, tok string, claims *credential.Claims) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.saveLocked(ctx, tok, claims)
}

func (c *Coordinator) saveLocked(ctx context.Context, tok string, claims *credential.Claims) error {
	if err := c.store.Set(ctx, c.key, []byte(tok), c.storageOpts()...); err != nil {
		return err
	}
	c.gen++
	c.session.SetAuthenticated(claims.Identity())
	return nil
}

func (c *Coordinator) clear(ctx context.Context) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.clearLocked(ctx)
}

func (c *Coordinator) clearLocked(ctx context.Context) {
	if err := c.store.Delete(context.WithoutCancel(ctx), c.key, c.storageOpts()...); err != nil {
		c.log.WarnContext(ctx, "session.clear.failed", slog.String("err", err.Error()))
	}
	c.gen++
	c.session.SetUnauthenticated()
}

func (c *Coordinator) storageOpts() []storage.Option {
	if c.namespace == "" {
		return nil
	}
	return []storage.Option{storage.WithNamespace(c.namespace)}
}
