package gateway_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/authsession-go/authtest"
	"github.com/ggoodman/authsession-go/coordinator"
	"github.com/ggoodman/authsession-go/credential"
	"github.com/ggoodman/authsession-go/gateway"
	"github.com/ggoodman/authsession-go/renewal"
	"github.com/ggoodman/authsession-go/sessions"
	"github.com/ggoodman/authsession-go/storage/memory"
)

type env struct {
	iss    *authtest.Issuer
	client *renewal.Client
	store  *memory.Storage
	coord  *coordinator.Coordinator
	base   *url.URL
}

func newEnv(t *testing.T) *env {
	t.Helper()
	iss := authtest.NewIssuer(t)
	client, err := renewal.New(iss.URL())
	if err != nil {
		t.Fatalf("renewal.New: %v", err)
	}
	store, err := memory.New(8)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	coord := coordinator.New(store, client)
	t.Cleanup(func() { _ = coord.Close() })

	base, _ := url.Parse(iss.URL())
	return &env{iss: iss, client: client, store: store, coord: coord, base: base}
}

func (e *env) grantRenewal(t *testing.T, sub string) {
	t.Helper()
	e.client.Jar().SetCookies(e.base.JoinPath("/api/auth/"), []*http.Cookie{e.iss.NewSession(sub)})
}

func (e *env) storeToken(t *testing.T, tok string) {
	t.Helper()
	if err := e.store.Set(context.Background(), coordinator.DefaultStorageKey, []byte(tok)); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func subjectHandler(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	c, err := credential.Decode(tok)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"subject":"`+c.Subject+`"}`)
}

type me struct {
	Subject string `json:"subject"`
}

func TestGet_ValidCredential(t *testing.T) {
	e := newEnv(t)
	e.iss.Handle("/api/me", http.HandlerFunc(subjectHandler))
	e.storeToken(t, e.iss.Mint("ana@example.com", "admin", time.Hour))

	g := gateway.New(e.coord, gateway.WithBaseURL(e.base))
	got, err := gateway.Get[me](context.Background(), g, "/api/me")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != "ana@example.com" {
		t.Fatalf("subject = %q", got.Subject)
	}
	if e.iss.RefreshCalls() != 0 {
		t.Fatal("valid credential should not be renewed")
	}
}

func TestDo_ExpiredCredentialRenewedAndReplayed(t *testing.T) {
	e := newEnv(t)
	var hits atomic.Int32
	e.iss.Handle("/api/me", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		subjectHandler(w, r)
	}))
	e.grantRenewal(t, "bo@example.com")
	e.storeToken(t, e.iss.Mint("bo@example.com", "viewer", -time.Minute))

	var called atomic.Bool
	g := gateway.New(e.coord, gateway.WithBaseURL(e.base),
		gateway.WithUnrecoverableHandler(func(context.Context, error) { called.Store(true) }))

	got, err := gateway.Get[me](context.Background(), g, "/api/me")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != "bo@example.com" {
		t.Fatalf("subject = %q", got.Subject)
	}
	if e.iss.RefreshCalls() != 1 {
		t.Fatalf("RefreshCalls = %d, want 1", e.iss.RefreshCalls())
	}
	if hits.Load() != 1 {
		t.Fatalf("protected handler reached %d times, want 1", hits.Load())
	}
	if called.Load() {
		t.Fatal("unrecoverable handler called on success")
	}
	if !e.coord.Session().Snapshot().IsAuthenticated() {
		t.Fatal("session should be authenticated after renewal")
	}
}

func TestDo_SecondRejectionIsUnrecoverable(t *testing.T) {
	e := newEnv(t)
	var hits atomic.Int32
	e.iss.HandleUnprotected("/api/always401", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	e.grantRenewal(t, "bo@example.com")
	e.storeToken(t, e.iss.Mint("bo@example.com", "viewer", time.Hour))

	var handlerErrs []error
	g := gateway.New(e.coord, gateway.WithBaseURL(e.base),
		gateway.WithUnrecoverableHandler(func(_ context.Context, err error) { handlerErrs = append(handlerErrs, err) }))

	req, _ := http.NewRequest(http.MethodGet, "/api/always401", nil)
	resp, err := g.Do(req)
	if resp != nil {
		t.Fatal("expected no response")
	}
	if !errors.Is(err, gateway.ErrUnrecoverableSession) {
		t.Fatalf("err = %v, want ErrUnrecoverableSession", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", hits.Load())
	}
	if len(handlerErrs) != 1 || !errors.Is(handlerErrs[0], gateway.ErrUnrecoverableSession) {
		t.Fatalf("handler errors = %v", handlerErrs)
	}
	if got := e.coord.Session().Snapshot().State; got != sessions.StateUnauthenticated {
		t.Fatalf("state = %q, want unauthenticated", got)
	}
	if tok, _ := e.coord.Credential(context.Background()); tok != "" {
		t.Fatal("credential not cleared")
	}
}

func TestDo_RenewalFailureIsUnrecoverable(t *testing.T) {
	e := newEnv(t)
	var hits atomic.Int32
	e.iss.Handle("/api/me", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		subjectHandler(w, r)
	}))
	e.storeToken(t, e.iss.Mint("bo@example.com", "viewer", -time.Minute))

	var calls atomic.Int32
	g := gateway.New(e.coord, gateway.WithBaseURL(e.base),
		gateway.WithUnrecoverableHandler(func(context.Context, error) { calls.Add(1) }))

	_, err := gateway.Get[me](context.Background(), g, "/api/me")
	if !errors.Is(err, gateway.ErrUnrecoverableSession) || !errors.Is(err, renewal.ErrRenewal) {
		t.Fatalf("err = %v, want unrecoverable renewal failure", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
	if hits.Load() != 0 {
		t.Fatal("request should not be replayed without a credential")
	}
}

// countingSession records RenewOnce entries before delegating.
type countingSession struct {
	*coordinator.Coordinator
	renewCalls atomic.Int32
}

func (s *countingSession) RenewOnce(ctx context.Context) (string, error) {
	s.renewCalls.Add(1)
	return s.Coordinator.RenewOnce(ctx)
}

func TestDo_ConcurrentRejectionsShareOneRenewal(t *testing.T) {
	const n = 5
	e := newEnv(t)
	e.grantRenewal(t, "bo@example.com")
	stale := e.iss.Mint("bo@example.com", "viewer", time.Hour)
	e.storeToken(t, stale)

	var arrived sync.WaitGroup
	arrived.Add(n)
	e.iss.HandleUnprotected("/api/data", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer "+stale {
			// Hold every stale request until all of them are in flight.
			arrived.Done()
			arrived.Wait()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))

	release := e.iss.GateRefresh()
	sess := &countingSession{Coordinator: e.coord}
	g := gateway.New(sess, gateway.WithBaseURL(e.base))

	type result struct {
		OK bool `json:"ok"`
	}
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := gateway.Get[result](context.Background(), g, "/api/data")
			if err == nil && !res.OK {
				err = errors.New("unexpected body")
			}
			errs <- err
		}()
	}

	deadline := time.Now().Add(3 * time.Second)
	for sess.renewCalls.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d callers reached renewal", sess.renewCalls.Load())
		}
		time.Sleep(2 * time.Millisecond)
	}
	release()

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if got := e.iss.RefreshCalls(); got != 1 {
		t.Fatalf("RefreshCalls = %d, want 1", got)
	}
}

func TestDo_ReplaysBodyAndHeaders(t *testing.T) {
	e := newEnv(t)
	e.grantRenewal(t, "bo@example.com")
	e.storeToken(t, e.iss.Mint("bo@example.com", "viewer", -time.Minute))

	var mu sync.Mutex
	var bodies, ctypes, ids []string
	e.iss.Handle("/api/charts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		ctypes = append(ctypes, r.Header.Get("Content-Type"))
		ids = append(ids, r.Header.Get(gateway.DefaultRequestIDHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	g := gateway.New(e.coord, gateway.WithBaseURL(e.base))
	req, _ := http.NewRequest(http.MethodPost, "/api/charts", strings.NewReader(`{"name":"q1"}`))
	resp, err := g.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(bodies) != 1 || bodies[0] != `{"name":"q1"}` {
		t.Fatalf("bodies = %q", bodies)
	}
	if ctypes[0] != "application/json" {
		t.Fatalf("content type = %q", ctypes[0])
	}
	if ids[0] == "" {
		t.Fatal("missing request id")
	}
}

// fakeSession is an in-memory Session for protocol-level tests.
type fakeSession struct {
	mu          sync.Mutex
	creds       []string
	renewTo     string
	renewErr    error
	renewCalls  int
	invalidated int
}

func (f *fakeSession) Credential(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.creds[0]
	if len(f.creds) > 1 {
		f.creds = f.creds[1:]
	}
	return c, nil
}

func (f *fakeSession) RenewOnce(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	return f.renewTo, f.renewErr
}

func (f *fakeSession) Invalidate(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func TestDo_AlreadyRenewedSkipsRenewal(t *testing.T) {
	var mu sync.Mutex
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer old" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sess := &fakeSession{creds: []string{"old", "new"}}
	g := gateway.New(sess)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/x", nil)
	resp, err := g.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if sess.renewCalls != 0 {
		t.Fatalf("renewCalls = %d, want 0", sess.renewCalls)
	}
	if len(auths) != 2 || auths[1] != "Bearer new" {
		t.Fatalf("auths = %v", auths)
	}
}

func TestDo_RequestIDStableAcrossAttempts(t *testing.T) {
	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, r.Header.Get("X-Trace"))
		if len(ids) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sess := &fakeSession{creds: []string{"a"}, renewTo: "b"}
	g := gateway.New(sess, gateway.WithRequestIDHeader("X-Trace"))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := g.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("ids = %v", ids)
	}
}

func TestDo_CustomExpiryClassifier(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	sess := &fakeSession{creds: []string{"a"}, renewTo: "b"}
	g := gateway.New(sess, gateway.WithExpiryClassifier(func(r *http.Response) bool {
		return r.StatusCode == http.StatusForbidden
	}))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := g.Do(req)
	if !errors.Is(err, gateway.ErrUnrecoverableSession) {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 2 || sess.invalidated != 1 {
		t.Fatalf("hits=%d invalidated=%d", hits.Load(), sess.invalidated)
	}
}

func TestDo_CallerCancelDuringRenewal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	sess := &cancelSession{cancel: cancel}
	var called atomic.Bool
	g := gateway.New(sess, gateway.WithUnrecoverableHandler(func(context.Context, error) { called.Store(true) }))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err := g.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called.Load() {
		t.Fatal("cancellation is not an unrecoverable session")
	}
}

type cancelSession struct{ cancel context.CancelFunc }

func (s *cancelSession) Credential(context.Context) (string, error) { return "a", nil }
func (s *cancelSession) Invalidate(context.Context)                 {}
func (s *cancelSession) RenewOnce(ctx context.Context) (string, error) {
	s.cancel()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestClient_RoundTripsThroughGateway(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sess := &fakeSession{creds: []string{"stale"}, renewTo: "fresh"}
	client := gateway.New(sess).Client()
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || auth.Load() != "Bearer fresh" {
		t.Fatalf("status=%d auth=%v", resp.StatusCode, auth.Load())
	}
}

func TestDo_NoCredentialOmitsAuthorization(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	g := gateway.New(&fakeSession{creds: []string{""}})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer leftover")
	resp, err := g.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if got.Load() != "" {
		t.Fatalf("Authorization = %q, want empty", got.Load())
	}
}
