package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// RefreshCookieName is the renewal cookie set on login.
	RefreshCookieName = "refresh_token"
	keyID             = "authtest-key"
)

// Option configures an Issuer.
type Option func(*Issuer)

// WithUser registers a username/password/role triple accepted by login.
func WithUser(username, password, role string) Option {
	return func(i *Issuer) { i.users[username] = user{password: password, role: role} }
}

// WithTokenTTL sets the lifetime of minted access tokens (default 1h).
func WithTokenTTL(d time.Duration) Option {
	return func(i *Issuer) { i.ttl.Store(int64(d)) }
}

type user struct {
	password string
	role     string
}

// Issuer is a fake identity service backed by an httptest.Server.
type Issuer struct {
	srv    *httptest.Server
	router chi.Router
	key    *rsa.PrivateKey

	mu       sync.Mutex
	users    map[string]user
	sessions map[string]string // refresh token -> username

	ttl           atomic.Int64
	refreshStatus atomic.Int32
	logoutStatus  atomic.Int32
	refreshDelay  atomic.Int64
	refreshGate   atomic.Pointer[chan struct{}]

	loginCalls   atomic.Int64
	refreshCalls atomic.Int64
	logoutCalls  atomic.Int64
}

// NewIssuer starts an Issuer. The server is closed via t.Cleanup.
func NewIssuer(t testing.TB, opts ...Option) *Issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("authtest: generate key: %v", err)
	}

	iss := &Issuer{
		key:      key,
		users:    map[string]user{},
		sessions: map[string]string{},
	}
	iss.ttl.Store(int64(time.Hour))
	for _, opt := range opts {
		opt(iss)
	}

	r := chi.NewRouter()
	r.Post("/api/auth/login", iss.handleLogin)
	r.Post("/api/auth/refresh", iss.handleRefresh)
	r.Post("/api/auth/logout", iss.handleLogout)
	r.Get("/.well-known/jwks.json", iss.handleJWKS)
	iss.router = r

	iss.srv = httptest.NewServer(r)
	t.Cleanup(iss.srv.Close)
	return iss
}

// URL is the base URL of the issuer.
func (i *Issuer) URL() string { return i.srv.URL }

// Client returns an HTTP client configured for the test server.
func (i *Issuer) Client() *http.Client { return i.srv.Client() }

// Handle mounts h at pattern behind bearer-token verification. Requests
// without a valid, unexpired access token receive 401.
func (i *Issuer) Handle(pattern string, h http.Handler) {
	i.router.Handle(pattern, i.Protect(h))
}

// HandleUnprotected mounts h without any authentication.
func (i *Issuer) HandleUnprotected(pattern string, h http.Handler) {
	i.router.Handle(pattern, h)
}

// Protect wraps h with bearer-token verification.
func (i *Issuer) Protect(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tok == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := i.Verify(tok); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Mint signs an access token for sub with the given role and lifetime. A
// negative ttl produces an already-expired token.
func (i *Issuer) Mint(sub, role string, ttl time.Duration) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	if role != "" {
		claims["role"] = role
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	s, err := tok.SignedString(i.key)
	if err != nil {
		// RSA signing with a freshly generated key cannot fail.
		panic(fmt.Sprintf("authtest: sign: %v", err))
	}
	return s
}

// Verify checks tok's signature and expiry.
func (i *Issuer) Verify(tok string) (*jwt.Token, error) {
	return jwt.Parse(tok, func(t *jwt.Token) (any, error) {
		return &i.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
}

// SetRefreshStatus forces /api/auth/refresh to answer with status. Zero
// restores normal behaviour.
func (i *Issuer) SetRefreshStatus(status int) { i.refreshStatus.Store(int32(status)) }

// SetLogoutStatus forces /api/auth/logout to answer with status.
func (i *Issuer) SetLogoutStatus(status int) { i.logoutStatus.Store(int32(status)) }

// SetRefreshDelay delays every refresh response by d.
func (i *Issuer) SetRefreshDelay(d time.Duration) { i.refreshDelay.Store(int64(d)) }

// GateRefresh makes refresh requests block until the returned release
// function is called.
func (i *Issuer) GateRefresh() (release func()) {
	ch := make(chan struct{})
	i.refreshGate.Store(&ch)
	var once sync.Once
	return func() {
		once.Do(func() {
			i.refreshGate.Store(nil)
			close(ch)
		})
	}
}

// NewSession registers a refresh token for username, as a login would, and
// returns the cookie a client should present.
func (i *Issuer) NewSession(username string) *http.Cookie {
	rt := uuid.NewString()
	i.mu.Lock()
	i.sessions[rt] = username
	i.mu.Unlock()
	return &http.Cookie{Name: RefreshCookieName, Value: rt, Path: "/api/auth", HttpOnly: true}
}

func (i *Issuer) LoginCalls() int64   { return i.loginCalls.Load() }
func (i *Issuer) RefreshCalls() int64 { return i.refreshCalls.Load() }
func (i *Issuer) LogoutCalls() int64  { return i.logoutCalls.Load() }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (i *Issuer) handleLogin(w http.ResponseWriter, r *http.Request) {
	i.loginCalls.Add(1)
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	username, password := r.FormValue("username"), r.FormValue("password")

	i.mu.Lock()
	u, ok := i.users[username]
	i.mu.Unlock()
	if !ok || u.password != password {
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	http.SetCookie(w, i.NewSession(username))
	i.writeToken(w, username, u.role)
}

func (i *Issuer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	i.refreshCalls.Add(1)

	if gate := i.refreshGate.Load(); gate != nil {
		select {
		case <-*gate:
		case <-r.Context().Done():
			return
		}
	}
	if d := time.Duration(i.refreshDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if status := int(i.refreshStatus.Load()); status != 0 {
		writeError(w, status, "refresh rejected")
		return
	}

	c, err := r.Cookie(RefreshCookieName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}
	i.mu.Lock()
	username, ok := i.sessions[c.Value]
	u := i.users[username]
	i.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	role := u.role
	if role == "" {
		role = "viewer"
	}
	i.writeToken(w, username, role)
}

func (i *Issuer) handleLogout(w http.ResponseWriter, r *http.Request) {
	i.logoutCalls.Add(1)
	if status := int(i.logoutStatus.Load()); status != 0 {
		writeError(w, status, "logout failed")
		return
	}
	if c, err := r.Cookie(RefreshCookieName); err == nil {
		i.mu.Lock()
		delete(i.sessions, c.Value)
		i.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: RefreshCookieName, Value: "", Path: "/api/auth", MaxAge: -1})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "Logged out successfully"})
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &i.key.PublicKey,
		KeyID:     keyID,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (i *Issuer) writeToken(w http.ResponseWriter, sub, role string) {
	ttl := time.Duration(i.ttl.Load())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: i.Mint(sub, role, ttl),
		TokenType:   "bearer",
		ExpiresIn:   int(ttl.Seconds()),
	})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
