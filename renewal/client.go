package renewal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	loginPath   = "/api/auth/login"
	refreshPath = "/api/auth/refresh"
	logoutPath  = "/api/auth/logout"

	// DefaultTimeout bounds every call made by the client.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// TokenResponse is the issuer's answer to login and refresh.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// Client calls the identity service.
type Client struct {
	base      *url.URL
	http      *http.Client
	timeout   time.Duration
	userAgent string
	log       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. If it has no cookie jar, one is
// attached to a shallow copy so the renewal cookie can round-trip.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds each call. Zero disables the client-side bound.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// WithUserAgent sets the User-Agent header sent on every call.
func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

// New returns a client for the identity service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("renewal: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("renewal: base url must be http(s), got %q", baseURL)
	}

	cl := &Client{
		base:    u,
		timeout: DefaultTimeout,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(cl)
	}

	if cl.http == nil {
		cl.http = &http.Client{}
	}
	if cl.http.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("renewal: cookie jar: %w", err)
		}
		hc := *cl.http
		hc.Jar = jar
		cl.http = &hc
	}
	return cl, nil
}

// Jar exposes the cookie jar holding the renewal cookie.
func (c *Client) Jar() http.CookieJar { return c.http.Jar }

// BaseURL returns the identity service base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Login exchanges username and password for an access credential. The
// issuer sets the renewal cookie as a side effect.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	resp, err := c.post(ctx, loginPath, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := statusError("login", resp, ErrLoginRejected)
		c.log.WarnContext(ctx, "renewal.login.rejected", slog.Int("status", resp.StatusCode))
		return "", serr
	}
	tok, err := decodeToken(resp)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	c.log.DebugContext(ctx, "renewal.login.ok")
	return tok, nil
}

// Refresh exchanges the renewal cookie for a new access credential. It makes
// exactly one network call; every failure wraps ErrRenewal.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	start := time.Now()
	resp, err := c.post(ctx, refreshPath, "", nil)
	if err != nil {
		c.log.WarnContext(ctx, "renewal.refresh.transport_error", slog.String("err", err.Error()))
		return "", errors.Join(ErrRenewal, fmt.Errorf("refresh: %w", err))
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.WarnContext(ctx, "renewal.refresh.rejected", slog.Int("status", resp.StatusCode))
		return "", statusError("refresh", resp, ErrRenewal)
	}
	tok, err := decodeToken(resp)
	if err != nil {
		return "", errors.Join(ErrRenewal, fmt.Errorf("refresh: %w", err))
	}
	c.log.DebugContext(ctx, "renewal.refresh.ok", slog.Duration("elapsed", time.Since(start)))
	return tok, nil
}

// Logout asks the issuer to invalidate the renewal cookie. Only transport
// failures are reported; the response is otherwise ignored.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.post(ctx, logoutPath, "", nil)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	drain(resp)
	return nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		resp, err := c.send(ctx, path, contentType, body)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return c.send(ctx, path, contentType, body)
}

func (c *Client) send(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.http.Do(req)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func decodeToken(resp *http.Response) (string, error) {
	var tr TokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingToken, err)
	}
	if tr.AccessToken == "" {
		return "", ErrMissingToken
	}
	return tr.AccessToken, nil
}

func statusError(op string, resp *http.Response, kind error) *StatusError {
	serr := &StatusError{Op: op, StatusCode: resp.StatusCode, kind: kind}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	// The body is advisory; undecodable bodies leave the detail fields empty.
	_ = json.Unmarshal(body, serr)
	return serr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
}
