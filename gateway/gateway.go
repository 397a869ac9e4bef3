package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ggoodman/authsession-go/internal/logctx"
	"github.com/google/uuid"
)

const (
	DefaultRequestIDHeader = "X-Request-Id"

	maxDrainBytes = 64 << 10
)

// Session is the credential source. *coordinator.Coordinator satisfies it.
type Session interface {
	Credential(ctx context.Context) (string, error)
	RenewOnce(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

// Gateway sends authenticated requests.
type Gateway struct {
	session         Session
	http            *http.Client
	base            *url.URL
	log             *slog.Logger
	expired         func(*http.Response) bool
	onUnrecoverable func(ctx context.Context, err error)
	requestIDHeader string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the client used by Do and the JSON helpers. Its
// Transport is also the base for Transport().
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.http = c }
}

// WithBaseURL resolves relative request URLs against base. The request path
// is appended to the base path.
func WithBaseURL(base *url.URL) Option {
	return func(g *Gateway) { g.base = base }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithExpiryClassifier decides which responses mean "credential expired".
// The default matches 401 Unauthorized.
func WithExpiryClassifier(fn func(*http.Response) bool) Option {
	return func(g *Gateway) { g.expired = fn }
}

// WithUnrecoverableHandler is called once per request that fails with
// ErrUnrecoverableSession, typically to send the user to a login surface.
func WithUnrecoverableHandler(fn func(ctx context.Context, err error)) Option {
	return func(g *Gateway) { g.onUnrecoverable = fn }
}

// WithRequestIDHeader sets the header carrying a per-request ID. An empty
// name disables request IDs.
func WithRequestIDHeader(name string) Option {
	return func(g *Gateway) { g.requestIDHeader = name }
}

// New creates a gateway drawing credentials from session.
func New(session Session, opts ...Option) *Gateway {
	g := &Gateway{
		session:         session,
		http:            http.DefaultClient,
		log:             slog.New(slog.DiscardHandler),
		expired:         isUnauthorized,
		requestIDHeader: DefaultRequestIDHeader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func isUnauthorized(resp *http.Response) bool {
	return resp.StatusCode == http.StatusUnauthorized
}

// Do sends req with the current credential, renewing and replaying once if
// the response is expiry-class. The request body is buffered so it can be
// replayed.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	return g.do(req, g.http.Do)
}

type sendFunc func(*http.Request) (*http.Response, error)

func (g *Gateway) do(req *http.Request, send sendFunc) (*http.Response, error) {
	ctx := req.Context()

	body, err := readBody(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: read request body: %w", err)
	}
	target := g.resolve(req.URL)

	reqID := req.Header.Get(g.requestIDHeader)
	if g.requestIDHeader != "" && reqID == "" {
		reqID = uuid.NewString()
	}
	rd := &logctx.RequestData{RequestID: reqID, Method: req.Method, URL: target.String(), Attempt: 1}
	lctx := logctx.WithRequestData(ctx, rd)

	tok, err := g.session.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: read credential: %w", err)
	}

	resp, err := send(g.build(req, target, body, tok, reqID))
	if err != nil {
		return nil, err
	}
	if !g.expired(resp) {
		return resp, nil
	}
	drain(resp)
	g.log.InfoContext(lctx, "gateway.credential.rejected", slog.Int("status", resp.StatusCode))

	fresh, err := g.session.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: read credential: %w", err)
	}
	if fresh == "" || fresh == tok {
		fresh, err = g.session.RenewOnce(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, err
			}
			return nil, g.unrecoverable(lctx, err)
		}
	} else {
		g.log.DebugContext(lctx, "gateway.credential.already_renewed")
	}

	rd.Attempt = 2
	resp, err = send(g.build(req, target, body, fresh, reqID))
	if err != nil {
		return nil, err
	}
	if !g.expired(resp) {
		return resp, nil
	}
	drain(resp)

	g.session.Invalidate(ctx)
	return nil, g.unrecoverable(lctx, fmt.Errorf("renewed credential rejected with status %d", resp.StatusCode))
}

func (g *Gateway) unrecoverable(ctx context.Context, cause error) error {
	err := cause
	if !errors.Is(err, ErrUnrecoverableSession) {
		err = errors.Join(ErrUnrecoverableSession, cause)
	}
	g.log.WarnContext(ctx, "gateway.session.unrecoverable", slog.String("err", cause.Error()))
	if g.onUnrecoverable != nil {
		g.onUnrecoverable(ctx, err)
	}
	return fmt.Errorf("gateway: %w", err)
}

func (g *Gateway) resolve(u *url.URL) *url.URL {
	if g.base == nil || u.IsAbs() {
		return u
	}
	out := g.base.JoinPath(u.Path)
	out.RawQuery = u.RawQuery
	out.Fragment = u.Fragment
	return out
}

func (g *Gateway) build(orig *http.Request, target *url.URL, body []byte, tok, reqID string) *http.Request {
	req := orig.Clone(orig.Context())
	req.URL = target
	req.Host = ""
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		req.ContentLength = int64(len(body))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req.Body = http.NoBody
		req.GetBody = nil
		req.ContentLength = 0
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else {
		req.Header.Del("Authorization")
	}
	if g.requestIDHeader != "" {
		req.Header.Set(g.requestIDHeader, reqID)
	}
	return req
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}
