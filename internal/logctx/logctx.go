// Package logctx enriches slog records with request and session data carried
// on the context.
package logctx

import (
	"context"
	"log/slog"

	"github.com/ggoodman/authsession-go/sessions"
)

// Handler wraps another slog.Handler and appends "req" and "sess" groups
// when the context carries RequestData or SessionData.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("url", rd.URL),
			slog.Int("attempt", rd.Attempt),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("subject", sd.Subject),
			slog.String("role", sd.Role),
			slog.String("state", string(sd.State)),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID string
	Method    string
	URL       string
	Attempt   int
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	Subject string
	Role    string
	State   sessions.State
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

// WithSnapshot stores the session data described by snap.
func WithSnapshot(ctx context.Context, snap sessions.Snapshot) context.Context {
	sd := &SessionData{State: snap.State}
	if snap.Identity != nil {
		sd.Subject = snap.Identity.Subject
		sd.Role = string(snap.Identity.Role)
	}
	return WithSessionData(ctx, sd)
}
