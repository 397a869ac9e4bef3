package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/authsession-go/credential"
	"github.com/ggoodman/authsession-go/renewal"
)

// RenewOnce obtains a fresh credential from the issuer. Concurrent callers
// share a single issuer call and receive the same result in arrival order.
//
// The shared call is detached from the caller that started it and bounded by
// the renewal timeout. A caller whose ctx ends stops waiting and gets
// ctx.Err(); the renewal carries on for the others.
func (c *Coordinator) RenewOnce(ctx context.Context) (string, error) {
	tok, err, shared := c.renewals.Do(ctx, func() (string, error) {
		return c.renew(ctx)
	})
	if shared {
		c.metrics.waiter()
	}
	return tok, err
}

func (c *Coordinator) renew(ctx context.Context) (string, error) {
	ctx = context.WithoutCancel(ctx)
	if c.renewalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.renewalTimeout)
		defer cancel()
	}

	gen := c.generation()
	start := time.Now()
	c.log.InfoContext(ctx, "renewal.start")

	tok, err := c.issuer.Refresh(ctx)
	var claims *credential.Claims
	if err == nil {
		claims, err = credential.Decode(tok)
		if err != nil {
			err = fmt.Errorf("renewed credential: %w", err)
		}
	}

	c.stateMu.Lock()
	if c.gen != gen {
		c.stateMu.Unlock()
		return c.superseded(ctx, start)
	}
	if err != nil {
		if !errors.Is(err, renewal.ErrRenewal) {
			err = errors.Join(renewal.ErrRenewal, err)
		}
		c.clearLocked(ctx)
		c.stateMu.Unlock()
		c.metrics.renewal(outcomeFailure)
		c.log.WarnContext(ctx, "renewal.failed",
			slog.Duration("elapsed", time.Since(start)),
			slog.String("err", err.Error()),
		)
		return "", errors.Join(ErrUnrecoverableSession, err)
	}
	if err := c.saveLocked(ctx, tok, claims); err != nil {
		// The caller still receives the credential; the next bootstrap
		// retries through storage.
		c.log.WarnContext(ctx, "renewal.persist.failed", slog.String("err", err.Error()))
		c.gen++
		c.session.SetAuthenticated(claims.Identity())
	}
	c.stateMu.Unlock()

	c.metrics.renewal(outcomeSuccess)
	c.log.InfoContext(ctx, "renewal.ok",
		slog.Duration("elapsed", time.Since(start)),
		slog.String("subject", claims.Subject),
		slog.Time("expires_at", claims.ExpiresAt),
	)
	return tok, nil
}

// superseded settles a renewal whose result arrived after a login, logout or
// invalidation. The issuer's answer is discarded and callers get whatever
// credential that writer left behind.
func (c *Coordinator) superseded(ctx context.Context, start time.Time) (string, error) {
	c.metrics.renewal(outcomeSuperseded)
	c.log.InfoContext(ctx, "renewal.superseded", slog.Duration("elapsed", time.Since(start)))

	tok, err := c.Credential(ctx)
	if err != nil {
		return "", fmt.Errorf("coordinator: read credential: %w", err)
	}
	if tok == "" {
		return "", fmt.Errorf("%w: session ended during renewal", ErrUnrecoverableSession)
	}
	return tok, nil
}
