package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/authsession-go/credential"
	"github.com/ggoodman/authsession-go/renewal"
)

// Login exchanges username and password for a credential. It reports false
// with a nil error when the issuer rejects the credentials, in which case
// the session state is left unchanged.
func (c *Coordinator) Login(ctx context.Context, username, password string) (bool, error) {
	tok, err := c.issuer.Login(ctx, username, password)
	if err != nil {
		if errors.Is(err, renewal.ErrLoginRejected) {
			c.log.InfoContext(ctx, "session.login.rejected")
			return false, nil
		}
		return false, fmt.Errorf("coordinator: login: %w", err)
	}

	claims, err := credential.Decode(tok)
	if err != nil {
		return false, fmt.Errorf("coordinator: login: %w", err)
	}
	if err := c.save(ctx, tok, claims); err != nil {
		return false, fmt.Errorf("coordinator: store credential: %w", err)
	}
	c.log.InfoContext(ctx, "session.login.ok",
		slog.String("subject", claims.Subject),
		slog.String("role", string(claims.Role)),
	)
	return true, nil
}

// Logout tells the issuer to drop the renewal cookie and clears the local
// session. Issuer failures are logged and otherwise ignored, so Logout always
// leaves the session Unauthenticated, including when a renewal is in flight:
// its result is discarded.
func (c *Coordinator) Logout(ctx context.Context) {
	if err := c.issuer.Logout(ctx); err != nil {
		c.log.WarnContext(ctx, "session.logout.issuer_failed", slog.String("err", err.Error()))
	}
	c.clear(ctx)
	c.log.InfoContext(ctx, "session.logout")
}
