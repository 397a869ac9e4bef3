package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDecode indicates the credential is not a well-formed compact token or
// does not carry the claims a session needs.
var ErrDecode = errors.New("credential: malformed")

// Role is the dashboard role carried in the credential's role claim.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleViewer
}

// Claims are the decoded claims of an access credential.
type Claims struct {
	Subject   string
	Role      Role
	ExpiresAt time.Time // zero when the exp claim is absent
	IssuedAt  time.Time // zero when the iat claim is absent
}

// Identity returns the cached identity portion of the claims.
func (c *Claims) Identity() Identity {
	return Identity{Subject: c.Subject, Role: c.Role}
}

// Identity is the principal a session is authenticated as.
type Identity struct {
	Subject string
	Role    Role
}

func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// HasRole reports whether the identity holds any of the given roles.
func (id Identity) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

type wireClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// Decode parses tok into Claims without verifying its signature. Any failure
// is reported as an error wrapping ErrDecode.
func Decode(tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrDecode)
	}

	var wc wireClaims
	if _, _, err := parser.ParseUnverified(tok, &wc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if wc.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrDecode)
	}

	role := Role(wc.Role)
	if role != "" && !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrDecode, wc.Role)
	}

	c := &Claims{Subject: wc.Subject, Role: role}
	if wc.ExpiresAt != nil {
		c.ExpiresAt = wc.ExpiresAt.Time
	}
	if wc.IssuedAt != nil {
		c.IssuedAt = wc.IssuedAt.Time
	}
	return c, nil
}
