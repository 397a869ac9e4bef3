package credential

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func seg(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func TestDecode_HappyPath(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	iat := exp.Add(-2 * time.Hour)
	tok := sign(t, jwt.MapClaims{
		"sub":  "ana@example.com",
		"role": "admin",
		"exp":  exp.Unix(),
		"iat":  iat.Unix(),
	})

	c, err := Decode(tok)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Subject != "ana@example.com" {
		t.Errorf("Subject = %q", c.Subject)
	}
	if c.Role != RoleAdmin {
		t.Errorf("Role = %q", c.Role)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, exp)
	}
	if !c.IssuedAt.Equal(iat) {
		t.Errorf("IssuedAt = %v, want %v", c.IssuedAt, iat)
	}
	id := c.Identity()
	if !id.IsAdmin() || !id.HasRole(RoleViewer, RoleAdmin) {
		t.Errorf("identity role checks failed: %+v", id)
	}
}

func TestDecode_MissingExpIsNeverValid(t *testing.T) {
	c, err := Decode(sign(t, jwt.MapClaims{"sub": "u", "role": "viewer"}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !c.ExpiresAt.IsZero() {
		t.Fatalf("ExpiresAt = %v, want zero", c.ExpiresAt)
	}
	if IsValid(c, time.Unix(0, 0)) {
		t.Fatal("credential without exp must not be valid")
	}
}

func TestDecode_Malformed(t *testing.T) {
	header := seg(`{"alg":"HS256","typ":"JWT"}`)
	tests := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"one segment", "abc"},
		{"two segments", "abc.def"},
		{"four segments", "a.b.c.d"},
		{"header not base64url", "!!!." + seg(`{"sub":"u"}`) + ".sig"},
		{"header not json", seg("nope") + "." + seg(`{"sub":"u"}`) + ".sig"},
		{"payload not base64url", header + ".%%%.sig"},
		{"payload not json", header + "." + seg("not json") + ".sig"},
		{"payload json array", header + "." + seg(`[1,2]`) + ".sig"},
		{"exp wrong type", header + "." + seg(`{"sub":"u","exp":"tomorrow"}`) + ".sig"},
		{"missing sub", header + "." + seg(`{"role":"admin","exp":1}`) + ".sig"},
		{"unknown role", header + "." + seg(`{"sub":"u","role":"root","exp":1}`) + ".sig"},
		{"whitespace", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Decode(tt.tok)
			if err == nil {
				t.Fatalf("Decode(%q) = %+v, want error", tt.tok, c)
			}
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("error %v does not wrap ErrDecode", err)
			}
		})
	}
}

func TestDecode_IgnoresSignature(t *testing.T) {
	tok := sign(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Minute).Unix()})
	// Swap the signature for garbage; decoding must not care.
	tampered := tok[:len(tok)-4] + "AAAA"
	if _, err := Decode(tampered); err != nil {
		t.Fatalf("Decode ignored-signature: %v", err)
	}
}

func TestIsValid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		exp  time.Time
		want bool
	}{
		{"far future", now.Add(time.Hour), true},
		{"one second left", now.Add(time.Second), true},
		{"exactly now", now, false},
		{"one second ago", now.Add(-time.Second), false},
		{"zero", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(&Claims{Subject: "u", ExpiresAt: tt.exp}, now); got != tt.want {
				t.Errorf("IsValid = %v, want %v", got, tt.want)
			}
		})
	}
	if IsValid(nil, now) {
		t.Error("nil claims must be invalid")
	}
}

func TestIsValid_SubSecondNow(t *testing.T) {
	exp := time.Unix(1_700_000_000, 0)
	c := &Claims{Subject: "u", ExpiresAt: exp}
	if !IsValid(c, exp.Add(-500*time.Millisecond)) {
		t.Error("credential must be valid half a second before exp")
	}
	if IsValid(c, exp.Add(300*time.Millisecond)) {
		t.Error("credential must be invalid after exp")
	}
}

func TestValidator_Leeway(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := &Claims{Subject: "u", ExpiresAt: now.Add(30 * time.Second)}

	if !(Validator{}).Valid(c, now) {
		t.Error("zero leeway should match IsValid")
	}
	if (Validator{Leeway: time.Minute}).Valid(c, now) {
		t.Error("credential expiring within leeway should be renewed early")
	}
	expired := &Claims{Subject: "u", ExpiresAt: now.Add(-10 * time.Second)}
	if !(Validator{Leeway: -time.Minute}).Valid(expired, now) {
		t.Error("negative leeway should tolerate recently expired credentials")
	}
}
