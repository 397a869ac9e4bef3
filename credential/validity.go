package credential

import "time"

// IsValid reports whether the credential has not yet expired at now. The exp
// claim has second granularity, so now is truncated to epoch seconds.
func IsValid(c *Claims, now time.Time) bool {
	return Validator{}.Valid(c, now)
}

// Validator applies a clock-skew Leeway when deciding validity.
type Validator struct {
	// Leeway shifts the comparison point forward: a credential expiring
	// within Leeway of now is considered expired. Negative values tolerate
	// credentials that expired up to |Leeway| ago.
	Leeway time.Duration
}

// Valid reports whether c.ExpiresAt is strictly after now+Leeway.
func (v Validator) Valid(c *Claims, now time.Time) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Unix() > now.Add(v.Leeway).Unix()
}
