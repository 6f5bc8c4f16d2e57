package core

import "time"

// IdentityToken is a bearer credential scoped to one downstream resource.
type IdentityToken struct {
	Resource  string    `json:"resource"`
	Value     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be used at now, keeping skew of
// headroom before the stated expiry.
func (t *IdentityToken) Valid(now time.Time, skew time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}
