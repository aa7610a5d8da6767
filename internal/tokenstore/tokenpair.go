// Package tokenstore handles loading and saving OAuth2 token pairs. Tokens
// are run through a reversible Protector before they touch disk, so a stolen
// token file is useless without the local key material. This is a leaf
// package: the graph client holds a TokenPair in memory, the CLI persists it.
package tokenstore

import "time"

// TokenPair is the access/refresh token pair returned by the identity
// platform's token endpoint, plus the local acquire time used to compute
// expiry. The JSON field names match the wire format of the token endpoint
// so a response can be persisted directly.
type TokenPair struct {
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	Scope        string    `json:"scope,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AcquireTime  time.Time `json:"acquire_time"`
	IsEncrypted  bool      `json:"is_encrypted,omitempty"`
}

// expiryMargin is subtracted from the token lifetime so a token is treated
// as expired shortly before the server would reject it.
const expiryMargin = 5 * time.Minute

// ExpiresAt returns the instant the access token stops being usable.
func (p *TokenPair) ExpiresAt() time.Time {
	return p.AcquireTime.Add(time.Duration(p.ExpiresIn) * time.Second)
}

// Expired reports whether the access token should be refreshed before use.
// A zero AcquireTime means the pair was never stamped and is treated as expired.
func (p *TokenPair) Expired(now time.Time) bool {
	if p.AcquireTime.IsZero() {
		return true
	}

	return now.After(p.ExpiresAt().Add(-expiryMargin))
}

// Clone returns a copy of the pair. Used before protecting for save so the
// in-memory pair stays plaintext.
func (p *TokenPair) Clone() *TokenPair {
	clone := *p
	return &clone
}
