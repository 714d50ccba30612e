package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims are the bearer token claims issued by an identity
// provider. The subject is the identity id.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Email    string         `json:"email,omitempty"`
	Name     string         `json:"name,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"` // extension payload
}

// IdentityID returns the subject claim
func (c *IdentityClaims) IdentityID() string {
	if c == nil {
		return ""
	}
	return c.RegisteredClaims.Subject
}

// Expires returns the expiration time
func (c *IdentityClaims) Expires() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Issued returns the issued at time
func (c *IdentityClaims) Issued() time.Time {
	if c == nil || c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// IsExpired reports whether the claims expired at now.
func (c *IdentityClaims) IsExpired(now time.Time) bool {
	exp := c.Expires()
	return !exp.IsZero() && !now.Before(exp)
}

// Credentials pairs the claims with their signed token.
func (c *IdentityClaims) Credentials(token string) *IdentityCredentials {
	if c == nil {
		return nil
	}
	return &IdentityCredentials{
		Token:       token,
		IdentityID:  c.IdentityID(),
		Email:       c.Email,
		DisplayName: c.Name,
		Provider:    c.Provider,
		IssuedAt:    c.Issued(),
	}
}
