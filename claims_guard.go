package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type immutableClaimsSnapshot struct {
	subject   string
	issuer    string
	email     string
	provider  string
	audience  []string
	issuedAt  *time.Time
	expiresAt *time.Time
	id        string
}

func captureImmutableClaims(claims *IdentityClaims) immutableClaimsSnapshot {
	var audienceCopy []string
	if len(claims.Audience) > 0 {
		audienceCopy = append(audienceCopy, claims.Audience...)
	}

	return immutableClaimsSnapshot{
		subject:   claims.Subject,
		issuer:    claims.Issuer,
		email:     claims.Email,
		provider:  claims.Provider,
		audience:  audienceCopy,
		issuedAt:  numericTime(claims.IssuedAt),
		expiresAt: numericTime(claims.ExpiresAt),
		id:        claims.ID,
	}
}

func (snap immutableClaimsSnapshot) validate(claims *IdentityClaims) error {
	switch {
	case claims.Subject != snap.subject:
		return immutableClaimViolation("sub")
	case claims.Issuer != snap.issuer:
		return immutableClaimViolation("iss")
	case claims.ID != snap.id:
		return immutableClaimViolation("jti")
	case claims.Email != snap.email:
		return immutableClaimViolation("email")
	case claims.Provider != snap.provider:
		return immutableClaimViolation("provider")
	case !audienceEqual(claims.Audience, snap.audience):
		return immutableClaimViolation("aud")
	case !timeEqual(numericTime(claims.IssuedAt), snap.issuedAt):
		return immutableClaimViolation("iat")
	case !timeEqual(numericTime(claims.ExpiresAt), snap.expiresAt):
		return immutableClaimViolation("exp")
	}
	return nil
}

func numericTime(date *jwt.NumericDate) *time.Time {
	if date == nil {
		return nil
	}
	t := date.Time
	return &t
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func audienceEqual(a jwt.ClaimStrings, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func immutableClaimViolation(field string) error {
	return NewError(KindImmutableClaim, "immutable claim mutated: "+field).
		WithMetadata(map[string]any{"claim": field})
}
