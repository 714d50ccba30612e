package auth

import "context"

var claimsCtxKey = &contextKey{"claims"}
var profileCtxKey = &contextKey{"profile"}

type contextKey struct {
	name string
}

// WithClaimsContext sets the verified token claims in the given context
func WithClaimsContext(ctx context.Context, claims *IdentityClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// GetClaims extracts the verified token claims from the context
func GetClaims(ctx context.Context) (*IdentityClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(*IdentityClaims)
	return raw, ok && raw != nil
}

// WithProfileContext sets the caller's profile in the given context
func WithProfileContext(ctx context.Context, profile *Profile) context.Context {
	return context.WithValue(ctx, profileCtxKey, profile)
}

// ProfileFromContext finds the caller's profile in the context.
func ProfileFromContext(ctx context.Context) (*Profile, bool) {
	raw, ok := ctx.Value(profileCtxKey).(*Profile)
	return raw, ok && raw != nil
}

// Can reports whether the profile in ctx holds at least minRole and is
// active.
func Can(ctx context.Context, minRole UserRole) bool {
	profile, ok := ProfileFromContext(ctx)
	if !ok {
		return false
	}
	return profile.IsActive() && RoleIsAtLeast(profile.Role, minRole)
}
