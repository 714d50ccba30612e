package auth

import "context"

// ClaimsDecorator can mutate allowed claim extensions before a token is
// signed. Implementations may only touch Metadata and Name; registered
// claims and the email are checked after decoration.
type ClaimsDecorator interface {
	Decorate(ctx context.Context, claims *IdentityClaims) error
}

// ClaimsDecoratorFunc adapts a function into a ClaimsDecorator.
type ClaimsDecoratorFunc func(ctx context.Context, claims *IdentityClaims) error

// Decorate satisfies the ClaimsDecorator interface.
func (f ClaimsDecoratorFunc) Decorate(ctx context.Context, claims *IdentityClaims) error {
	if f == nil {
		return nil
	}
	return f(ctx, claims)
}

type noopClaimsDecorator struct{}

func (noopClaimsDecorator) Decorate(context.Context, *IdentityClaims) error {
	return nil
}

// NormalizeClaimsDecorator returns a no-op decorator for nil.
func NormalizeClaimsDecorator(d ClaimsDecorator) ClaimsDecorator {
	if d == nil {
		return noopClaimsDecorator{}
	}
	return d
}

// DecorateClaims runs d and rejects any change to immutable claims.
func DecorateClaims(ctx context.Context, d ClaimsDecorator, claims *IdentityClaims) error {
	snap := captureImmutableClaims(claims)
	if err := NormalizeClaimsDecorator(d).Decorate(ctx, claims); err != nil {
		return WrapError(err, KindTokenIssue, "claims decorator failed")
	}
	return snap.validate(claims)
}
