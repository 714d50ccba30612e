package local

import (
	"context"
	"fmt"

	auth "github.com/goliatone/go-market-auth"
	"github.com/goliatone/go-repository-bun"
)

// FederatedIdentity is the user an external provider vouched for.
type FederatedIdentity struct {
	Provider       string
	ProviderUserID string
	Email          string
	Name           string
	EmailVerified  bool
}

// FederatedAuthenticator runs the interactive part of a federated sign in
// (a popup, a device code, an OAuth exchange) and returns the identity.
type FederatedAuthenticator interface {
	Name() string
	Authenticate(ctx context.Context) (*FederatedIdentity, error)
}

// AuthenticatorFunc adapts a function into a FederatedAuthenticator.
type AuthenticatorFunc struct {
	ProviderName string
	Fn           func(ctx context.Context) (*FederatedIdentity, error)
}

func (a AuthenticatorFunc) Name() string { return a.ProviderName }

func (a AuthenticatorFunc) Authenticate(ctx context.Context) (*FederatedIdentity, error) {
	if a.Fn == nil {
		return nil, fmt.Errorf("authenticator %s has no handler", a.ProviderName)
	}
	return a.Fn(ctx)
}

// LinkDecision controls how an unlinked federated identity is resolved.
type LinkDecision struct {
	// LinkByEmail attaches the identity to an account with the same email.
	LinkByEmail bool
	// AllowSignup creates an account when nothing matches.
	AllowSignup bool
}

// LinkPolicy picks the decision for one federated identity.
type LinkPolicy func(ctx context.Context, identity *FederatedIdentity) LinkDecision

// LinkByVerifiedEmail links verified emails and signs up everyone else.
func LinkByVerifiedEmail(_ context.Context, identity *FederatedIdentity) LinkDecision {
	return LinkDecision{LinkByEmail: identity.EmailVerified, AllowSignup: true}
}

// NeverLink always creates a separate account.
func NeverLink(context.Context, *FederatedIdentity) LinkDecision {
	return LinkDecision{AllowSignup: true}
}

func (p *Provider) resolveFederated(ctx context.Context, identity *FederatedIdentity) (*AccountModel, error) {
	link, err := p.store.FindLink(ctx, identity.Provider, identity.ProviderUserID)
	if err == nil {
		account, err := p.store.FindByID(ctx, link.AccountID.String())
		if err != nil {
			return nil, auth.WrapError(err, auth.KindIdentityNetwork, "failed to load linked account")
		}
		return account, nil
	}
	if !repository.IsRecordNotFound(err) {
		return nil, auth.WrapError(err, auth.KindIdentityNetwork, "failed to find linked account")
	}

	decision := p.linkPolicy(ctx, identity)
	meta := map[string]any{"provider": identity.Provider}

	var account *AccountModel
	if decision.LinkByEmail && identity.Email != "" {
		account, err = p.store.FindByEmail(ctx, identity.Email)
		if err != nil && !repository.IsRecordNotFound(err) {
			return nil, auth.WrapError(err, auth.KindIdentityNetwork, "failed to find account by email")
		}
	}

	if account == nil {
		if !decision.AllowSignup {
			return nil, auth.NewError(auth.KindInvalidCredential, "no account for this identity").WithMetadata(meta)
		}
		email := identity.Email
		if !decision.LinkByEmail || email == "" {
			email = identity.Provider + ":" + identity.ProviderUserID
			if identity.Email != "" {
				if _, err := p.store.FindByEmail(ctx, identity.Email); repository.IsRecordNotFound(err) {
					email = identity.Email
				}
			}
		}
		account, err = p.store.CreateAccount(ctx, &AccountModel{Email: email, DisplayName: identity.Name})
		if err != nil {
			return nil, auth.WrapError(err, auth.KindIdentityNetwork, "failed to create account").WithMetadata(meta)
		}
		p.logger.Info("created %s account %s", identity.Provider, account.ID)
	}

	if err := p.store.Link(ctx, account.ID, identity.Provider, identity.ProviderUserID, identity.Email); err != nil {
		return nil, auth.WrapError(err, auth.KindIdentityNetwork, "failed to link account").WithMetadata(meta)
	}
	return account, nil
}
