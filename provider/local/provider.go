package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	auth "github.com/goliatone/go-market-auth"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"
)

// ProviderPassword is the provider name of email and password sessions.
const ProviderPassword = "password"

// Config configures the local identity provider.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   []string
	// TokenTTL defaults to one hour.
	TokenTTL time.Duration
	// RefreshSkew makes Token mint a new token when the current one expires
	// within the window. Defaults to one minute.
	RefreshSkew time.Duration
	// HashCost is the bcrypt cost. Defaults to bcrypt.DefaultCost.
	HashCost        int
	Authenticators  []FederatedAuthenticator
	LinkPolicy      LinkPolicy
	ClaimsDecorator auth.ClaimsDecorator
	Logger          auth.Logger
	Clock           func() time.Time
}

// Provider is a self hosted auth.IdentityProvider: bcrypt accounts in a
// bun database, HS256 identity tokens and federated sign in through
// pluggable authenticators. It holds a single current user, like a client
// side identity SDK.
type Provider struct {
	store          *Store
	signingKey     []byte
	issuer         string
	audience       []string
	ttl            time.Duration
	skew           time.Duration
	hashCost       int
	authenticators map[string]FederatedAuthenticator
	linkPolicy     LinkPolicy
	decorator      auth.ClaimsDecorator
	logger         auth.Logger
	now            func() time.Time

	mu      sync.Mutex
	current *currentUser

	listenerMu sync.Mutex
	listeners  map[int]func(*auth.IdentityCredentials)
	nextID     int
}

type currentUser struct {
	account  *AccountModel
	provider string
	token    string
	claims   *auth.IdentityClaims
}

var _ auth.IdentityProvider = (*Provider)(nil)

// New returns a provider storing accounts in db.
func New(db *bun.DB, cfg Config) (*Provider, error) {
	if db == nil {
		return nil, errors.New("local: db is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("local: signing key is required")
	}

	p := &Provider{
		store:          NewStore(db),
		signingKey:     cfg.SigningKey,
		issuer:         cfg.Issuer,
		audience:       append([]string(nil), cfg.Audience...),
		ttl:            cfg.TokenTTL,
		skew:           cfg.RefreshSkew,
		hashCost:       cfg.HashCost,
		authenticators: map[string]FederatedAuthenticator{},
		linkPolicy:     cfg.LinkPolicy,
		decorator:      auth.NormalizeClaimsDecorator(cfg.ClaimsDecorator),
		logger:         cfg.Logger,
		now:            cfg.Clock,
		listeners:      map[int]func(*auth.IdentityCredentials){},
	}

	if p.ttl <= 0 {
		p.ttl = time.Hour
	}
	if p.skew <= 0 {
		p.skew = time.Minute
	}
	if p.hashCost == 0 {
		p.hashCost = bcrypt.DefaultCost
	}
	if p.linkPolicy == nil {
		p.linkPolicy = LinkByVerifiedEmail
	}
	if p.logger == nil {
		p.logger = auth.DefaultLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.store.now = p.now

	for _, a := range cfg.Authenticators {
		if a == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(a.Name()))
		if name == "" || name == ProviderPassword {
			return nil, fmt.Errorf("local: invalid authenticator name %q", a.Name())
		}
		p.authenticators[name] = a
	}

	return p, nil
}

// Store exposes the account store.
func (p *Provider) Store() *Store {
	return p.store
}

// SignInWithEmail verifies the password of an existing account.
func (p *Provider) SignInWithEmail(ctx context.Context, email, password string) (*auth.IdentityCredentials, error) {
	account, err := p.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return p.startSession(ctx, account, ProviderPassword)
}

// Authenticate checks email and password without touching the current
// user.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (*AccountModel, error) {
	account, err := p.store.FindByEmail(ctx, email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, invalidCredential()
		}
		return nil, auth.WrapError(err, auth.KindIdentityNetwork, "account lookup failed")
	}

	if account.PasswordHash == "" {
		return nil, invalidCredential()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, invalidCredential()
		}
		return nil, auth.WrapError(err, auth.KindIdentityNetwork, "password check failed")
	}
	return account, nil
}

// SignInWithProvider runs the named federated authenticator and resolves
// its identity to a local account under the link policy.
func (p *Provider) SignInWithProvider(ctx context.Context, provider string) (*auth.IdentityCredentials, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	authenticator, ok := p.authenticators[name]
	if !ok {
		return nil, auth.NewError(auth.KindInvalidCredential, "unknown identity provider").
			WithMetadata(map[string]any{"provider": provider})
	}

	identity, err := authenticator.Authenticate(ctx)
	if err != nil {
		if auth.IsIdentityError(err) {
			return nil, err
		}
		return nil, auth.WrapError(err, auth.KindIdentityNetwork, "federated sign in failed").
			WithMetadata(map[string]any{"provider": name})
	}
	if identity == nil || identity.ProviderUserID == "" {
		return nil, auth.NewError(auth.KindInvalidCredential, "federated provider returned no identity").
			WithMetadata(map[string]any{"provider": name})
	}
	identity.Provider = name

	account, err := p.resolveFederated(ctx, identity)
	if err != nil {
		return nil, err
	}
	return p.startSession(ctx, account, name)
}

// CreateAccount registers a password account and signs it in.
func (p *Provider) CreateAccount(ctx context.Context, email, password string) (*auth.IdentityCredentials, error) {
	account, err := p.Register(ctx, email, password, "")
	if err != nil {
		return nil, err
	}
	return p.startSession(ctx, account, ProviderPassword)
}

// Register creates a password account without touching the current user.
func (p *Provider) Register(ctx context.Context, email, password, displayName string) (*AccountModel, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, invalidCredential()
	}

	if _, err := p.store.FindByEmail(ctx, email); err == nil {
		return nil, auth.NewError(auth.KindAlreadyExists, "an account with this email already exists").
			WithMetadata(map[string]any{"email": email})
	} else if !repository.IsRecordNotFound(err) {
		return nil, auth.WrapError(err, auth.KindIdentityNetwork, "account lookup failed")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.hashCost)
	if err != nil {
		return nil, auth.WrapError(err, auth.KindIdentityNetwork, "failed to hash password")
	}

	account, err := p.store.CreateAccount(ctx, &AccountModel{
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
	})
	if err != nil {
		return nil, auth.WrapError(err, auth.KindIdentityNetwork, "failed to create account")
	}
	p.logger.Info("created identity account %s", account.ID)
	return account, nil
}

// Issue mints a token for account without touching the current user.
func (p *Provider) Issue(ctx context.Context, account *AccountModel, provider string) (*auth.IdentityCredentials, error) {
	token, claims, err := p.mint(ctx, account, provider)
	if err != nil {
		return nil, err
	}
	return claims.Credentials(token), nil
}

// UpdateDisplayName renames the current user. The current token keeps its
// claims until the next refresh.
func (p *Provider) UpdateDisplayName(ctx context.Context, name string) error {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur == nil {
		return auth.NewError(auth.KindInvalidCredential, "no signed in user")
	}

	if err := p.store.UpdateDisplayName(ctx, cur.account.ID, strings.TrimSpace(name)); err != nil {
		return auth.WrapError(err, auth.KindIdentityNetwork, "failed to update display name")
	}

	p.mu.Lock()
	if p.current == cur {
		cur.account.DisplayName = strings.TrimSpace(name)
	}
	p.mu.Unlock()
	return nil
}

// Token returns the current token, minting a fresh one when it is about
// to expire.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur == nil {
		return "", auth.NewError(auth.KindInvalidCredential, "no signed in user")
	}

	if !cur.claims.IsExpired(p.now().Add(p.skew)) {
		return cur.token, nil
	}

	creds, err := p.reissue(ctx, cur)
	if err != nil {
		return "", err
	}
	return creds.Token, nil
}

// Refresh mints a new token for the current user and announces it on the
// change stream.
func (p *Provider) Refresh(ctx context.Context) (*auth.IdentityCredentials, error) {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur == nil {
		return nil, auth.NewError(auth.KindInvalidCredential, "no signed in user")
	}

	creds, err := p.reissue(ctx, cur)
	if err != nil {
		return nil, err
	}
	p.notify(creds)
	return creds, nil
}

// Revoke ends the session of identityID if it is the current user and
// announces the sign out on the change stream.
func (p *Provider) Revoke(ctx context.Context, identityID string) bool {
	p.mu.Lock()
	cur := p.current
	if cur == nil || cur.account.ID.String() != identityID {
		p.mu.Unlock()
		return false
	}
	p.current = nil
	p.mu.Unlock()

	p.logger.Info("revoked session of %s", identityID)
	p.notify(nil)
	return true
}

// SignOut clears the current user.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	return nil
}

// OnSessionChange registers fn for changes the provider makes on its own:
// refreshes and revocations. Calls are synchronous and in order.
func (p *Provider) OnSessionChange(fn func(*auth.IdentityCredentials)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	p.listenerMu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.listenerMu.Lock()
			delete(p.listeners, id)
			p.listenerMu.Unlock()
		})
	}
}

// Verify parses a token minted by this provider.
func (p *Provider) Verify(token string) (*auth.IdentityClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if len(p.audience) > 0 {
		opts = append(opts, jwt.WithAudience(p.audience[0]))
	}

	claims := &auth.IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.signingKey, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, auth.WrapError(err, auth.KindInvalidCredential, "invalid identity token")
	}
	return claims, nil
}

func (p *Provider) startSession(ctx context.Context, account *AccountModel, provider string) (*auth.IdentityCredentials, error) {
	token, claims, err := p.mint(ctx, account, provider)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = &currentUser{account: account, provider: provider, token: token, claims: claims}
	p.mu.Unlock()

	return claims.Credentials(token), nil
}

func (p *Provider) reissue(ctx context.Context, cur *currentUser) (*auth.IdentityCredentials, error) {
	token, claims, err := p.mint(ctx, cur.account, cur.provider)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.current != cur {
		p.mu.Unlock()
		return nil, auth.NewError(auth.KindInvalidCredential, "user signed out during refresh")
	}
	cur.token = token
	cur.claims = claims
	p.mu.Unlock()

	return claims.Credentials(token), nil
}

func (p *Provider) mint(ctx context.Context, account *AccountModel, provider string) (string, *auth.IdentityClaims, error) {
	now := p.now()
	claims := &auth.IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    p.issuer,
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
		Email:    account.Email,
		Name:     account.DisplayName,
		Provider: provider,
	}
	if len(p.audience) > 0 {
		claims.Audience = jwt.ClaimStrings(append([]string(nil), p.audience...))
	}

	if err := auth.DecorateClaims(ctx, p.decorator, claims); err != nil {
		return "", nil, err
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return "", nil, auth.WrapError(err, auth.KindTokenIssue, "failed to sign identity token")
	}
	return signed, claims, nil
}

func (p *Provider) notify(creds *auth.IdentityCredentials) {
	p.listenerMu.Lock()
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*auth.IdentityCredentials), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.listenerMu.Unlock()

	for _, fn := range fns {
		fn(creds)
	}
}

func invalidCredential() error {
	return auth.NewError(auth.KindInvalidCredential, "invalid email or password")
}
