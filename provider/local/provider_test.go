package local

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	auth "github.com/goliatone/go-market-auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupProvider(t *testing.T, mutate ...func(*Config)) (*Provider, *testClock) {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))

	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	cfg := Config{
		SigningKey: []byte("local-secret"),
		Issuer:     "market-test",
		Audience:   []string{"market"},
		HashCost:   bcrypt.MinCost,
		Logger:     auth.NopLogger{},
		Clock:      clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	p, err := New(db, cfg)
	require.NoError(t, err)
	return p, clock
}

func TestNewRequiresKeyAndDB(t *testing.T) {
	_, err := New(nil, Config{SigningKey: []byte("k")})
	assert.Error(t, err)

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()

	_, err = New(db, Config{})
	assert.Error(t, err)

	_, err = New(db, Config{
		SigningKey:     []byte("k"),
		Authenticators: []FederatedAuthenticator{AuthenticatorFunc{ProviderName: "password"}},
	})
	assert.Error(t, err)
}

func TestCreateAccountAndSignIn(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	created, err := p.CreateAccount(ctx, " Rahim@Market.test ", "s3cret-pass")
	require.NoError(t, err)
	assert.NotEmpty(t, created.Token)
	assert.NotEmpty(t, created.IdentityID)
	assert.Equal(t, "rahim@market.test", created.Email)
	assert.Equal(t, ProviderPassword, created.Provider)

	claims, err := p.Verify(created.Token)
	require.NoError(t, err)
	assert.Equal(t, created.IdentityID, claims.IdentityID())
	assert.Equal(t, "market-test", claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	require.NoError(t, p.SignOut(ctx))
	_, err = p.Token(ctx)
	assert.True(t, auth.IsKind(err, auth.KindInvalidCredential))

	signedIn, err := p.SignInWithEmail(ctx, "RAHIM@market.test", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, created.IdentityID, signedIn.IdentityID)

	token, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, signedIn.Token, token)
}

func TestSignInFailures(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	_, err := p.CreateAccount(ctx, "karim@market.test", "right-pass")
	require.NoError(t, err)

	_, err = p.SignInWithEmail(ctx, "karim@market.test", "wrong-pass")
	assert.True(t, auth.IsKind(err, auth.KindInvalidCredential))

	_, err = p.SignInWithEmail(ctx, "nobody@market.test", "right-pass")
	assert.True(t, auth.IsKind(err, auth.KindInvalidCredential))

	_, err = p.CreateAccount(ctx, "KARIM@market.test", "other-pass")
	assert.True(t, auth.IsKind(err, auth.KindAlreadyExists))

	_, err = p.CreateAccount(ctx, "", "pass")
	assert.True(t, auth.IsIdentityError(err))
}

func TestTokenRefreshesSilentlyNearExpiry(t *testing.T) {
	p, clock := setupProvider(t, func(c *Config) {
		c.TokenTTL = 10 * time.Minute
		c.RefreshSkew = time.Minute
	})
	ctx := context.Background()

	var events []*auth.IdentityCredentials
	p.OnSessionChange(func(c *auth.IdentityCredentials) { events = append(events, c) })

	creds, err := p.CreateAccount(ctx, "silent@market.test", "pass-word")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	token, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, creds.Token, token)

	clock.Advance(4*time.Minute + 30*time.Second)
	token, err = p.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, creds.Token, token)

	claims, err := p.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, creds.IdentityID, claims.IdentityID())
	assert.Empty(t, events)
}

func TestRefreshAndRevokeNotifyListeners(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	var first, second []*auth.IdentityCredentials
	p.OnSessionChange(func(c *auth.IdentityCredentials) { first = append(first, c) })
	unsubscribe := p.OnSessionChange(func(c *auth.IdentityCredentials) { second = append(second, c) })

	creds, err := p.CreateAccount(ctx, "notify@market.test", "pass-word")
	require.NoError(t, err)
	require.NoError(t, p.UpdateDisplayName(ctx, "  Nadia  "))

	refreshed, err := p.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, creds.Token, refreshed.Token)
	assert.Equal(t, "Nadia", refreshed.DisplayName)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, refreshed.Token, first[0].Token)

	unsubscribe()
	unsubscribe()

	assert.False(t, p.Revoke(ctx, "someone-else"))
	assert.True(t, p.Revoke(ctx, creds.IdentityID))

	require.Len(t, first, 2)
	assert.Nil(t, first[1])
	assert.Len(t, second, 1)

	_, err = p.Refresh(ctx)
	assert.True(t, auth.IsKind(err, auth.KindInvalidCredential))
	assert.Error(t, p.UpdateDisplayName(ctx, "x"))
}

func TestClaimsDecoratorRuns(t *testing.T) {
	p, _ := setupProvider(t, func(c *Config) {
		c.ClaimsDecorator = auth.ClaimsDecoratorFunc(func(_ context.Context, claims *auth.IdentityClaims) error {
			claims.Metadata = map[string]any{"tier": "gold"}
			return nil
		})
	})

	creds, err := p.CreateAccount(context.Background(), "meta@market.test", "pass-word")
	require.NoError(t, err)

	claims, err := p.Verify(creds.Token)
	require.NoError(t, err)
	assert.Equal(t, "gold", claims.Metadata["tier"])
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	p, _ := setupProvider(t)
	other, _ := setupProvider(t, func(c *Config) { c.SigningKey = []byte("other-secret") })

	creds, err := other.CreateAccount(context.Background(), "foreign@market.test", "pass-word")
	require.NoError(t, err)

	_, err = p.Verify(creds.Token)
	assert.True(t, auth.IsKind(err, auth.KindInvalidCredential))
}

func federated(name string, identity *FederatedIdentity, err error) FederatedAuthenticator {
	return AuthenticatorFunc{
		ProviderName: name,
		Fn: func(context.Context) (*FederatedIdentity, error) {
			if err != nil {
				return nil, err
			}
			clone := *identity
			return &clone, nil
		},
	}
}

func TestSignInWithProviderLinksVerifiedEmail(t *testing.T) {
	p, _ := setupProvider(t, func(c *Config) {
		c.Authenticators = []FederatedAuthenticator{
			federated("google", &FederatedIdentity{
				ProviderUserID: "g-1",
				Email:          "linked@market.test",
				Name:           "Linked",
				EmailVerified:  true,
			}, nil),
		}
	})
	ctx := context.Background()

	local, err := p.CreateAccount(ctx, "linked@market.test", "pass-word")
	require.NoError(t, err)

	creds, err := p.SignInWithProvider(ctx, "Google")
	require.NoError(t, err)
	assert.Equal(t, local.IdentityID, creds.IdentityID)
	assert.Equal(t, "google", creds.Provider)

	again, err := p.SignInWithProvider(ctx, "google")
	require.NoError(t, err)
	assert.Equal(t, local.IdentityID, again.IdentityID)

	account, err := p.Store().FindByID(ctx, local.IdentityID)
	require.NoError(t, err)
	links, err := p.Store().Links(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "g-1", links[0].ProviderUserID)
}

func TestSignInWithProviderUnverifiedEmailGetsOwnAccount(t *testing.T) {
	p, _ := setupProvider(t, func(c *Config) {
		c.Authenticators = []FederatedAuthenticator{
			federated("facebook", &FederatedIdentity{
				ProviderUserID: "f-1",
				Email:          "taken@market.test",
			}, nil),
		}
	})
	ctx := context.Background()

	local, err := p.CreateAccount(ctx, "taken@market.test", "pass-word")
	require.NoError(t, err)

	creds, err := p.SignInWithProvider(ctx, "facebook")
	require.NoError(t, err)
	assert.NotEqual(t, local.IdentityID, creds.IdentityID)
	assert.Equal(t, "facebook:f-1", creds.Email)
}

func TestSignInWithProviderFailures(t *testing.T) {
	p, _ := setupProvider(t, func(c *Config) {
		c.LinkPolicy = func(context.Context, *FederatedIdentity) LinkDecision { return LinkDecision{} }
		c.Authenticators = []FederatedAuthenticator{
			federated("broken", nil, errors.New("popup closed")),
			federated("closed", &FederatedIdentity{ProviderUserID: "c-1"}, nil),
			federated("empty", &FederatedIdentity{}, nil),
		}
	})
	ctx := context.Background()

	_, err := p.SignInWithProvider(ctx, "missing")
	assert.True(t, auth.IsKind(err, auth.KindInvalidCredential))

	_, err = p.SignInWithProvider(ctx, "broken")
	assert.True(t, auth.IsKind(err, auth.KindIdentityNetwork))

	_, err = p.SignInWithProvider(ctx, "closed")
	assert.True(t, auth.IsKind(err, auth.KindInvalidCredential))

	_, err = p.SignInWithProvider(ctx, "empty")
	assert.True(t, auth.IsKind(err, auth.KindInvalidCredential))
}
