package auth_test

import (
	"context"
	"testing"

	auth "github.com/goliatone/go-market-auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type upgradeFixture struct {
	*syncFixture
	resolver *auth.RoleResolver
	workflow *auth.MerchantUpgradeWorkflow
	notes    *recordingNotifier
	audit    *recordingSink
}

// newUpgradeFixture signs in with a session whose first sync returns initial.
func newUpgradeFixture(t *testing.T, initial *auth.Profile) *upgradeFixture {
	t.Helper()
	f := &upgradeFixture{
		syncFixture: newSyncFixture(t),
		notes:       &recordingNotifier{},
		audit:       &recordingSink{},
	}
	f.resolver = auth.NewRoleResolver(f.sessions, f.sync)
	t.Cleanup(f.resolver.Close)
	f.workflow = auth.NewMerchantUpgradeWorkflow(f.sessions, f.api, f.sync, f.resolver,
		auth.WithUpgradeLogger(auth.NopLogger{}),
		auth.WithUpgradeNotifier(f.notes),
		auth.WithUpgradeActivitySink(f.audit),
	)

	f.provider.On("Token", mock.Anything).Return("tok-1", nil).Maybe()
	f.api.On("Me", mock.Anything, "tok-1").Return(initial, nil).Once()
	f.signIn(t, "id-1", "tok-1")
	f.sync.Wait()
	return f
}

func pendingMerchant(id string) *auth.Profile {
	p := customerProfile(id)
	shop := testShop()
	p.Status = auth.StatusPending
	p.ShopDetails = &shop
	p.RoleRequest = auth.RoleRequest{Status: auth.RequestPending}
	return p
}

func adminProfile(id string) *auth.Profile {
	p := customerProfile(id)
	p.Role = auth.RoleAdmin
	return p
}

func TestRequestUpgrade(t *testing.T) {
	f := newUpgradeFixture(t, customerProfile("p-1"))
	ctx := context.Background()

	f.api.On("Me", mock.Anything, "tok-1").Return(customerProfile("p-1"), nil).Once()
	f.api.On("Me", mock.Anything, "tok-1").Return(pendingMerchant("p-1"), nil).Once()
	f.api.On("RequestMerchant", mock.Anything, "tok-1", mock.MatchedBy(func(p auth.MerchantRequestPayload) bool {
		return p.ProfileID == "p-1" && p.ShopDetails == testShop() && p.Email == "p-1@market.test"
	})).Return(pendingMerchant("p-1"), nil).Once()

	profile, err := f.workflow.RequestUpgrade(ctx, "p-1", testShop())
	require.NoError(t, err)
	assert.Equal(t, auth.StatusPending, profile.Status)
	assert.Equal(t, auth.RoleCustomer, profile.Role, "role changes only after approval")

	state := f.resolver.State()
	assert.Equal(t, auth.StatusPending, state.Status)
	assert.Equal(t, auth.RequestPending, state.RoleRequest.Status)
	assert.Equal(t, []auth.NotificationLevel{auth.NotifySuccess}, f.notes.Levels())
}

func TestRequestUpgradeRejectsPending(t *testing.T) {
	f := newUpgradeFixture(t, pendingMerchant("p-1"))

	f.api.On("Me", mock.Anything, "tok-1").Return(pendingMerchant("p-1"), nil).Once()

	_, err := f.workflow.RequestUpgrade(context.Background(), "p-1", testShop())
	assert.True(t, auth.IsKind(err, auth.KindDuplicatePending))
	f.api.AssertNotCalled(t, "RequestMerchant", mock.Anything, mock.Anything, mock.Anything)
}

func TestRequestUpgradeRejectsConcurrentSubmit(t *testing.T) {
	f := newUpgradeFixture(t, customerProfile("p-1"))
	ctx := context.Background()

	called := make(chan struct{})
	release := make(chan struct{})
	f.api.On("Me", mock.Anything, "tok-1").Return(customerProfile("p-1"), nil).Once()
	f.api.On("RequestMerchant", mock.Anything, "tok-1", mock.Anything).
		Run(func(mock.Arguments) {
			close(called)
			<-release
		}).
		Return(pendingMerchant("p-1"), nil).Once()
	f.api.On("Me", mock.Anything, "tok-1").Return(pendingMerchant("p-1"), nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := f.workflow.RequestUpgrade(ctx, "p-1", testShop())
		done <- err
	}()

	<-called
	_, err := f.workflow.RequestUpgrade(ctx, "p-1", testShop())
	assert.True(t, auth.IsKind(err, auth.KindDuplicatePending))

	close(release)
	require.NoError(t, <-done)
	f.api.AssertNumberOfCalls(t, "RequestMerchant", 1)
}

func TestRequestUpgradeForAnotherProfile(t *testing.T) {
	f := newUpgradeFixture(t, customerProfile("p-1"))

	f.api.On("Me", mock.Anything, "tok-1").Return(customerProfile("p-1"), nil).Once()

	_, err := f.workflow.RequestUpgrade(context.Background(), "p-2", testShop())
	assert.True(t, auth.IsKind(err, auth.KindWorkflowUnauthorized))
	assert.Contains(t, f.audit.Types(), auth.ActivityEventRoleRequestChanged)
	f.api.AssertNotCalled(t, "RequestMerchant", mock.Anything, mock.Anything, mock.Anything)
}

func TestRequestUpgradeValidatesShop(t *testing.T) {
	f := newUpgradeFixture(t, customerProfile("p-1"))

	_, err := f.workflow.RequestUpgrade(context.Background(), "p-1", auth.ShopDetails{ShopName: "A"})
	assert.True(t, auth.IsKind(err, auth.KindMissingShopField))
	f.api.AssertNumberOfCalls(t, "Me", 1)
}

func TestRequestUpgradeUnauthorizedExpiresSession(t *testing.T) {
	f := newUpgradeFixture(t, customerProfile("p-1"))

	f.api.On("Me", mock.Anything, "tok-1").Return(customerProfile("p-1"), nil).Once()
	f.api.On("RequestMerchant", mock.Anything, "tok-1", mock.Anything).
		Return(nil, auth.NewError(auth.KindSyncUnauthorized, "token expired")).Once()

	_, err := f.workflow.RequestUpgrade(context.Background(), "p-1", testShop())
	assert.True(t, auth.IsKind(err, auth.KindSyncUnauthorized))
	assert.Equal(t, auth.StateAnonymous, f.sessions.State())
	assert.False(t, f.resolver.State().Authenticated)
}

func TestRequestUpgradeUnauthorizedSparesNewerSession(t *testing.T) {
	f := newUpgradeFixture(t, customerProfile("p-1"))
	ctx := context.Background()

	f.api.On("Me", mock.Anything, "tok-1").Return(customerProfile("p-1"), nil).Once()
	f.api.On("Me", mock.Anything, "tok-2").Return(customerProfile("p-2"), nil).Once()
	f.api.On("RequestMerchant", mock.Anything, "tok-1", mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, f.sessions.SignOut(ctx))
			f.signIn(t, "id-2", "tok-2")
		}).
		Return(nil, auth.NewError(auth.KindSyncUnauthorized, "token expired")).Once()

	_, err := f.workflow.RequestUpgrade(ctx, "p-1", testShop())
	assert.True(t, auth.IsKind(err, auth.KindSyncUnauthorized))

	current := f.sessions.Current()
	require.NotNil(t, current)
	assert.Equal(t, "id-2", current.IdentityID)
	f.sync.Wait()
	assert.True(t, f.resolver.State().Authenticated)
}

func TestCanRequestUpgrade(t *testing.T) {
	f := newUpgradeFixture(t, customerProfile("p-1"))

	f.api.On("Me", mock.Anything, "tok-1").Return(customerProfile("p-1"), nil).Once()
	ok, err := f.workflow.CanRequestUpgrade(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	f.api.On("Me", mock.Anything, "tok-1").Return(pendingMerchant("p-1"), nil).Once()
	ok, err = f.workflow.CanRequestUpgrade(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApproveRequiresAdmin(t *testing.T) {
	f := newUpgradeFixture(t, customerProfile("p-1"))

	_, err := f.workflow.Approve(context.Background(), "p-2")
	assert.True(t, auth.IsKind(err, auth.KindWorkflowUnauthorized))
	_, err = f.workflow.Reject(context.Background(), "p-2")
	assert.True(t, auth.IsKind(err, auth.KindWorkflowUnauthorized))

	f.api.AssertNotCalled(t, "ApproveMerchant", mock.Anything, mock.Anything, mock.Anything)
	f.api.AssertNotCalled(t, "RejectMerchant", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []auth.NotificationLevel{auth.NotifyError, auth.NotifyError}, f.notes.Levels())
}

func TestAdminDecisions(t *testing.T) {
	f := newUpgradeFixture(t, adminProfile("admin-1"))
	ctx := context.Background()

	approved := pendingMerchant("p-2")
	approved.Role = auth.RoleMerchant
	approved.Status = auth.StatusActive
	approved.RoleRequest = auth.RoleRequest{Status: auth.RequestNone}
	f.api.On("ApproveMerchant", mock.Anything, "tok-1", "p-2").Return(approved, nil).Once()

	profile, err := f.workflow.Approve(ctx, "p-2")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleMerchant, profile.Role)
	assert.NoError(t, profile.CheckInvariants())

	rejected := pendingMerchant("p-3")
	rejected.Status = auth.StatusActive
	rejected.RoleRequest = auth.RoleRequest{Status: auth.RequestNone}
	f.api.On("RejectMerchant", mock.Anything, "tok-1", "p-3").Return(rejected, nil).Once()

	profile, err = f.workflow.Reject(ctx, "p-3")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleCustomer, profile.Role)
	assert.NotNil(t, profile.ShopDetails, "rejection keeps the shop")

	f.api.On("ApproveMerchant", mock.Anything, "tok-1", "p-4").
		Return(nil, auth.NewError(auth.KindNotPending, "no pending merchant request")).Once()
	_, err = f.workflow.Approve(ctx, "p-4")
	assert.True(t, auth.IsKind(err, auth.KindNotPending))
	assert.Equal(t, auth.StateAuthenticated, f.sessions.State())
}
