package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	auth "github.com/goliatone/go-market-auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var machineNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func passthrough(p *auth.Profile) *auth.Profile { return p }

func newMachine(t *testing.T, opts ...auth.StateMachineOption) (auth.RoleRequestMachine, *MockRoleRequestStore, *recordingSink) {
	t.Helper()
	store := &MockRoleRequestStore{}
	sink := &recordingSink{}
	opts = append([]auth.StateMachineOption{
		auth.WithStateMachineClock(func() time.Time { return machineNow }),
		auth.WithStateMachineActivitySink(sink),
		auth.WithStateMachineLogger(auth.NopLogger{}),
	}, opts...)
	return auth.NewRoleRequestMachine(store, opts...), store, sink
}

func TestRoleRequestMachineRequest(t *testing.T) {
	sm, store, sink := newMachine(t)
	ctx := context.Background()
	actor := auth.ActorRef{ID: "p-1", Type: "user"}

	store.On("UpdateRoleRequest", mock.Anything, mock.Anything).Return(passthrough, nil).Once()

	profile := customerProfile("p-1")
	profile.Provisional = true
	next, err := sm.Transition(ctx, actor, profile, auth.RequestPending,
		auth.WithRequestShop(testShop()),
		auth.WithTransitionReason("wants to sell"),
	)
	require.NoError(t, err)
	assert.Equal(t, auth.StatusPending, next.Status)
	assert.Equal(t, auth.RoleCustomer, next.Role)
	assert.Equal(t, auth.RequestPending, next.RoleRequest.Status)
	require.NotNil(t, next.RoleRequest.RequestedAt)
	assert.Equal(t, machineNow, *next.RoleRequest.RequestedAt)
	assert.Equal(t, "Rahim Store", next.ShopDetails.ShopName)
	assert.False(t, next.Provisional, "a role request ends the provisional default")
	assert.NoError(t, next.CheckInvariants())

	assert.Equal(t, auth.RequestNone, profile.RoleRequest.Status, "input profile is not mutated")
	assert.Equal(t, []auth.ActivityEventType{auth.ActivityEventRoleRequestChanged}, sink.Types())

	_, err = sm.Transition(ctx, actor, next, auth.RequestPending, auth.WithRequestShop(testShop()))
	assert.True(t, auth.IsKind(err, auth.KindDuplicatePending))
}

func TestRoleRequestMachineDecisions(t *testing.T) {
	sm, store, _ := newMachine(t)
	ctx := context.Background()
	admin := auth.ActorRef{ID: "admin-1", Type: "admin"}

	store.On("UpdateRoleRequest", mock.Anything, mock.Anything).Return(passthrough, nil)

	pending := pendingMerchant("p-1")

	approved, err := sm.Transition(ctx, admin, pending, auth.RequestApproved)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleMerchant, approved.Role)
	assert.Equal(t, auth.StatusActive, approved.Status)
	assert.Equal(t, auth.RequestNone, approved.RoleRequest.Status)

	again, err := sm.Transition(ctx, admin, approved, auth.RequestApproved)
	require.NoError(t, err)
	assert.Same(t, approved, again, "approving an approved merchant is a no-op")

	rejected, err := sm.Transition(ctx, admin, pendingMerchant("p-2"), auth.RequestRejected)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleCustomer, rejected.Role)
	assert.Equal(t, auth.StatusActive, rejected.Status)
	assert.NotNil(t, rejected.ShopDetails)

	_, err = sm.Transition(ctx, admin, customerProfile("p-3"), auth.RequestRejected)
	assert.True(t, auth.IsKind(err, auth.KindNotPending))

	store.AssertNumberOfCalls(t, "UpdateRoleRequest", 2)
}

func TestRoleRequestMachineInvalid(t *testing.T) {
	sm, store, _ := newMachine(t)
	ctx := context.Background()
	actor := auth.ActorRef{ID: "p-1", Type: "user"}

	_, err := sm.Transition(ctx, actor, nil, auth.RequestPending)
	assert.True(t, auth.IsKind(err, auth.KindInvalidTransition))

	_, err = sm.Transition(ctx, actor, customerProfile("p-1"), auth.RequestPending)
	assert.True(t, auth.IsKind(err, auth.KindMissingShopField))

	merchant := customerProfile("p-1")
	merchant.Role = auth.RoleMerchant
	shop := testShop()
	merchant.ShopDetails = &shop
	_, err = sm.Transition(ctx, actor, merchant, auth.RequestPending)
	assert.True(t, auth.IsKind(err, auth.KindInvalidTransition))

	noShop := pendingMerchant("p-2")
	noShop.ShopDetails = nil
	_, err = sm.Transition(ctx, actor, noShop, auth.RequestApproved)
	assert.True(t, auth.IsKind(err, auth.KindMissingShopField))

	store.AssertNotCalled(t, "UpdateRoleRequest", mock.Anything, mock.Anything)
}

func TestRoleRequestMachineHooks(t *testing.T) {
	var phases []auth.TransitionHookPhase
	sm, store, _ := newMachine(t, auth.WithStateMachineHookErrorHandler(func(_ context.Context, phase auth.TransitionHookPhase, err error, _ auth.TransitionContext) error {
		phases = append(phases, phase)
		return err
	}))
	ctx := context.Background()
	admin := auth.ActorRef{ID: "admin-1", Type: "admin"}

	var seen []auth.TransitionContext
	hook := func(_ context.Context, tc auth.TransitionContext) error {
		seen = append(seen, tc)
		return nil
	}

	store.On("UpdateRoleRequest", mock.Anything, mock.Anything).Return(passthrough, nil).Once()
	_, err := sm.Transition(ctx, admin, pendingMerchant("p-1"), auth.RequestApproved,
		auth.WithBeforeTransitionHook(hook),
		auth.WithAfterTransitionHook(hook),
		auth.WithTransitionMetadata(map[string]any{"ticket": "T-1"}),
	)
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, auth.RequestPending, seen[0].From)
	assert.Equal(t, auth.RequestApproved, seen[0].To)
	assert.Equal(t, "T-1", seen[1].Meta.Metadata["ticket"])

	boom := errors.New("hook failed")
	_, err = sm.Transition(ctx, admin, pendingMerchant("p-2"), auth.RequestApproved,
		auth.WithBeforeTransitionHook(func(context.Context, auth.TransitionContext) error { return boom }),
	)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []auth.TransitionHookPhase{auth.HookPhaseBefore}, phases)
	store.AssertNumberOfCalls(t, "UpdateRoleRequest", 1)
}

func TestRoleRequestMachineStoreError(t *testing.T) {
	sm, store, sink := newMachine(t)

	store.On("UpdateRoleRequest", mock.Anything, mock.Anything).
		Return(nil, auth.NewError(auth.KindProfileNotFound, "profile not found")).Once()

	_, err := sm.Transition(context.Background(), auth.ActorRef{ID: "admin-1"}, pendingMerchant("p-1"), auth.RequestRejected)
	assert.True(t, auth.IsKind(err, auth.KindProfileNotFound))
	assert.Empty(t, sink.Types())
}

func TestRoleRequestMachineCurrentStatus(t *testing.T) {
	sm, _, _ := newMachine(t)
	assert.Equal(t, auth.RoleRequestStatus(""), sm.CurrentStatus(nil))
	assert.Equal(t, auth.RequestNone, sm.CurrentStatus(&auth.Profile{}))
}
