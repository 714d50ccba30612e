package auth_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	auth "github.com/goliatone/go-market-auth"
	"github.com/stretchr/testify/mock"
)

// MockIdentityProvider implements auth.IdentityProvider. The change stream
// and SignOut are handled outside testify so tests can drive them directly.
type MockIdentityProvider struct {
	mock.Mock

	mu       sync.Mutex
	listener func(*auth.IdentityCredentials)
	signOuts atomic.Int32
	// OnSignOut, when set, runs inside SignOut before it returns.
	OnSignOut func()
}

func (m *MockIdentityProvider) SignInWithEmail(ctx context.Context, email, password string) (*auth.IdentityCredentials, error) {
	args := m.Called(ctx, email, password)
	creds, _ := args.Get(0).(*auth.IdentityCredentials)
	return creds, args.Error(1)
}

func (m *MockIdentityProvider) SignInWithProvider(ctx context.Context, provider string) (*auth.IdentityCredentials, error) {
	args := m.Called(ctx, provider)
	creds, _ := args.Get(0).(*auth.IdentityCredentials)
	return creds, args.Error(1)
}

func (m *MockIdentityProvider) CreateAccount(ctx context.Context, email, password string) (*auth.IdentityCredentials, error) {
	args := m.Called(ctx, email, password)
	creds, _ := args.Get(0).(*auth.IdentityCredentials)
	return creds, args.Error(1)
}

func (m *MockIdentityProvider) UpdateDisplayName(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockIdentityProvider) Token(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockIdentityProvider) OnSessionChange(fn func(*auth.IdentityCredentials)) func() {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.listener = nil
		m.mu.Unlock()
	}
}

func (m *MockIdentityProvider) SignOut(ctx context.Context) error {
	if m.OnSignOut != nil {
		m.OnSignOut()
	}
	m.signOuts.Add(1)
	return nil
}

// Emit pushes a change stream notification.
func (m *MockIdentityProvider) Emit(creds *auth.IdentityCredentials) {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(creds)
	}
}

func (m *MockIdentityProvider) SignOuts() int {
	return int(m.signOuts.Load())
}

// MockProfileAPI implements auth.ProfileAPI
type MockProfileAPI struct {
	mock.Mock
}

func (m *MockProfileAPI) AddUser(ctx context.Context, token string, payload auth.AddUserPayload) (*auth.Profile, error) {
	args := m.Called(ctx, token, payload)
	return profileArg(args, 0), args.Error(1)
}

func (m *MockProfileAPI) Me(ctx context.Context, token string) (*auth.Profile, error) {
	args := m.Called(ctx, token)
	return profileArg(args, 0), args.Error(1)
}

func (m *MockProfileAPI) UpdateProfile(ctx context.Context, token string, payload auth.UpdateProfilePayload) (*auth.Profile, error) {
	args := m.Called(ctx, token, payload)
	return profileArg(args, 0), args.Error(1)
}

func (m *MockProfileAPI) RequestMerchant(ctx context.Context, token string, payload auth.MerchantRequestPayload) (*auth.Profile, error) {
	args := m.Called(ctx, token, payload)
	return profileArg(args, 0), args.Error(1)
}

func (m *MockProfileAPI) ApproveMerchant(ctx context.Context, token, profileID string) (*auth.Profile, error) {
	args := m.Called(ctx, token, profileID)
	return profileArg(args, 0), args.Error(1)
}

func (m *MockProfileAPI) RejectMerchant(ctx context.Context, token, profileID string) (*auth.Profile, error) {
	args := m.Called(ctx, token, profileID)
	return profileArg(args, 0), args.Error(1)
}

// profileArg returns a copy so callers never share the fixture.
func profileArg(args mock.Arguments, i int) *auth.Profile {
	p, _ := args.Get(i).(*auth.Profile)
	return p.Clone()
}

// MockRoleRequestStore implements auth.RoleRequestStore
type MockRoleRequestStore struct {
	mock.Mock
}

func (m *MockRoleRequestStore) UpdateRoleRequest(ctx context.Context, profile *auth.Profile) (*auth.Profile, error) {
	args := m.Called(ctx, profile)
	if fn, ok := args.Get(0).(func(*auth.Profile) *auth.Profile); ok {
		return fn(profile), args.Error(1)
	}
	p, _ := args.Get(0).(*auth.Profile)
	return p, args.Error(1)
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []auth.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n auth.Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) All() []auth.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.Notification(nil), r.items...)
}

func (r *recordingNotifier) Levels() []auth.NotificationLevel {
	var out []auth.NotificationLevel
	for _, n := range r.All() {
		out = append(out, n.Level)
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (r *recordingSink) Record(_ context.Context, e auth.ActivityEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) Types() []auth.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []auth.SessionEvent
}

func (l *eventLog) add(e auth.SessionEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []auth.SessionEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auth.SessionEventKind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func (l *eventLog) all() []auth.SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]auth.SessionEvent(nil), l.events...)
}

func creds(identityID, token string) *auth.IdentityCredentials {
	return &auth.IdentityCredentials{
		Token:      token,
		IdentityID: identityID,
		Email:      identityID + "@market.test",
		Provider:   "password",
		IssuedAt:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func customerProfile(id string) *auth.Profile {
	return &auth.Profile{
		ID:          id,
		IdentityID:  "identity-" + id,
		Name:        "Customer " + id,
		Email:       id + "@market.test",
		Role:        auth.RoleCustomer,
		Status:      auth.StatusActive,
		RoleRequest: auth.RoleRequest{Status: auth.RequestNone},
	}
}

func testShop() auth.ShopDetails {
	return auth.ShopDetails{
		ShopName:    "Rahim Store",
		ShopNumber:  "S-12",
		ShopAddress: "12 Market Road, Dhaka",
	}
}
