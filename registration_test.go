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

func validPersonal() auth.PersonalInfo {
	return auth.PersonalInfo{
		Name:            "Rahim Uddin",
		Email:           "Rahim@Market.test",
		Phone:           "01712345678",
		District:        "Dhaka",
		Upazila:         "Dhanmondi",
		Password:        "Secret1!",
		ConfirmPassword: "Secret1!",
		AcceptTerms:     true,
	}
}

func TestValidateDraft(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*auth.PersonalInfo)
		shop   *auth.ShopDetails
		kind   auth.ErrorKind
	}{
		{name: "valid customer"},
		{name: "valid merchant", shop: &auth.ShopDetails{ShopName: "A", ShopNumber: "1", ShopAddress: "B"}},
		{name: "missing name", mutate: func(p *auth.PersonalInfo) { p.Name = "" }, kind: auth.KindMissingField},
		{name: "bad email", mutate: func(p *auth.PersonalInfo) { p.Email = "rahim" }, kind: auth.KindMissingField},
		{name: "missing phone", mutate: func(p *auth.PersonalInfo) { p.Phone = "" }, kind: auth.KindMissingField},
		{name: "any non empty phone", mutate: func(p *auth.PersonalInfo) { p.Phone = "555-0100" }},
		{name: "minimal policy password", mutate: func(p *auth.PersonalInfo) { p.Password, p.ConfirmPassword = "Aa1!aa", "Aa1!aa" }},
		{name: "short password", mutate: func(p *auth.PersonalInfo) { p.Password, p.ConfirmPassword = "Ab1!", "Ab1!" }, kind: auth.KindPasswordPolicy},
		{name: "weak password", mutate: func(p *auth.PersonalInfo) { p.Password, p.ConfirmPassword = "secret12", "secret12" }, kind: auth.KindPasswordPolicy},
		{name: "mismatch", mutate: func(p *auth.PersonalInfo) { p.ConfirmPassword = "Secret2!" }, kind: auth.KindMismatch},
		{name: "terms", mutate: func(p *auth.PersonalInfo) { p.AcceptTerms = false }, kind: auth.KindTermsRequired},
		{name: "merchant without shop number", shop: &auth.ShopDetails{ShopName: "A", ShopAddress: "B"}, kind: auth.KindMissingShopField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPersonal()
			if tt.mutate != nil {
				tt.mutate(&p)
			}

			var draft auth.RegistrationDraft = auth.CustomerDraft{PersonalInfo: p}
			if tt.shop != nil {
				draft = auth.MerchantDraft{PersonalInfo: p, Shop: *tt.shop}
			}

			err := auth.ValidateDraft(draft)
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, auth.IsValidationError(err), "%v", err)
			assert.Equal(t, tt.kind, auth.KindOf(err))
		})
	}
}

func TestValidateDraftWithPhoneRegion(t *testing.T) {
	regional := auth.DraftValidator{PhoneRegion: auth.DefaultPhoneRegion}

	p := validPersonal()
	assert.NoError(t, regional.Validate(auth.CustomerDraft{PersonalInfo: p}))

	p.Phone = "12345"
	err := regional.Validate(auth.CustomerDraft{PersonalInfo: p})
	assert.True(t, auth.IsValidationError(err))
	assert.Equal(t, auth.KindInvalidPhone, auth.KindOf(err))

	assert.NoError(t, auth.ValidateDraft(auth.CustomerDraft{PersonalInfo: p}))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+8801712345678", auth.NormalizePhone("01712345678", "BD"))
	assert.Equal(t, "garbage", auth.NormalizePhone("garbage", "BD"))
	assert.Equal(t, "01712345678", auth.NormalizePhone("01712345678", ""))
}

type wizardFixture struct {
	*syncFixture
	wizard   *auth.RegistrationWizard
	paths    []string
	notifier *recordingNotifier
}

func newWizardFixture(t *testing.T) *wizardFixture {
	t.Helper()
	f := &wizardFixture{syncFixture: newSyncFixture(t), notifier: &recordingNotifier{}}
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	f.wizard = auth.NewRegistrationWizard(f.sessions, f.provider, f.api, f.sync,
		auth.WithRegistrationLogger(auth.NopLogger{}),
		auth.WithRegistrationNotifier(f.notifier),
		auth.WithRegistrationNavigator(auth.NavigatorFunc(func(path string) { f.paths = append(f.paths, path) })),
		auth.WithRegistrationClock(func() time.Time { return at }),
		auth.WithPhoneRegion(auth.DefaultPhoneRegion),
	)
	f.provider.On("Token", mock.Anything).Return("tok-1", nil).Maybe()
	return f
}

func TestWizardSteps(t *testing.T) {
	f := newWizardFixture(t)
	w := f.wizard

	assert.Equal(t, auth.StepPersonal, w.Step())
	_, err := w.Next()
	assert.True(t, auth.IsValidationError(err))

	require.NoError(t, w.ChooseRole(auth.RoleMerchant))
	assert.True(t, auth.IsKind(w.ChooseRole(auth.RoleAdmin), auth.KindWizardStep))

	w.SetPersonal(validPersonal())
	step, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, auth.StepShop, step)

	_, err = w.Next()
	assert.True(t, auth.IsKind(err, auth.KindMissingShopField))

	w.SetShop(testShop())
	step, err = w.Next()
	require.NoError(t, err)
	assert.Equal(t, auth.StepReady, step)

	_, err = w.Next()
	assert.True(t, auth.IsKind(err, auth.KindWizardStep))

	assert.Equal(t, auth.StepShop, w.Back())
	assert.Equal(t, auth.StepPersonal, w.Back())

	_, ok := w.Draft().(auth.MerchantDraft)
	assert.True(t, ok)

	require.NoError(t, w.ChooseRole(auth.RoleCustomer))
	step, err = w.Next()
	require.NoError(t, err)
	assert.Equal(t, auth.StepReady, step)
	assert.Equal(t, auth.StepPersonal, w.Back())

	w.Cancel()
	assert.Equal(t, auth.PersonalInfo{}, w.Draft().Personal())
}

func TestWizardSubmitMerchant(t *testing.T) {
	f := newWizardFixture(t)
	w := f.wizard

	require.NoError(t, w.ChooseRole(auth.RoleMerchant))
	w.SetPersonal(validPersonal())
	w.SetShop(testShop())

	created := creds("id-1", "tok-1")
	saved := &auth.Profile{
		ID:          "p-1",
		IdentityID:  "id-1",
		Name:        "Rahim Uddin",
		Email:       "rahim@market.test",
		Role:        auth.RoleMerchant,
		Status:      auth.StatusPending,
		ShopDetails: &auth.ShopDetails{ShopName: "Rahim Store", ShopNumber: "S-12", ShopAddress: "12 Market Road, Dhaka"},
		RoleRequest: auth.RoleRequest{Status: auth.RequestPending},
	}

	f.provider.On("CreateAccount", mock.Anything, "Rahim@Market.test", "Secret1!").Return(created, nil).Once()
	f.provider.On("UpdateDisplayName", mock.Anything, "Rahim Uddin").Return(nil).Once()
	f.api.On("Me", mock.Anything, "tok-1").Return(saved, nil).Maybe()
	f.api.On("AddUser", mock.Anything, "tok-1", mock.MatchedBy(func(p auth.AddUserPayload) bool {
		return p.Role == auth.RoleMerchant &&
			p.Status == auth.StatusPending &&
			p.Email == "rahim@market.test" &&
			p.Phone == "+8801712345678" &&
			p.LoginCount == 1 &&
			p.ShopDetails != nil && p.ShopDetails.ShopName == "Rahim Store" &&
			p.RoleRequest != nil && p.RoleRequest.Status == auth.RequestPending
	})).Return(saved, nil).Once()

	profile, err := w.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p-1", profile.ID)
	assert.Equal(t, []string{"/dashboard"}, f.paths)
	assert.False(t, w.NeedsProfileRetry())
	assert.Equal(t, auth.StepPersonal, w.Step())
	assert.Equal(t, auth.StateAuthenticated, f.sessions.State())

	f.sync.Wait()
	require.NotNil(t, f.sync.Profile())
	assert.Equal(t, auth.StatusPending, f.sync.Profile().Status)
	assert.Equal(t, []auth.NotificationLevel{auth.NotifySuccess}, f.notifier.Levels())

	f.provider.AssertExpectations(t)
}

func TestWizardProfileRetry(t *testing.T) {
	f := newWizardFixture(t)
	w := f.wizard
	w.SetPersonal(validPersonal())

	saved := customerProfile("p-1")
	f.provider.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything).Return(creds("id-1", "tok-1"), nil).Once()
	f.provider.On("UpdateDisplayName", mock.Anything, mock.Anything).Return(errors.New("quota")).Once()
	f.api.On("Me", mock.Anything, "tok-1").Return(saved, nil).Maybe()
	f.api.On("AddUser", mock.Anything, "tok-1", mock.Anything).Return(nil, auth.NewError(auth.KindSyncServerError, "boom")).Once()

	_, err := w.Submit(context.Background())
	assert.True(t, auth.IsKind(err, auth.KindSyncServerError), "display name failure is not fatal")
	assert.True(t, w.NeedsProfileRetry())
	assert.Empty(t, f.paths)

	_, err = w.Submit(context.Background())
	assert.ErrorIs(t, err, auth.ErrProfileRetryRequired)
	f.provider.AssertNumberOfCalls(t, "CreateAccount", 1)

	f.api.On("AddUser", mock.Anything, "tok-1", mock.MatchedBy(func(p auth.AddUserPayload) bool {
		return p.Role == auth.RoleCustomer && p.Status == auth.StatusActive && p.ShopDetails == nil
	})).Return(saved, nil).Once()

	profile, err := w.RetryProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p-1", profile.ID)
	assert.False(t, w.NeedsProfileRetry())
	assert.Equal(t, []string{"/dashboard"}, f.paths)

	_, err = w.RetryProfile(context.Background())
	assert.True(t, auth.IsKind(err, auth.KindNothingToRetry))
}

func TestWizardRetryNeedsSameSession(t *testing.T) {
	f := newWizardFixture(t)
	w := f.wizard
	w.SetPersonal(validPersonal())

	f.provider.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything).Return(creds("id-1", "tok-1"), nil).Once()
	f.provider.On("UpdateDisplayName", mock.Anything, mock.Anything).Return(nil).Once()
	f.api.On("Me", mock.Anything, "tok-1").Return(customerProfile("p-1"), nil).Maybe()
	f.api.On("AddUser", mock.Anything, "tok-1", mock.Anything).Return(nil, auth.NewError(auth.KindSyncNetwork, "offline")).Once()

	_, err := w.Submit(context.Background())
	require.Error(t, err)

	require.NoError(t, f.sessions.SignOut(context.Background()))
	_, err = w.RetryProfile(context.Background())
	assert.True(t, auth.IsKind(err, auth.KindNoSession))
	assert.True(t, w.NeedsProfileRetry())

	w.Cancel()
	assert.False(t, w.NeedsProfileRetry())
}

func TestWizardValidationNeverCallsProvider(t *testing.T) {
	f := newWizardFixture(t)
	w := f.wizard

	p := validPersonal()
	p.AcceptTerms = false
	w.SetPersonal(p)

	_, err := w.Submit(context.Background())
	assert.True(t, auth.IsKind(err, auth.KindTermsRequired))
	f.provider.AssertNotCalled(t, "CreateAccount", mock.Anything, mock.Anything, mock.Anything)
	f.api.AssertNotCalled(t, "AddUser", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, auth.StateAnonymous, f.sessions.State())
}

func TestWizardCreateAccountFailure(t *testing.T) {
	f := newWizardFixture(t)
	w := f.wizard
	w.SetPersonal(validPersonal())

	f.provider.On("CreateAccount", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, auth.NewError(auth.KindAlreadyExists, "email in use")).Once()

	_, err := w.Submit(context.Background())
	assert.True(t, auth.IsKind(err, auth.KindAlreadyExists))
	assert.False(t, w.NeedsProfileRetry())
	assert.Equal(t, []auth.NotificationLevel{auth.NotifyError}, f.notifier.Levels())
	assert.Equal(t, "Rahim Uddin", w.Draft().Personal().Name, "draft survives a failed submit")
}
