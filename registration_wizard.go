package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// WizardStep is a position in the registration stepper.
type WizardStep int

const (
	StepPersonal WizardStep = iota
	StepShop
	StepReady
)

func (s WizardStep) String() string {
	switch s {
	case StepPersonal:
		return "personal"
	case StepShop:
		return "shop"
	case StepReady:
		return "ready"
	default:
		return "unknown"
	}
}

// pendingProfile is an identity account whose profile upsert has not been
// confirmed by the backend yet.
type pendingProfile struct {
	identityID string
	payload    AddUserPayload
}

// RegistrationWizard collects a new user's data and drives account and
// profile creation. It only reads session and profile state; the session
// manager and the sync service remain their single writers.
type RegistrationWizard struct {
	sessions     *SessionManager
	identity     IdentityProvider
	api          ProfileAPI
	profiles     *ProfileSyncService
	logger       Logger
	notifier     Notifier
	navigator    Navigator
	activitySink ActivitySink
	validator    DraftValidator
	successPath  string
	now          func() time.Time

	mu         sync.Mutex
	step       WizardStep
	role       UserRole
	personal   PersonalInfo
	shop       ShopDetails
	submitting bool
	pending    *pendingProfile
}

// RegistrationOption customizes RegistrationWizard construction.
type RegistrationOption func(*RegistrationWizard)

// WithRegistrationLogger sets the logger
func WithRegistrationLogger(logger Logger) RegistrationOption {
	return func(w *RegistrationWizard) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithRegistrationNotifier sets the toast sink
func WithRegistrationNotifier(n Notifier) RegistrationOption {
	return func(w *RegistrationWizard) {
		w.notifier = normalizeNotifier(n)
	}
}

// WithRegistrationNavigator sets where the wizard sends the user on success
func WithRegistrationNavigator(n Navigator) RegistrationOption {
	return func(w *RegistrationWizard) {
		if n != nil {
			w.navigator = n
		}
	}
}

// WithRegistrationActivitySink sets the ActivitySink used for registration outcomes.
func WithRegistrationActivitySink(sink ActivitySink) RegistrationOption {
	return func(w *RegistrationWizard) {
		w.activitySink = normalizeActivitySink(sink)
	}
}

// WithPhoneRegion enables phone parsing and E.164 normalisation for region.
func WithPhoneRegion(region string) RegistrationOption {
	return func(w *RegistrationWizard) {
		w.validator.PhoneRegion = strings.ToUpper(strings.TrimSpace(region))
	}
}

// WithSuccessPath sets the route opened after a completed registration.
func WithSuccessPath(path string) RegistrationOption {
	return func(w *RegistrationWizard) {
		if path != "" {
			w.successPath = path
		}
	}
}

// WithRegistrationClock injects a custom clock (useful for tests).
func WithRegistrationClock(clock func() time.Time) RegistrationOption {
	return func(w *RegistrationWizard) {
		if clock != nil {
			w.now = clock
		}
	}
}

// NewRegistrationWizard opens an empty customer draft.
func NewRegistrationWizard(sessions *SessionManager, identity IdentityProvider, api ProfileAPI, profiles *ProfileSyncService, opts ...RegistrationOption) *RegistrationWizard {
	w := &RegistrationWizard{
		sessions:     sessions,
		identity:     identity,
		api:          api,
		profiles:     profiles,
		logger:       defLogger{},
		notifier:     noopNotifier{},
		navigator:    noopNavigator{},
		activitySink: noopActivitySink{},
		validator:    DraftValidator{},
		successPath:  "/dashboard",
		now:          time.Now,
		step:         StepPersonal,
		role:         RoleCustomer,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	return w
}

// Step returns the current stepper position
func (w *RegistrationWizard) Step() WizardStep {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

// SetPersonal replaces the personal fields of the draft
func (w *RegistrationWizard) SetPersonal(info PersonalInfo) {
	w.mu.Lock()
	w.personal = info
	w.mu.Unlock()
}

// SetShop replaces the shop fields of the draft
func (w *RegistrationWizard) SetShop(shop ShopDetails) {
	w.mu.Lock()
	w.shop = shop
	w.mu.Unlock()
}

// ChooseRole switches the draft branch. Only customer and merchant can be
// chosen at signup.
func (w *RegistrationWizard) ChooseRole(role UserRole) error {
	if role != RoleCustomer && role != RoleMerchant {
		return NewError(KindWizardStep, "role must be customer or merchant").
			WithMetadata(map[string]any{"role": role})
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.role = role
	if role == RoleCustomer && w.step == StepShop {
		w.step = StepPersonal
	}
	return nil
}

// Draft returns the tagged draft for the chosen role
func (w *RegistrationWizard) Draft() RegistrationDraft {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draftLocked()
}

func (w *RegistrationWizard) draftLocked() RegistrationDraft {
	if w.role == RoleMerchant {
		return MerchantDraft{PersonalInfo: w.personal, Shop: w.shop}
	}
	return CustomerDraft{PersonalInfo: w.personal}
}

// Next validates the current step and advances. Customers go straight from
// the personal step to ready; merchants pass through the shop step.
func (w *RegistrationWizard) Next() (WizardStep, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.step {
	case StepPersonal:
		if err := w.validator.Validate(CustomerDraft{PersonalInfo: w.personal}); err != nil {
			return w.step, err
		}
		if w.role == RoleMerchant {
			w.step = StepShop
		} else {
			w.step = StepReady
		}
	case StepShop:
		if err := ValidateShop(w.shop); err != nil {
			return w.step, err
		}
		w.step = StepReady
	case StepReady:
		return w.step, NewError(KindWizardStep, "registration is ready to submit")
	}

	return w.step, nil
}

// Back returns to the previous step
func (w *RegistrationWizard) Back() WizardStep {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.step {
	case StepShop:
		w.step = StepPersonal
	case StepReady:
		if w.role == RoleMerchant {
			w.step = StepShop
		} else {
			w.step = StepPersonal
		}
	}
	return w.step
}

// Cancel discards the draft and any outstanding profile retry. An identity
// created before a cancelled retry keeps its session; its profile is then
// created with defaults by the next sync.
func (w *RegistrationWizard) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.logger.Warn("registration cancelled with profile retry outstanding for identity %s", w.pending.identityID)
	}
	w.resetLocked()
	w.pending = nil
}

// NeedsProfileRetry reports whether the identity exists but the profile
// upsert still has to succeed
func (w *RegistrationWizard) NeedsProfileRetry() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

// Submit validates the draft, creates the identity account, sets its
// display name and upserts the profile, in that order. Validation failures
// never reach the network. Once the identity exists, Submit refuses to run
// again and returns ErrProfileRetryRequired; use RetryProfile.
func (w *RegistrationWizard) Submit(ctx context.Context) (*Profile, error) {
	w.mu.Lock()
	if w.pending != nil {
		w.mu.Unlock()
		return nil, ErrProfileRetryRequired
	}
	if w.submitting {
		w.mu.Unlock()
		return nil, NewError(KindWizardStep, "registration already in progress")
	}
	draft := w.draftLocked()
	w.submitting = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.submitting = false
		w.mu.Unlock()
	}()

	if err := w.validator.Validate(draft); err != nil {
		return nil, err
	}

	personal := draft.Personal()
	if w.identity == nil {
		return nil, NewError(KindIdentityNetwork, "identity provider not configured")
	}

	var creds *IdentityCredentials
	err := w.sessions.WaitProviderSignOut(ctx)
	if err == nil {
		creds, err = w.identity.CreateAccount(ctx, strings.TrimSpace(personal.Email), personal.Password)
	}
	if err == nil && (creds == nil || creds.Token == "" || creds.IdentityID == "") {
		err = NewError(KindIdentityNetwork, "identity provider returned no credentials")
	}
	if err != nil {
		err = normalizeIdentityError(err)
		w.logger.Error("registration create account failed: %v", err)
		notifyError(ctx, w.notifier, "Registration failed", err)
		w.recordFailure(ctx, draft, "create_account", err)
		return nil, err
	}

	if w.sessions.Adopt(creds) == nil {
		return nil, NewError(KindNoSession, "registration session could not be established")
	}

	if err := w.identity.UpdateDisplayName(ctx, strings.TrimSpace(personal.Name)); err != nil {
		w.logger.Warn("registration update display name failed: %v", err)
	}

	pending := &pendingProfile{
		identityID: creds.IdentityID,
		payload:    w.addUserPayload(draft),
	}

	w.mu.Lock()
	w.pending = pending
	w.mu.Unlock()

	return w.upsert(ctx, pending)
}

// RetryProfile re-runs only the profile upsert for the identity created by
// a previous Submit, using the current session token.
func (w *RegistrationWizard) RetryProfile(ctx context.Context) (*Profile, error) {
	w.mu.Lock()
	pending := w.pending
	if pending == nil {
		w.mu.Unlock()
		return nil, NewError(KindNothingToRetry, "no profile upsert to retry")
	}
	if w.submitting {
		w.mu.Unlock()
		return nil, NewError(KindWizardStep, "registration already in progress")
	}
	w.submitting = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.submitting = false
		w.mu.Unlock()
	}()

	return w.upsert(ctx, pending)
}

func (w *RegistrationWizard) upsert(ctx context.Context, pending *pendingProfile) (*Profile, error) {
	session := w.sessions.Current()
	if session == nil || session.IdentityID != pending.identityID {
		return nil, NewError(KindNoSession, "registration session is no longer active")
	}

	token, err := w.sessions.FreshToken(ctx)
	if err != nil {
		return nil, err
	}

	if w.api == nil {
		return nil, NewError(KindSyncServerError, "profile api not configured")
	}

	profile, err := w.api.AddUser(ctx, token, pending.payload)
	if err == nil && profile == nil {
		err = NewError(KindSyncServerError, "backend returned an empty profile")
	}
	if err != nil {
		err = normalizeSyncError(err)
		w.logger.Error("registration profile upsert for identity %s failed: %v", pending.identityID, err)
		notifyError(ctx, w.notifier, "Could not save your profile", err)
		w.recordFailure(ctx, nil, "add_user", err)
		return nil, err
	}

	w.mu.Lock()
	w.pending = nil
	w.resetLocked()
	w.mu.Unlock()

	w.notifier.Notify(ctx, Notification{
		Level:   NotifySuccess,
		Title:   "Registration complete",
		Message: "Welcome, " + pending.payload.Name,
	})
	recordActivity(ctx, w.activitySink, w.logger, ActivityEvent{
		EventType: ActivityEventRegistrationComplete,
		Actor:     ActorRef{ID: pending.identityID, Type: "user"},
		ProfileID: profile.ID,
		ToStatus:  profile.RoleRequest.Status,
		Metadata:  map[string]any{"role": pending.payload.Role},
	})

	w.navigator.Navigate(w.successPath)

	if w.profiles != nil {
		if _, err := w.profiles.Refresh(ctx); err != nil {
			w.logger.Warn("profile refresh after registration failed: %v", err)
		}
	}

	return profile, nil
}

func (w *RegistrationWizard) addUserPayload(draft RegistrationDraft) AddUserPayload {
	p := draft.Personal()
	payload := AddUserPayload{
		Name:       strings.TrimSpace(p.Name),
		Email:      strings.ToLower(strings.TrimSpace(p.Email)),
		Phone:      NormalizePhone(p.Phone, w.validator.PhoneRegion),
		District:   p.District,
		Upazila:    p.Upazila,
		Role:       RoleCustomer,
		Status:     StatusActive,
		LoginCount: 1,
	}

	if m, ok := draft.(MerchantDraft); ok {
		at := w.now()
		shop := m.Shop
		payload.Role = RoleMerchant
		payload.Status = StatusPending
		payload.ShopDetails = &shop
		payload.RoleRequest = &RoleRequest{Status: RequestPending, RequestedAt: &at}
	}

	return payload
}

func (w *RegistrationWizard) resetLocked() {
	w.step = StepPersonal
	w.role = RoleCustomer
	w.personal = PersonalInfo{}
	w.shop = ShopDetails{}
}

func (w *RegistrationWizard) recordFailure(ctx context.Context, draft RegistrationDraft, stage string, err error) {
	meta := map[string]any{"stage": stage, "error": err.Error()}
	if draft != nil {
		meta["role"] = draft.Role()
	}
	recordActivity(ctx, w.activitySink, w.logger, ActivityEvent{
		EventType: ActivityEventRegistrationFailure,
		Metadata:  meta,
	})
}
