package auth

import (
	"context"
	"sync"
)

// MerchantUpgradeWorkflow lets a customer request the merchant role and an
// admin approve or reject it. It never changes role or status locally:
// every outcome is confirmed through the profile sync service.
type MerchantUpgradeWorkflow struct {
	sessions     *SessionManager
	api          ProfileAPI
	profiles     *ProfileSyncService
	resolver     *RoleResolver
	logger       Logger
	notifier     Notifier
	activitySink ActivitySink

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// UpgradeOption customizes MerchantUpgradeWorkflow construction.
type UpgradeOption func(*MerchantUpgradeWorkflow)

// WithUpgradeLogger sets the logger
func WithUpgradeLogger(logger Logger) UpgradeOption {
	return func(w *MerchantUpgradeWorkflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithUpgradeNotifier sets the toast sink
func WithUpgradeNotifier(n Notifier) UpgradeOption {
	return func(w *MerchantUpgradeWorkflow) {
		w.notifier = normalizeNotifier(n)
	}
}

// WithUpgradeActivitySink sets the ActivitySink used for rejected attempts.
func WithUpgradeActivitySink(sink ActivitySink) UpgradeOption {
	return func(w *MerchantUpgradeWorkflow) {
		w.activitySink = normalizeActivitySink(sink)
	}
}

// NewMerchantUpgradeWorkflow wires the workflow to the client core.
func NewMerchantUpgradeWorkflow(sessions *SessionManager, api ProfileAPI, profiles *ProfileSyncService, resolver *RoleResolver, opts ...UpgradeOption) *MerchantUpgradeWorkflow {
	w := &MerchantUpgradeWorkflow{
		sessions:     sessions,
		api:          api,
		profiles:     profiles,
		resolver:     resolver,
		logger:       defLogger{},
		notifier:     noopNotifier{},
		activitySink: noopActivitySink{},
		inFlight:     map[string]struct{}{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	return w
}

// CanRequestUpgrade re-reads the profile from the backend and reports
// whether a new upgrade request may be submitted.
func (w *MerchantUpgradeWorkflow) CanRequestUpgrade(ctx context.Context) (bool, error) {
	profile, err := w.profiles.Refresh(ctx)
	if err != nil {
		return false, err
	}
	return profile.CanRequestUpgrade(), nil
}

// RequestUpgrade submits a single upgrade request for profileID, then
// confirms the new state with a profile refresh. A pending request, known
// locally or reported by the backend, fails with DuplicatePending.
func (w *MerchantUpgradeWorkflow) RequestUpgrade(ctx context.Context, profileID string, shop ShopDetails) (*Profile, error) {
	if err := ValidateShop(shop); err != nil {
		return nil, err
	}

	if !w.begin(profileID) {
		return nil, NewError(KindDuplicatePending, "a merchant request is already being submitted").
			WithMetadata(map[string]any{"profile_id": profileID})
	}
	defer w.end(profileID)

	current, err := w.profiles.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	if current.ID != profileID {
		return nil, w.deny(ctx, current, "request_upgrade", NewError(KindWorkflowUnauthorized, "cannot request an upgrade for another profile"))
	}
	if current.HasOpenRequest() {
		return nil, NewError(KindDuplicatePending, "a merchant request is already pending").
			WithMetadata(map[string]any{"profile_id": profileID})
	}
	if !current.CanRequestUpgrade() {
		return nil, NewError(KindInvalidTransition, "profile cannot request a merchant upgrade").
			WithMetadata(map[string]any{"profile_id": profileID, "role": current.Role})
	}

	token, gen, err := w.sessions.FreshTokenGeneration(ctx)
	if err != nil {
		return nil, err
	}

	posted, err := w.api.RequestMerchant(ctx, token, MerchantRequestPayload{
		ProfileID:   profileID,
		Name:        current.Name,
		Email:       current.Email,
		Phone:       current.Phone,
		ShopDetails: shop,
	})
	if err != nil {
		err = w.normalize(ctx, gen, err)
		if IsKind(err, KindDuplicatePending) {
			if _, rerr := w.profiles.Refresh(ctx); rerr != nil {
				w.logger.Warn("profile refresh after duplicate merchant request failed: %v", rerr)
			}
		}
		return nil, err
	}

	confirmed, err := w.profiles.Refresh(ctx)
	if err != nil {
		w.logger.Warn("could not confirm merchant request for %s: %v", profileID, err)
		confirmed = posted
	}

	w.notifier.Notify(ctx, Notification{
		Level:   NotifySuccess,
		Title:   "Request submitted",
		Message: "Your merchant request is waiting for approval",
	})

	return confirmed, nil
}

// Approve grants the merchant role to a pending profile. Approving an
// already approved merchant is a no-op.
func (w *MerchantUpgradeWorkflow) Approve(ctx context.Context, profileID string) (*Profile, error) {
	return w.decide(ctx, "approve", profileID, w.api.ApproveMerchant)
}

// Reject turns a pending profile back into an active customer.
func (w *MerchantUpgradeWorkflow) Reject(ctx context.Context, profileID string) (*Profile, error) {
	return w.decide(ctx, "reject", profileID, w.api.RejectMerchant)
}

func (w *MerchantUpgradeWorkflow) decide(ctx context.Context, action, profileID string, call func(context.Context, string, string) (*Profile, error)) (*Profile, error) {
	state := w.resolver.State()
	if !state.Authenticated || state.Profile == nil || !state.Profile.IsAdmin() || !state.Profile.IsActive() {
		return nil, w.deny(ctx, state.Profile, action, NewError(KindWorkflowUnauthorized, "only admins can "+action+" merchant requests").
			WithMetadata(map[string]any{"profile_id": profileID, "role": state.Role}))
	}

	token, gen, err := w.sessions.FreshTokenGeneration(ctx)
	if err != nil {
		return nil, err
	}

	profile, err := call(ctx, token, profileID)
	if err != nil {
		err = w.normalize(ctx, gen, err)
		if IsKind(err, KindWorkflowUnauthorized) {
			return nil, w.deny(ctx, state.Profile, action, err)
		}
		w.logger.Error("%s merchant %s failed: %v", action, profileID, err)
		return nil, err
	}

	w.notifier.Notify(ctx, Notification{
		Level:   NotifySuccess,
		Title:   "Merchant request updated",
		Message: "Profile " + profileID + " is now " + profile.Role,
	})
	return profile, nil
}

// deny reports an unauthorized attempt and returns err.
func (w *MerchantUpgradeWorkflow) deny(ctx context.Context, actor *Profile, action string, err error) error {
	ref := ActorRef{Type: "user"}
	if actor != nil {
		ref.ID = actor.ID
	}
	w.logger.Warn("unauthorized merchant %s attempt by %q: %v", action, ref.ID, err)
	notifyError(ctx, w.notifier, "Not allowed", err)
	recordActivity(ctx, w.activitySink, w.logger, ActivityEvent{
		EventType: ActivityEventRoleRequestChanged,
		Actor:     ref,
		Metadata:  map[string]any{"action": action, "denied": true, "error": err.Error()},
	})
	return err
}

// normalize keeps workflow errors, expires the session of gen on
// unauthorized responses and folds the rest into the profile sync family.
func (w *MerchantUpgradeWorkflow) normalize(ctx context.Context, gen uint64, err error) error {
	if IsWorkflowError(err) || IsValidationError(err) {
		return err
	}
	err = normalizeSyncError(err)
	if IsKind(err, KindSyncUnauthorized) {
		w.sessions.Expire(ctx, gen, "backend rejected token")
		return err
	}
	notifyError(ctx, w.notifier, "Request failed", err)
	return err
}

func (w *MerchantUpgradeWorkflow) begin(profileID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inFlight[profileID]; ok {
		return false
	}
	w.inFlight[profileID] = struct{}{}
	return true
}

func (w *MerchantUpgradeWorkflow) end(profileID string) {
	w.mu.Lock()
	delete(w.inFlight, profileID)
	w.mu.Unlock()
}
