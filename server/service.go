package server

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	auth "github.com/goliatone/go-market-auth"
	"github.com/goliatone/go-market-auth/repository"
	repo "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// anonymousIdentityPrefix marks profiles created by an unauthenticated
// add-user call. The first authenticated caller with the same email
// claims them.
const anonymousIdentityPrefix = "email:"

// ProfileService implements the backend profile operations on top of the
// profile repository. Every operation runs in a single transaction.
type ProfileService struct {
	repo         repository.Manager
	logger       auth.Logger
	activitySink auth.ActivitySink
	adminEmails  map[string]struct{}
	phoneRegion  string
	now          func() time.Time
}

// ServiceOption customizes ProfileService construction.
type ServiceOption func(*ProfileService)

// WithServiceLogger sets the logger
func WithServiceLogger(logger auth.Logger) ServiceOption {
	return func(s *ProfileService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServiceActivitySink receives role request transitions.
func WithServiceActivitySink(sink auth.ActivitySink) ServiceOption {
	return func(s *ProfileService) {
		s.activitySink = sink
	}
}

// WithAdminEmails lists the emails that get the admin role when their
// profile is first created.
func WithAdminEmails(emails ...string) ServiceOption {
	return func(s *ProfileService) {
		for _, email := range emails {
			email = strings.ToLower(strings.TrimSpace(email))
			if email != "" {
				s.adminEmails[email] = struct{}{}
			}
		}
	}
}

// WithServicePhoneRegion enables phone checks and normalisation for region.
func WithServicePhoneRegion(region string) ServiceOption {
	return func(s *ProfileService) {
		s.phoneRegion = region
	}
}

// WithServiceClock injects a custom clock (useful for tests).
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *ProfileService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewProfileService returns a service backed by mgr.
func NewProfileService(mgr repository.Manager, opts ...ServiceOption) *ProfileService {
	s := &ProfileService{
		repo:        mgr,
		logger:      auth.DefaultLogger(),
		adminEmails: map[string]struct{}{},
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AddUser creates the caller's profile from the signup payload, or claims
// an existing one. A provisional profile created by Me takes the payload;
// any other existing profile only has its login count incremented. caller
// may be nil, in which case the profile is keyed by email until claimed.
func (s *ProfileService) AddUser(ctx context.Context, caller *auth.IdentityClaims, payload auth.AddUserPayload) (*auth.Profile, error) {
	if err := s.validateAddUser(payload); err != nil {
		return nil, err
	}

	identityID := anonymousIdentityPrefix + strings.ToLower(strings.TrimSpace(payload.Email))
	if caller != nil {
		identityID = caller.IdentityID()
	}

	var out *auth.Profile
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := s.lookup(ctx, tx, identityID, payload.Email)
		if err != nil {
			return err
		}

		if existing == nil {
			profile := s.signupProfile(identityID, payload)
			out, err = s.repo.Profiles().CreateTx(ctx, tx, profile)
			if err == nil {
				return nil
			}
			// a concurrent Me may have created the default profile first
			if existing, _ = s.repo.Profiles().FindByIdentityTx(ctx, tx, identityID); existing == nil {
				return err
			}
		}

		if existing.Provisional {
			next := s.signupProfile(identityID, payload)
			next.ID = existing.ID
			next.CreatedAt = existing.CreatedAt
			if existing.Role == auth.RoleAdmin {
				next.Role, next.Status = auth.RoleAdmin, auth.StatusActive
				next.RoleRequest = auth.RoleRequest{Status: auth.RequestNone}
			}
			out, err = s.repo.Profiles().UpdateTx(ctx, tx, next)
			return err
		}

		next := existing.Clone()
		next.IdentityID = identityID
		next.LoginCount++
		out, err = s.repo.Profiles().UpdateTx(ctx, tx, next)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Me returns the caller's profile, creating a default customer profile
// when the caller has none. Repeated calls return the same record.
func (s *ProfileService) Me(ctx context.Context, caller *auth.IdentityClaims) (*auth.Profile, error) {
	if caller == nil {
		return nil, auth.ErrNoSession
	}

	var out *auth.Profile
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		out, err = s.findOrCreate(ctx, tx, caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateProfile applies the non nil fields of payload to the caller's
// profile. Role, status and the role request are never touched.
func (s *ProfileService) UpdateProfile(ctx context.Context, caller *auth.IdentityClaims, payload auth.UpdateProfilePayload) (*auth.Profile, error) {
	if caller == nil {
		return nil, auth.ErrNoSession
	}
	if err := s.validateUpdate(payload); err != nil {
		return nil, err
	}

	var out *auth.Profile
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.findOrCreate(ctx, tx, caller)
		if err != nil {
			return err
		}

		next := current.Clone()
		if payload.Name != nil {
			next.Name = strings.TrimSpace(*payload.Name)
		}
		if payload.Phone != nil {
			next.Phone = auth.NormalizePhone(*payload.Phone, s.phoneRegion)
		}
		if payload.Avatar != nil {
			next.Avatar = *payload.Avatar
		}
		if payload.District != nil {
			next.District = *payload.District
		}
		if payload.Upazila != nil {
			next.Upazila = *payload.Upazila
		}
		if payload.ShopDetails != nil {
			shop := *payload.ShopDetails
			next.ShopDetails = &shop
		}

		out, err = s.repo.Profiles().UpdateTx(ctx, tx, next)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestMerchant opens a merchant upgrade request for the caller.
func (s *ProfileService) RequestMerchant(ctx context.Context, caller *auth.IdentityClaims, payload auth.MerchantRequestPayload) (*auth.Profile, error) {
	if caller == nil {
		return nil, auth.ErrNoSession
	}
	if err := auth.ValidateShop(payload.ShopDetails); err != nil {
		return nil, err
	}

	var out *auth.Profile
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.findOrCreate(ctx, tx, caller)
		if err != nil {
			return err
		}
		if payload.ProfileID != "" && payload.ProfileID != current.ID {
			return auth.NewError(auth.KindWorkflowUnauthorized, "cannot request an upgrade for another profile").
				WithMetadata(map[string]any{"profile_id": payload.ProfileID})
		}

		out, err = s.machine(tx).Transition(ctx, actorOf(current), current, auth.RequestPending,
			auth.WithRequestShop(payload.ShopDetails),
			auth.WithTransitionReason("merchant upgrade requested"),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveMerchant grants the merchant role to profileID. Admin only.
func (s *ProfileService) ApproveMerchant(ctx context.Context, caller *auth.IdentityClaims, profileID string) (*auth.Profile, error) {
	return s.decide(ctx, caller, profileID, auth.RequestApproved)
}

// RejectMerchant turns profileID back into an active customer. Admin only.
func (s *ProfileService) RejectMerchant(ctx context.Context, caller *auth.IdentityClaims, profileID string) (*auth.Profile, error) {
	return s.decide(ctx, caller, profileID, auth.RequestRejected)
}

func (s *ProfileService) decide(ctx context.Context, caller *auth.IdentityClaims, profileID string, target auth.RoleRequestStatus) (*auth.Profile, error) {
	if caller == nil {
		return nil, auth.ErrNoSession
	}

	var out *auth.Profile
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		admin, err := s.findOrCreate(ctx, tx, caller)
		if err != nil {
			return err
		}
		if !admin.IsAdmin() || !admin.IsActive() {
			s.logger.Warn("merchant %s by non admin %s denied", target, caller.IdentityID())
			return auth.NewError(auth.KindWorkflowUnauthorized, "only admins can decide merchant requests").
				WithMetadata(map[string]any{"profile_id": profileID})
		}

		current, err := s.repo.Profiles().FindByIDTx(ctx, tx, profileID)
		if err != nil {
			if repo.IsRecordNotFound(err) {
				return auth.NewError(auth.KindProfileNotFound, "profile not found").
					WithMetadata(map[string]any{"profile_id": profileID})
			}
			return err
		}

		out, err = s.machine(tx).Transition(ctx, actorOf(admin), current, target,
			auth.WithTransitionMetadata(map[string]any{"decided_by": admin.ID}),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProfileService) machine(tx bun.IDB) auth.RoleRequestMachine {
	return auth.NewRoleRequestMachine(s.repo.Profiles().InTx(tx),
		auth.WithStateMachineClock(s.now),
		auth.WithStateMachineActivitySink(s.activitySink),
		auth.WithStateMachineLogger(s.logger),
	)
}

// findOrCreate resolves the caller's profile by identity, then by an
// unclaimed email keyed profile, and finally creates a default one.
func (s *ProfileService) findOrCreate(ctx context.Context, tx bun.Tx, caller *auth.IdentityClaims) (*auth.Profile, error) {
	existing, err := s.lookup(ctx, tx, caller.IdentityID(), caller.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.IdentityID == caller.IdentityID() {
			return existing, nil
		}
		claimed := existing.Clone()
		claimed.IdentityID = caller.IdentityID()
		return s.repo.Profiles().UpdateTx(ctx, tx, claimed)
	}

	profile := &auth.Profile{
		IdentityID: caller.IdentityID(),
		Name:       caller.Name,
		Email:      caller.Email,
		Role:        auth.RoleCustomer,
		Status:      auth.StatusActive,
		Provisional: true,
	}
	s.elevate(profile)

	created, err := s.repo.Profiles().CreateTx(ctx, tx, profile)
	if err != nil {
		if again, ferr := s.repo.Profiles().FindByIdentityTx(ctx, tx, caller.IdentityID()); ferr == nil {
			return again, nil
		}
		return nil, err
	}
	s.logger.Info("created default profile %s for identity %s", created.ID, created.IdentityID)
	return created, nil
}

// lookup returns the profile bound to identityID or, failing that, an
// anonymous profile created for email. It returns nil when neither exists.
func (s *ProfileService) lookup(ctx context.Context, tx bun.IDB, identityID, email string) (*auth.Profile, error) {
	found, err := s.repo.Profiles().FindByIdentityTx(ctx, tx, identityID)
	if err == nil {
		return found, nil
	}
	if !repo.IsRecordNotFound(err) {
		return nil, err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}

	found, err = s.repo.Profiles().FindByIdentityTx(ctx, tx, anonymousIdentityPrefix+email)
	if err == nil {
		return found, nil
	}
	if !repo.IsRecordNotFound(err) {
		return nil, err
	}
	return nil, nil
}

// signupProfile derives the stored profile of a signup payload. Role and
// status are decided here, never taken from the client as is.
func (s *ProfileService) signupProfile(identityID string, payload auth.AddUserPayload) *auth.Profile {
	profile := &auth.Profile{
		IdentityID: identityID,
		Name:       strings.TrimSpace(payload.Name),
		Email:      payload.Email,
		Phone:      auth.NormalizePhone(payload.Phone, s.phoneRegion),
		District:   payload.District,
		Upazila:    payload.Upazila,
		Role:       auth.RoleCustomer,
		Status:     auth.StatusActive,
		LoginCount: 1,
	}

	if payload.Role == auth.RoleMerchant {
		now := s.now()
		shop := *payload.ShopDetails
		profile.Role = auth.RoleMerchant
		profile.Status = auth.StatusPending
		profile.ShopDetails = &shop
		profile.RoleRequest = auth.RoleRequest{Status: auth.RequestPending, RequestedAt: &now}
	}

	s.elevate(profile)
	return profile
}

func (s *ProfileService) elevate(profile *auth.Profile) {
	if _, ok := s.adminEmails[strings.ToLower(strings.TrimSpace(profile.Email))]; !ok {
		return
	}
	profile.Role = auth.RoleAdmin
	profile.Status = auth.StatusActive
	profile.RoleRequest = auth.RoleRequest{Status: auth.RequestNone}
}

func (s *ProfileService) validateAddUser(payload auth.AddUserPayload) error {
	err := validation.ValidateStruct(&payload,
		validation.Field(&payload.Email, validation.Required, is.Email),
		validation.Field(&payload.Role, validation.In(auth.RoleNone, auth.RoleCustomer, auth.RoleMerchant)),
	)
	if err != nil {
		return auth.ValidationError(auth.KindMissingField, "signup payload is invalid", err)
	}

	if payload.Phone != "" && s.phoneRegion != "" {
		if err := auth.ValidatePhone(s.phoneRegion)(payload.Phone); err != nil {
			return auth.ValidationError(auth.KindInvalidPhone, "phone number is not valid", validation.Errors{"phone": err})
		}
	}

	if payload.Role == auth.RoleMerchant {
		if payload.ShopDetails == nil {
			return auth.NewError(auth.KindMissingShopField, "shop details are required for merchants")
		}
		return auth.ValidateShop(*payload.ShopDetails)
	}
	return nil
}

func (s *ProfileService) validateUpdate(payload auth.UpdateProfilePayload) error {
	if payload.Name != nil && strings.TrimSpace(*payload.Name) == "" {
		return auth.ValidationError(auth.KindMissingField, "name cannot be empty",
			validation.Errors{"name": errors.New("cannot be blank")})
	}
	if payload.Phone != nil && s.phoneRegion != "" {
		if err := auth.ValidatePhone(s.phoneRegion)(*payload.Phone); err != nil {
			return auth.ValidationError(auth.KindInvalidPhone, "phone number is not valid", validation.Errors{"phone": err})
		}
	}
	if payload.ShopDetails != nil {
		return auth.ValidateShop(*payload.ShopDetails)
	}
	return nil
}

func actorOf(p *auth.Profile) auth.ActorRef {
	return auth.ActorRef{ID: p.ID, Type: "user"}
}
