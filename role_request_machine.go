package auth

import (
	"context"
	"time"
)

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor   ActorRef
	Profile *Profile
	From    RoleRequestStatus
	To      RoleRequestStatus
	Meta    TransitionMetadata
}

// TransitionHook is executed before or after a transition.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionHookPhase identifies whether a hook ran before or after persistence.
type TransitionHookPhase string

const (
	HookPhaseBefore TransitionHookPhase = "before_transition"
	HookPhaseAfter  TransitionHookPhase = "after_transition"
)

// HookErrorHandler handles errors surfaced by transition hooks.
type HookErrorHandler func(ctx context.Context, phase TransitionHookPhase, err error, tc TransitionContext) error

// RoleRequestStore persists the profile produced by a role request
// transition.
type RoleRequestStore interface {
	UpdateRoleRequest(ctx context.Context, profile *Profile) (*Profile, error)
}

// RoleRequestMachine moves a profile's merchant upgrade request through
// none -> pending -> {approved, rejected}. Decisions are normalized back to
// none as soon as they are applied:
//   - approved: role merchant, status active
//   - rejected: role customer, status active, shop details kept
type RoleRequestMachine interface {
	Transition(ctx context.Context, actor ActorRef, profile *Profile, target RoleRequestStatus, opts ...TransitionOption) (*Profile, error)
	CurrentStatus(profile *Profile) RoleRequestStatus
}

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*roleRequestMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *roleRequestMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish role request events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *roleRequestMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineHookErrorHandler overrides how hook failures are propagated.
func WithStateMachineHookErrorHandler(handler HookErrorHandler) StateMachineOption {
	return func(sm *roleRequestMachine) {
		if handler != nil {
			sm.hookErrorHandler = handler
		}
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *roleRequestMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// WithRequestShop sets the shop snapshot submitted with an upgrade request.
func WithRequestShop(shop ShopDetails) TransitionOption {
	return func(opts *transitionOptions) {
		opts.shop = &shop
	}
}

// WithBeforeTransitionHook adds a hook executed before the update is persisted.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the update succeeds.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// NewRoleRequestMachine returns the default implementation backed by store.
func NewRoleRequestMachine(store RoleRequestStore, opts ...StateMachineOption) RoleRequestMachine {
	sm := &roleRequestMachine{
		store: store,
		transitions: map[RoleRequestStatus]map[RoleRequestStatus]struct{}{
			RequestNone: {
				RequestPending: {},
			},
			RequestRejected: {
				RequestPending: {},
			},
			RequestPending: {
				RequestApproved: {},
				RequestRejected: {},
			},
		},
		now:          time.Now,
		activitySink: noopActivitySink{},
		logger:       defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type roleRequestMachine struct {
	store            RoleRequestStore
	transitions      map[RoleRequestStatus]map[RoleRequestStatus]struct{}
	now              func() time.Time
	activitySink     ActivitySink
	logger           Logger
	hookErrorHandler HookErrorHandler
}

type transitionOptions struct {
	metadata    TransitionMetadata
	shop        *ShopDetails
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

func (o *transitionOptions) cloneMetadata() TransitionMetadata {
	var cloned map[string]any
	if len(o.metadata.Metadata) > 0 {
		cloned = make(map[string]any, len(o.metadata.Metadata))
		for k, v := range o.metadata.Metadata {
			cloned[k] = v
		}
	}

	return TransitionMetadata{
		Reason:   o.metadata.Reason,
		Metadata: cloned,
	}
}

func (sm *roleRequestMachine) CurrentStatus(profile *Profile) RoleRequestStatus {
	if profile == nil {
		return ""
	}
	profile.EnsureDefaults()
	return profile.RoleRequest.Status
}

func (sm *roleRequestMachine) Transition(ctx context.Context, actor ActorRef, profile *Profile, target RoleRequestStatus, opts ...TransitionOption) (*Profile, error) {
	if profile == nil {
		return nil, NewError(KindInvalidTransition, "profile is nil").
			WithMetadata(map[string]any{"target": target})
	}

	from := sm.CurrentStatus(profile)

	if target == RequestApproved && isApprovedMerchant(profile) {
		return profile, nil
	}

	if !sm.canTransition(from, target) {
		return nil, sm.transitionError(profile, from, target)
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	next, err := sm.apply(profile, target, options)
	if err != nil {
		return nil, err
	}

	tc := TransitionContext{
		Actor:   actor,
		Profile: next,
		From:    from,
		To:      target,
		Meta:    options.cloneMetadata(),
	}

	if err := sm.runHooks(ctx, options.beforeHooks, tc, HookPhaseBefore); err != nil {
		return nil, err
	}

	if sm.store != nil {
		updated, err := sm.store.UpdateRoleRequest(ctx, next)
		if err != nil {
			return nil, err
		}
		if updated != nil {
			next = updated
			tc.Profile = updated
		}
	}

	if err := sm.runHooks(ctx, options.afterHooks, tc, HookPhaseAfter); err != nil {
		return nil, err
	}

	recordActivity(ctx, sm.activitySink, sm.logger, ActivityEvent{
		EventType:  ActivityEventRoleRequestChanged,
		Actor:      actor,
		ProfileID:  next.ID,
		FromStatus: from,
		ToStatus:   target,
		Metadata:   sm.transitionMetadata(tc.Meta, next),
		OccurredAt: sm.now(),
	})

	return next, nil
}

// apply computes the resulting profile on a copy of p.
func (sm *roleRequestMachine) apply(p *Profile, target RoleRequestStatus, opts *transitionOptions) (*Profile, error) {
	next := p.Clone()
	now := sm.now()

	switch target {
	case RequestPending:
		if next.Role != RoleCustomer {
			return nil, NewError(KindInvalidTransition, "only customers can request a merchant upgrade").
				WithMetadata(map[string]any{"profile_id": p.ID, "role": p.Role})
		}
		if opts.shop != nil {
			shop := *opts.shop
			next.ShopDetails = &shop
		}
		if !next.ShopDetails.IsComplete() {
			return nil, NewError(KindMissingShopField, "shop details are incomplete").
				WithMetadata(map[string]any{"profile_id": p.ID})
		}
		next.Status = StatusPending
		next.RoleRequest = RoleRequest{Status: RequestPending, RequestedAt: &now}

	case RequestApproved:
		if !next.ShopDetails.IsComplete() {
			return nil, NewError(KindMissingShopField, "cannot approve a merchant without shop details").
				WithMetadata(map[string]any{"profile_id": p.ID})
		}
		next.Role = RoleMerchant
		next.Status = StatusActive
		next.RoleRequest = RoleRequest{Status: RequestNone}

	case RequestRejected:
		next.Role = RoleCustomer
		next.Status = StatusActive
		next.RoleRequest = RoleRequest{Status: RequestNone}
	}

	next.Provisional = false
	next.UpdatedAt = &now
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}
	return next, nil
}

func (sm *roleRequestMachine) canTransition(from, to RoleRequestStatus) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (sm *roleRequestMachine) transitionError(p *Profile, from, to RoleRequestStatus) error {
	meta := map[string]any{
		"profile_id": p.ID,
		"from":       from,
		"to":         to,
	}
	switch {
	case to == RequestPending && from == RequestPending:
		return NewError(KindDuplicatePending, "a merchant request is already pending").WithMetadata(meta)
	case to == RequestApproved || to == RequestRejected:
		return NewError(KindNotPending, "no pending merchant request").WithMetadata(meta)
	default:
		return NewError(KindInvalidTransition, "invalid role request transition").WithMetadata(meta)
	}
}

func (sm *roleRequestMachine) runHooks(ctx context.Context, hooks []TransitionHook, data TransitionContext, phase TransitionHookPhase) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, data); err != nil {
			if sm.hookErrorHandler == nil {
				sm.logger.Error("role request %s hook failed for profile %s: %v", phase, data.Profile.ID, err)
				return err
			}
			return sm.hookErrorHandler(ctx, phase, err, data)
		}
	}
	return nil
}

func (sm *roleRequestMachine) transitionMetadata(meta TransitionMetadata, p *Profile) map[string]any {
	result := map[string]any{
		"role":   p.Role,
		"status": p.Status,
	}
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	for k, v := range meta.Metadata {
		result[k] = v
	}
	return result
}

func isApprovedMerchant(p *Profile) bool {
	return p.IsMerchant() && p.IsActive() && !p.HasOpenRequest()
}
