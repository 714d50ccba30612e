package auth

import (
	"sort"
	"sync"
)

// RoleState is the derived authorization view of the current session.
// Role and Status are RoleNone/StatusNone while no confirmed profile is
// known.
type RoleState struct {
	Authenticated bool
	Role          UserRole
	Status        UserStatus
	Profile       *Profile
	RoleRequest   RoleRequest
	Loading       bool
	Err           error
	Generation    uint64
}

func anonymousRoleState() RoleState {
	return RoleState{}
}

func (s RoleState) clone() RoleState {
	s.Profile = s.Profile.Clone()
	return s
}

// RoleResolver derives RoleState from the session manager and the profile
// sync service. It never reports a role it has not seen confirmed by the
// backend for the current generation.
type RoleResolver struct {
	sessions *SessionManager
	profiles *ProfileSyncService
	logger   Logger

	mu    sync.RWMutex
	state RoleState

	subMu       sync.RWMutex
	subscribers map[int]func(RoleState)
	nextSubID   int

	unsubscribe func()
}

// RoleResolverOption customizes RoleResolver construction.
type RoleResolverOption func(*RoleResolver)

// WithResolverLogger sets the logger
func WithResolverLogger(logger Logger) RoleResolverOption {
	return func(r *RoleResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRoleResolver subscribes to profile sync events and seeds its state
// from the current cache.
func NewRoleResolver(sessions *SessionManager, profiles *ProfileSyncService, opts ...RoleResolverOption) *RoleResolver {
	r := &RoleResolver{
		sessions:    sessions,
		profiles:    profiles,
		logger:      defLogger{},
		state:       anonymousRoleState(),
		subscribers: map[int]func(RoleState){},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if session := sessions.Current(); session != nil {
		r.state = RoleState{
			Authenticated: true,
			Generation:    session.Generation,
			Loading:       true,
		}
		if profile := profiles.Profile(); profile != nil {
			r.state = confirmedState(session.Generation, profile)
		}
	}

	r.unsubscribe = profiles.Subscribe(r.onSyncEvent)
	return r
}

// Close stops observing the sync service
func (r *RoleResolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// State returns the current derived state. A state whose generation is no
// longer live collapses to the anonymous shape.
func (r *RoleResolver) State() RoleState {
	r.mu.RLock()
	state := r.state.clone()
	r.mu.RUnlock()

	if state.Authenticated && !r.sessions.IsCurrent(state.Generation) {
		return anonymousRoleState()
	}
	return state
}

// Subscribe registers fn for every state change. Callbacks run inside the
// sync event delivery and must not call back into the sync service.
func (r *RoleResolver) Subscribe(fn func(RoleState)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subscribers, id)
			r.subMu.Unlock()
		})
	}
}

func (r *RoleResolver) onSyncEvent(evt SyncEvent) {
	r.mu.Lock()
	prev := r.state
	next := reduceRoleState(prev, evt)
	r.state = next
	r.mu.Unlock()

	if next.Role != prev.Role || next.Status != prev.Status {
		r.logger.Debug("role state generation %d: %q/%q -> %q/%q", next.Generation, prev.Role, prev.Status, next.Role, next.Status)
	}

	r.publish(next.clone())
}

// reduceRoleState applies a sync event to the previous state.
func reduceRoleState(prev RoleState, evt SyncEvent) RoleState {
	switch evt.Phase {
	case SyncStarted:
		if prev.Authenticated && prev.Generation == evt.Generation {
			next := prev
			next.Loading = true
			next.Err = nil
			return next
		}
		return RoleState{
			Authenticated: true,
			Generation:    evt.Generation,
			Loading:       true,
		}

	case SyncSucceeded:
		return confirmedState(evt.Generation, evt.Profile)

	case SyncFailed:
		next := RoleState{
			Authenticated: true,
			Generation:    evt.Generation,
			Err:           evt.Err,
		}
		if prev.Authenticated && prev.Generation == evt.Generation {
			next.Role = prev.Role
			next.Status = prev.Status
			next.Profile = prev.Profile
			next.RoleRequest = prev.RoleRequest
		}
		return next

	case SyncCleared:
		return anonymousRoleState()
	}
	return prev
}

func confirmedState(gen uint64, profile *Profile) RoleState {
	if profile == nil {
		return RoleState{Authenticated: true, Generation: gen}
	}
	return RoleState{
		Authenticated: true,
		Role:          profile.Role,
		Status:        profile.Status,
		Profile:       profile.Clone(),
		RoleRequest:   profile.RoleRequest,
		Generation:    gen,
	}
}

func (r *RoleResolver) publish(state RoleState) {
	r.subMu.RLock()
	ids := make([]int, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(RoleState), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, r.subscribers[id])
	}
	r.subMu.RUnlock()

	for _, fn := range subs {
		fn(state)
	}
}
