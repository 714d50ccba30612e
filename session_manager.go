package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SessionManager owns the current session. It is the only writer of
// session state; every other component observes it through Subscribe or
// the read accessors.
//
// Subscribers are invoked synchronously and in transition order. They must
// not call SignIn*, SignOut or Expire from inside the callback.
type SessionManager struct {
	provider       IdentityProvider
	logger         Logger
	activitySink   ActivitySink
	notifier       Notifier
	now            func() time.Time
	signOutTimeout time.Duration

	mu         sync.RWMutex
	state      SessionState
	session    *Session
	generation uint64
	epoch      uint64

	emitMu      sync.Mutex
	subMu       sync.RWMutex
	subscribers map[int]func(SessionEvent)
	nextSubID   int

	watchMu sync.Mutex
	unwatch func()
	bg      sync.WaitGroup

	// signOutDone is closed once the latest provider sign out returns.
	// Provider sign outs run in order and later provider calls wait on it.
	signOutMu   sync.Mutex
	signOutDone chan struct{}
}

// SessionManagerOption customizes SessionManager construction.
type SessionManagerOption func(*SessionManager)

// WithSessionLogger sets the logger
func WithSessionLogger(logger Logger) SessionManagerOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionActivitySink sets the ActivitySink used to publish session events.
func WithSessionActivitySink(sink ActivitySink) SessionManagerOption {
	return func(m *SessionManager) {
		m.activitySink = normalizeActivitySink(sink)
	}
}

// WithSessionNotifier sets the toast sink for sign in failures and expiry.
func WithSessionNotifier(n Notifier) SessionManagerOption {
	return func(m *SessionManager) {
		m.notifier = normalizeNotifier(n)
	}
}

// WithSessionClock injects a custom clock (useful for tests).
func WithSessionClock(clock func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithSignOutTimeout bounds the background provider sign out call.
func WithSignOutTimeout(d time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.signOutTimeout = d
		}
	}
}

// NewSessionManager returns a manager in the anonymous state. Generations
// start at 1.
func NewSessionManager(provider IdentityProvider, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		provider:       provider,
		logger:         defLogger{},
		activitySink:   noopActivitySink{},
		notifier:       noopNotifier{},
		now:            time.Now,
		signOutTimeout: 10 * time.Second,
		state:          StateAnonymous,
		generation:     1,
		subscribers:    map[int]func(SessionEvent){},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Start subscribes to the provider's change stream. Calling Start twice
// is a no-op. Providers may replay their current user synchronously.
func (m *SessionManager) Start() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.unwatch != nil || m.provider == nil {
		return
	}
	m.unwatch = m.provider.OnSessionChange(m.onProviderChange)
}

// Close stops watching the provider and waits for background sign outs.
func (m *SessionManager) Close() {
	m.watchMu.Lock()
	unwatch := m.unwatch
	m.unwatch = nil
	m.watchMu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	m.bg.Wait()
}

// State returns the current lifecycle state
func (m *SessionManager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Generation returns the current session generation counter
func (m *SessionManager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Current returns a copy of the current session, or nil while anonymous.
func (m *SessionManager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated {
		return nil
	}
	return m.session.clone()
}

// IsCurrent reports whether gen is the generation of a live session.
func (m *SessionManager) IsCurrent(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateAuthenticated && m.generation == gen
}

// Token returns the current bearer token or ErrNoSession.
func (m *SessionManager) Token() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated || m.session == nil {
		return "", NewError(KindNoSession, "no active session")
	}
	return m.session.Token, nil
}

// FreshToken asks the provider for its current token, applying a refresh
// when it changed. It falls back to the stored token when the provider
// cannot answer.
func (m *SessionManager) FreshToken(ctx context.Context) (string, error) {
	token, _, err := m.FreshTokenGeneration(ctx)
	return token, err
}

// FreshTokenGeneration is FreshToken that also returns the generation the
// token belongs to. Callers pass that generation to Expire when the token
// is rejected.
func (m *SessionManager) FreshTokenGeneration(ctx context.Context) (string, uint64, error) {
	m.mu.RLock()
	if m.state != StateAuthenticated || m.session == nil {
		m.mu.RUnlock()
		return "", 0, NewError(KindNoSession, "no active session")
	}
	current, gen := m.session.Token, m.generation
	m.mu.RUnlock()

	if m.provider == nil {
		return current, gen, nil
	}

	token, err := m.provider.Token(ctx)
	if err != nil || token == "" {
		if err != nil {
			m.logger.Debug("provider token lookup failed, using stored token: %v", err)
		}
		return current, gen, nil
	}

	if token != current {
		m.transition(func() []SessionEvent {
			if m.state != StateAuthenticated || m.generation != gen {
				return nil
			}
			m.session.Token = token
			m.session.IssuedAt = m.now()
			return []SessionEvent{m.eventLocked(EventTokenRefreshed, "token refreshed")}
		})
	}

	return token, gen, nil
}

// SignInWithCredentials authenticates with email and password.
func (m *SessionManager) SignInWithCredentials(ctx context.Context, email, password string) (*Session, error) {
	return m.signIn(ctx, "password", func(ctx context.Context) (*IdentityCredentials, error) {
		return m.provider.SignInWithEmail(ctx, email, password)
	})
}

// SignInWithProvider authenticates through a federated provider.
func (m *SessionManager) SignInWithProvider(ctx context.Context, provider string) (*Session, error) {
	return m.signIn(ctx, provider, func(ctx context.Context) (*IdentityCredentials, error) {
		return m.provider.SignInWithProvider(ctx, provider)
	})
}

// Adopt installs credentials obtained outside the sign in methods, for
// example by account creation during registration.
func (m *SessionManager) Adopt(creds *IdentityCredentials) *Session {
	if creds == nil {
		return nil
	}
	m.transition(func() []SessionEvent {
		return m.applyCredentialsLocked(creds, "adopted")
	})
	return m.Current()
}

func (m *SessionManager) signIn(ctx context.Context, method string, call func(context.Context) (*IdentityCredentials, error)) (*Session, error) {
	if m.provider == nil {
		return nil, NewError(KindIdentityNetwork, "identity provider not configured")
	}

	m.mu.Lock()
	epoch := m.epoch
	if m.state == StateAnonymous {
		m.state = StateAuthenticating
	}
	m.mu.Unlock()

	var creds *IdentityCredentials
	err := m.WaitProviderSignOut(ctx)
	if err == nil {
		creds, err = call(ctx)
	}
	if err == nil && (creds == nil || creds.Token == "" || creds.IdentityID == "") {
		err = NewError(KindInvalidCredential, "identity provider returned no credentials")
	}

	if err != nil {
		err = normalizeIdentityError(err)
		m.mu.Lock()
		if m.state == StateAuthenticating && m.epoch == epoch {
			m.state = StateAnonymous
		}
		m.mu.Unlock()

		m.logger.Error("sign in with %s failed: %v", method, err)
		recordActivity(ctx, m.activitySink, m.logger, ActivityEvent{
			EventType: ActivityEventSignInFailure,
			Actor:     ActorRef{Type: "unknown"},
			Metadata: map[string]any{
				"method": method,
				"error":  err.Error(),
			},
		})
		notifyError(ctx, m.notifier, "Sign in failed", err)
		return nil, err
	}

	superseded := false
	m.transition(func() []SessionEvent {
		if m.epoch != epoch {
			superseded = true
			return nil
		}
		return m.applyCredentialsLocked(creds, method)
	})

	if superseded {
		m.logger.Warn("sign in with %s superseded by sign out, discarding credentials", method)
		return nil, NewError(KindNoSession, "sign in superseded by sign out")
	}

	session := m.Current()
	recordActivity(ctx, m.activitySink, m.logger, ActivityEvent{
		EventType: ActivityEventSignInSuccess,
		Actor:     ActorRef{ID: creds.IdentityID, Type: "user"},
		Metadata: map[string]any{
			"method": method,
		},
	})
	return session, nil
}

// SignOut drops the local session immediately. The provider sign out runs
// in the background and never delays the transition.
func (m *SessionManager) SignOut(ctx context.Context) error {
	var identityID string
	m.transition(func() []SessionEvent {
		m.epoch++
		if m.session != nil {
			identityID = m.session.IdentityID
		}
		return m.leaveLocked(EventSignedOut, "signed out")
	})

	m.providerSignOut()

	recordActivity(ctx, m.activitySink, m.logger, ActivityEvent{
		EventType: ActivityEventSignedOut,
		Actor:     ActorRef{ID: identityID, Type: "user"},
	})
	return nil
}

// Expire force signs out the session of generation gen. It is a no-op when
// that session is already gone, so late failures of old sessions never
// touch a newer one.
func (m *SessionManager) Expire(ctx context.Context, gen uint64, reason string) bool {
	applied := false
	var identityID string
	m.transition(func() []SessionEvent {
		if m.state != StateAuthenticated || m.generation != gen {
			return nil
		}
		applied = true
		m.epoch++
		identityID = m.session.IdentityID
		return m.leaveLocked(EventExpired, reason)
	})

	if !applied {
		return false
	}

	m.providerSignOut()
	m.logger.Warn("session generation %d expired: %s", gen, reason)
	m.notifier.Notify(ctx, Notification{
		Level:   NotifyError,
		Title:   "Session expired",
		Message: "Your session has expired, please sign in again",
		Kind:    KindSyncUnauthorized,
	})
	recordActivity(ctx, m.activitySink, m.logger, ActivityEvent{
		EventType: ActivityEventSessionExpired,
		Actor:     ActorRef{ID: identityID, Type: "user"},
		Metadata:  map[string]any{"reason": reason, "generation": gen},
	})
	return true
}

// Subscribe registers fn for every session event.
func (m *SessionManager) Subscribe(fn func(SessionEvent)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, id)
			m.subMu.Unlock()
		})
	}
}

// Events is a channel view over Subscribe. The channel is closed once ctx
// is done. Events are dropped when the buffer is full.
func (m *SessionManager) Events(ctx context.Context, buffer int) <-chan SessionEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan SessionEvent, buffer)
	unsubscribe := m.Subscribe(func(evt SessionEvent) {
		select {
		case ch <- evt:
		default:
			m.logger.Warn("session event channel full, dropping %s for generation %d", evt.Kind, evt.Generation)
		}
	})

	go func() {
		<-ctx.Done()
		// delivery holds emitMu
		m.emitMu.Lock()
		unsubscribe()
		close(ch)
		m.emitMu.Unlock()
	}()

	return ch
}

func (m *SessionManager) onProviderChange(creds *IdentityCredentials) {
	if creds == nil {
		var left bool
		m.transition(func() []SessionEvent {
			if m.state != StateAuthenticated {
				return nil
			}
			left = true
			m.epoch++
			return m.leaveLocked(EventSignedOut, "signed out by identity provider")
		})
		if left {
			m.logger.Info("identity provider reported sign out")
		}
		return
	}

	if creds.Token == "" || creds.IdentityID == "" {
		return
	}

	m.transition(func() []SessionEvent {
		return m.applyCredentialsLocked(creds, "provider")
	})
}

// transition serializes state changes and their delivery. compute runs with
// mu held and returns the events to deliver, in order.
func (m *SessionManager) transition(compute func() []SessionEvent) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	events := compute()
	m.mu.Unlock()

	if len(events) == 0 {
		return
	}

	m.subMu.RLock()
	subs := make([]func(SessionEvent), 0, len(m.subscribers))
	for _, id := range m.sortedSubscriberIDs() {
		subs = append(subs, m.subscribers[id])
	}
	m.subMu.RUnlock()

	for _, evt := range events {
		for _, fn := range subs {
			fn(evt)
		}
	}
}

func (m *SessionManager) sortedSubscriberIDs() []int {
	ids := make([]int, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (m *SessionManager) applyCredentialsLocked(creds *IdentityCredentials, reason string) []SessionEvent {
	if m.state == StateAuthenticated && m.session != nil {
		if m.session.IdentityID == creds.IdentityID {
			if m.session.Token == creds.Token {
				return nil
			}
			m.session.Token = creds.Token
			m.session.IssuedAt = creds.IssuedAt
			if m.session.IssuedAt.IsZero() {
				m.session.IssuedAt = m.now()
			}
			if creds.DisplayName != "" {
				m.session.Name = creds.DisplayName
			}
			return []SessionEvent{m.eventLocked(EventTokenRefreshed, reason)}
		}

		events := m.leaveLocked(EventSignedOut, "identity changed")
		m.session = sessionFromCredentials(creds, m.generation, m.now())
		m.state = StateAuthenticated
		return append(events, m.eventLocked(EventSignedIn, reason))
	}

	m.session = sessionFromCredentials(creds, m.generation, m.now())
	m.state = StateAuthenticated
	return []SessionEvent{m.eventLocked(EventSignedIn, reason)}
}

// leaveLocked moves to anonymous, bumping the generation when leaving an
// authenticated session.
func (m *SessionManager) leaveLocked(kind SessionEventKind, reason string) []SessionEvent {
	wasAuthenticated := m.state == StateAuthenticated
	m.state = StateAnonymous
	m.session = nil
	if !wasAuthenticated {
		return nil
	}
	m.generation++
	return []SessionEvent{{
		Kind:       kind,
		State:      StateAnonymous,
		Generation: m.generation,
		Reason:     reason,
	}}
}

func (m *SessionManager) eventLocked(kind SessionEventKind, reason string) SessionEvent {
	return SessionEvent{
		Kind:       kind,
		State:      m.state,
		Generation: m.generation,
		Session:    m.session.clone(),
		Reason:     reason,
	}
}

// WaitProviderSignOut blocks until every provider sign out started so far
// has returned. Callers that talk to the provider directly, such as account
// creation, call it first so a stale sign out cannot end the new session.
func (m *SessionManager) WaitProviderSignOut(ctx context.Context) error {
	m.signOutMu.Lock()
	done := m.signOutDone
	m.signOutMu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return WrapError(ctx.Err(), KindIdentityNetwork, "waiting for identity provider sign out")
	}
}

func (m *SessionManager) providerSignOut() {
	if m.provider == nil {
		return
	}

	m.signOutMu.Lock()
	prev := m.signOutDone
	done := make(chan struct{})
	m.signOutDone = done
	m.signOutMu.Unlock()

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.signOutTimeout)
		defer cancel()
		if err := m.provider.SignOut(ctx); err != nil {
			m.logger.Warn("identity provider sign out failed: %v", err)
		}
	}()
}

func normalizeIdentityError(err error) error {
	if err == nil || IsIdentityError(err) {
		return err
	}
	return WrapError(err, KindIdentityNetwork, "identity provider unavailable")
}
