package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/sethvargo/go-retry"
)

// SyncPhase describes a profile sync event.
type SyncPhase string

const (
	SyncStarted   SyncPhase = "started"
	SyncSucceeded SyncPhase = "succeeded"
	SyncFailed    SyncPhase = "failed"
	SyncCleared   SyncPhase = "cleared"
)

// SyncEvent is emitted by the ProfileSyncService. First is set on
// SyncStarted when no profile of the same generation is cached yet.
type SyncEvent struct {
	Phase      SyncPhase
	Generation uint64
	Profile    *Profile
	Err        error
	First      bool
}

var errSyncSuperseded = goerrors.New("profile sync superseded by a newer session", goerrors.CategoryOperation)

// ProfileSyncService reconciles the current session with its backend
// profile. It is the only writer of the profile cache.
//
// Subscribers are invoked synchronously while the cache lock is held and
// must not call back into the service.
type ProfileSyncService struct {
	api          ProfileAPI
	sessions     *SessionManager
	logger       Logger
	activitySink ActivitySink
	notifier     Notifier

	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	timeout    time.Duration

	mu         sync.Mutex
	profile    *Profile
	profileGen uint64
	seq        uint64
	appliedSeq uint64

	subMu       sync.RWMutex
	subscribers map[int]func(SyncEvent)
	nextSubID   int

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// ProfileSyncOption customizes ProfileSyncService construction.
type ProfileSyncOption func(*ProfileSyncService)

// WithSyncAttempts sets the total number of attempts for network failures.
func WithSyncAttempts(n int) ProfileSyncOption {
	return func(s *ProfileSyncService) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithSyncBackoff sets the base and cap of the exponential backoff.
func WithSyncBackoff(base, max time.Duration) ProfileSyncOption {
	return func(s *ProfileSyncService) {
		if base > 0 {
			s.backoff = base
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

// WithSyncTimeout bounds every backend call.
func WithSyncTimeout(d time.Duration) ProfileSyncOption {
	return func(s *ProfileSyncService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSyncLogger sets the logger
func WithSyncLogger(logger Logger) ProfileSyncOption {
	return func(s *ProfileSyncService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSyncActivitySink sets the ActivitySink used to publish sync outcomes.
func WithSyncActivitySink(sink ActivitySink) ProfileSyncOption {
	return func(s *ProfileSyncService) {
		s.activitySink = normalizeActivitySink(sink)
	}
}

// WithSyncNotifier sets the toast sink for sync failures.
func WithSyncNotifier(n Notifier) ProfileSyncOption {
	return func(s *ProfileSyncService) {
		s.notifier = normalizeNotifier(n)
	}
}

// NewProfileSyncService wires the service to the session manager. Every
// sign in schedules a background sync tagged with the session generation.
func NewProfileSyncService(api ProfileAPI, sessions *SessionManager, opts ...ProfileSyncOption) *ProfileSyncService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ProfileSyncService{
		api:          api,
		sessions:     sessions,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
		notifier:     noopNotifier{},
		attempts:     3,
		backoff:      200 * time.Millisecond,
		maxBackoff:   2 * time.Second,
		timeout:      10 * time.Second,
		subscribers:  map[int]func(SyncEvent){},
		ctx:          ctx,
		cancel:       cancel,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if sessions != nil {
		s.unsubscribe = sessions.Subscribe(s.onSessionEvent)
	}

	return s
}

// Close detaches from the session manager, cancels in flight syncs and
// waits for them to return.
func (s *ProfileSyncService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every background sync has finished.
func (s *ProfileSyncService) Wait() {
	s.wg.Wait()
}

// Profile returns a copy of the cached profile of the current session.
func (s *ProfileSyncService) Profile() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil || !s.sessions.IsCurrent(s.profileGen) {
		return nil
	}
	return s.profile.Clone()
}

// SyncProfile fetches or creates the profile for token. It does not touch
// the session cache; it is safe to call for any token.
func (s *ProfileSyncService) SyncProfile(ctx context.Context, token string) (*Profile, error) {
	profile, err := s.fetch(ctx, 0, token)
	if err != nil {
		return nil, err
	}
	profile.EnsureDefaults()
	return profile, nil
}

// Refresh re-syncs the current session's profile and waits for the result.
func (s *ProfileSyncService) Refresh(ctx context.Context) (*Profile, error) {
	session := s.sessions.Current()
	if session == nil {
		return nil, NewError(KindNoSession, "no active session")
	}
	gen := session.Generation

	s.mu.Lock()
	s.seq++
	seq := s.seq
	if s.sessions.IsCurrent(gen) {
		s.emit(SyncEvent{Phase: SyncStarted, Generation: gen, First: s.profileGen != gen})
	}
	s.mu.Unlock()

	profile, err := s.fetch(ctx, gen, session.Token)
	applied := s.apply(ctx, gen, seq, profile, err)

	if errors.Is(err, errSyncSuperseded) || (!applied && err == nil) {
		return nil, NewError(KindNoSession, "session changed during profile refresh")
	}
	if err != nil {
		return nil, err
	}
	return profile.Clone(), nil
}

// UpdateProfile sends the edited fields of the current profile and
// refreshes the cache with the confirmed result.
func (s *ProfileSyncService) UpdateProfile(ctx context.Context, payload UpdateProfilePayload) (*Profile, error) {
	token, gen, err := s.sessions.FreshTokenGeneration(ctx)
	if err != nil {
		return nil, err
	}
	if s.api == nil {
		return nil, NewError(KindSyncServerError, "profile api not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.api.UpdateProfile(callCtx, token, payload); err != nil {
		err = normalizeSyncError(err)
		if IsKind(err, KindSyncUnauthorized) {
			s.sessions.Expire(ctx, gen, "profile update unauthorized")
			return nil, err
		}
		notifyError(ctx, s.notifier, "Could not update your profile", err)
		return nil, err
	}

	return s.Refresh(ctx)
}

// Subscribe registers fn for every sync event.
func (s *ProfileSyncService) Subscribe(fn func(SyncEvent)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
		})
	}
}

func (s *ProfileSyncService) onSessionEvent(evt SessionEvent) {
	switch evt.Kind {
	case EventSignedIn:
		if evt.Session == nil {
			return
		}
		s.mu.Lock()
		s.seq++
		s.emit(SyncEvent{Phase: SyncStarted, Generation: evt.Generation, First: s.profileGen != evt.Generation})
		s.wg.Add(1)
		go s.run(evt.Generation, s.seq, evt.Session.Token)
		s.mu.Unlock()

	case EventSignedOut, EventExpired:
		s.mu.Lock()
		s.profile = nil
		s.profileGen = 0
		s.emit(SyncEvent{Phase: SyncCleared, Generation: evt.Generation})
		s.mu.Unlock()
	}
}

func (s *ProfileSyncService) run(gen, seq uint64, token string) {
	defer s.wg.Done()
	profile, err := s.fetch(s.ctx, gen, token)
	s.apply(s.ctx, gen, seq, profile, err)
}

// fetch calls GET /auth/me with retries for network failures. A non zero
// gen stops retrying as soon as that generation is no longer current.
func (s *ProfileSyncService) fetch(ctx context.Context, gen uint64, token string) (*Profile, error) {
	if s.api == nil {
		return nil, NewError(KindSyncServerError, "profile api not configured")
	}

	attempts := s.attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.NewExponential(s.backoff)
	backoff = retry.WithCappedDuration(s.maxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(attempts-1), backoff)

	var out *Profile
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if gen != 0 && !s.sessions.IsCurrent(gen) {
			return errSyncSuperseded
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		profile, err := s.api.Me(callCtx, token)
		if err != nil {
			err = normalizeSyncError(err)
			if IsRetryable(err) {
				s.logger.Debug("profile sync attempt %d/%d failed: %v", attempt, attempts, err)
				return retry.RetryableError(err)
			}
			return err
		}
		if profile == nil {
			return NewError(KindSyncServerError, "backend returned an empty profile")
		}
		out = profile
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = normalizeSyncError(err)
		}
		return nil, err
	}
	return out, nil
}

// apply publishes the outcome of a generation tagged sync. Within a
// generation a response older than the last applied one is dropped. It
// reports whether the result reached the cache.
func (s *ProfileSyncService) apply(ctx context.Context, gen, seq uint64, profile *Profile, err error) bool {
	if errors.Is(err, errSyncSuperseded) {
		s.logger.Debug("profile sync for generation %d superseded", gen)
		return false
	}

	if IsKind(err, KindSyncUnauthorized) {
		s.logger.Warn("profile sync for generation %d unauthorized, expiring session", gen)
		s.sessions.Expire(ctx, gen, "profile sync unauthorized")
		return false
	}

	s.mu.Lock()
	if !s.sessions.IsCurrent(gen) {
		s.mu.Unlock()
		s.logger.Debug("discarding stale profile sync response for generation %d", gen)
		return false
	}
	if seq < s.appliedSeq {
		s.mu.Unlock()
		s.logger.Debug("discarding out of order profile sync response %d for generation %d", seq, gen)
		return false
	}

	if err != nil {
		s.emit(SyncEvent{Phase: SyncFailed, Generation: gen, Err: err})
		s.mu.Unlock()

		s.logger.Error("profile sync for generation %d failed: %v", gen, err)
		notifyError(ctx, s.notifier, "Could not load your profile", err)
		recordActivity(ctx, s.activitySink, s.logger, ActivityEvent{
			EventType: ActivityEventProfileSyncFailed,
			Metadata:  map[string]any{"generation": gen, "error": err.Error()},
		})
		return false
	}

	profile.EnsureDefaults()
	s.profile = profile.Clone()
	s.profileGen = gen
	s.appliedSeq = seq
	s.emit(SyncEvent{Phase: SyncSucceeded, Generation: gen, Profile: profile.Clone()})
	s.mu.Unlock()

	recordActivity(ctx, s.activitySink, s.logger, ActivityEvent{
		EventType: ActivityEventProfileSynced,
		Actor:     ActorRef{ID: profile.ID, Type: "user"},
		ProfileID: profile.ID,
		Metadata:  map[string]any{"generation": gen, "role": profile.Role, "status": profile.Status},
	})
	return true
}

// emit must be called with mu held
func (s *ProfileSyncService) emit(evt SyncEvent) {
	s.subMu.RLock()
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(SyncEvent), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subscribers[id])
	}
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(evt)
	}
}

func normalizeSyncError(err error) error {
	if err == nil || IsProfileSyncError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WrapError(err, KindSyncNetwork, "profile request timed out")
	}
	return WrapError(err, KindSyncServerError, "profile request failed")
}
