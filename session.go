package auth

import "time"

// SessionState is the SessionManager lifecycle state.
type SessionState int

const (
	StateAnonymous SessionState = iota
	StateAuthenticating
	StateAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Session is a live authenticated identity. Values handed out by the
// SessionManager are copies; only the manager owns the current one.
type Session struct {
	Token      string    `json:"-"`
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email,omitempty"`
	Name       string    `json:"name,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	Generation uint64    `json:"generation"`
}

func sessionFromCredentials(c *IdentityCredentials, generation uint64, now time.Time) *Session {
	issued := c.IssuedAt
	if issued.IsZero() {
		issued = now
	}
	return &Session{
		Token:      c.Token,
		IdentityID: c.IdentityID,
		Email:      c.Email,
		Name:       c.DisplayName,
		Provider:   c.Provider,
		IssuedAt:   issued,
		Generation: generation,
	}
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// SessionEventKind describes a session transition.
type SessionEventKind string

const (
	EventSignedIn       SessionEventKind = "signed_in"
	EventTokenRefreshed SessionEventKind = "token_refreshed"
	EventSignedOut      SessionEventKind = "signed_out"
	EventExpired        SessionEventKind = "expired"
)

// SessionEvent is emitted on every effective transition. Generation is the
// counter value the event belongs to: for sign in and refresh the session
// generation, for sign out the new (already incremented) generation.
type SessionEvent struct {
	Kind       SessionEventKind
	State      SessionState
	Generation uint64
	Session    *Session
	Reason     string
}
