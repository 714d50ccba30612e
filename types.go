package auth

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// IdentityCredentials is what an identity provider hands back after a
// successful sign in, account creation or token refresh.
type IdentityCredentials struct {
	Token       string
	IdentityID  string
	Email       string
	DisplayName string
	Provider    string
	IssuedAt    time.Time
}

// IdentityProvider is the external authentication backend. Implementations
// must return errors of the identity family (see IsIdentityError).
type IdentityProvider interface {
	SignInWithEmail(ctx context.Context, email, password string) (*IdentityCredentials, error)
	SignInWithProvider(ctx context.Context, provider string) (*IdentityCredentials, error)
	CreateAccount(ctx context.Context, email, password string) (*IdentityCredentials, error)
	UpdateDisplayName(ctx context.Context, name string) error
	Token(ctx context.Context) (string, error)
	// OnSessionChange registers a callback fired whenever the provider's
	// current user changes on its own (refresh, external sign out). A nil
	// credential means signed out.
	OnSessionChange(fn func(*IdentityCredentials)) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// ProfileAPI is the backend profile surface. Every call takes the bearer
// token explicitly so callers control which session a request belongs to.
type ProfileAPI interface {
	AddUser(ctx context.Context, token string, payload AddUserPayload) (*Profile, error)
	Me(ctx context.Context, token string) (*Profile, error)
	UpdateProfile(ctx context.Context, token string, payload UpdateProfilePayload) (*Profile, error)
	RequestMerchant(ctx context.Context, token string, payload MerchantRequestPayload) (*Profile, error)
	ApproveMerchant(ctx context.Context, token, profileID string) (*Profile, error)
	RejectMerchant(ctx context.Context, token, profileID string) (*Profile, error)
}

// AddUserPayload is sent once at signup.
type AddUserPayload struct {
	Name        string       `json:"name"`
	Email       string       `json:"email"`
	Phone       string       `json:"phone,omitempty"`
	District    string       `json:"district,omitempty"`
	Upazila     string       `json:"upazila,omitempty"`
	Role        UserRole     `json:"role"`
	Status      UserStatus   `json:"status"`
	LoginCount  int          `json:"loginCount"`
	ShopDetails *ShopDetails `json:"shopDetails,omitempty"`
	RoleRequest *RoleRequest `json:"roleRequest,omitempty"`
}

// UpdateProfilePayload carries the partial profile fields a user may edit.
type UpdateProfilePayload struct {
	Name        *string      `json:"name,omitempty"`
	Phone       *string      `json:"phone,omitempty"`
	Avatar      *string      `json:"avatar,omitempty"`
	District    *string      `json:"district,omitempty"`
	Upazila     *string      `json:"upazila,omitempty"`
	ShopDetails *ShopDetails `json:"shopDetails,omitempty"`
}

// MerchantRequestPayload is the profile and shop snapshot of an upgrade request.
type MerchantRequestPayload struct {
	ProfileID   string      `json:"profileId"`
	Name        string      `json:"name,omitempty"`
	Email       string      `json:"email,omitempty"`
	Phone       string      `json:"phone,omitempty"`
	ShopDetails ShopDetails `json:"shopDetails"`
}

// Navigator moves the UI to a route after a successful flow.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(path string)

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(path string) {
	if f != nil {
		f(path)
	}
}

type noopNavigator struct{}

func (noopNavigator) Navigate(string) {}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] MARKET "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] MARKET "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] MARKET "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] MARKET "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// DefaultLogger returns the stdout logger used when none is configured.
func DefaultLogger() Logger {
	return defLogger{}
}
