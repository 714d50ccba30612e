package local

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	auth "github.com/goliatone/go-market-auth"
)

// SignInRequest is the body of the sign in endpoint.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r SignInRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

// SignUpRequest is the body of the sign up endpoint.
type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (r SignUpRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 0)),
		validation.Field(&r.DisplayName, validation.Length(0, 120)),
	)
}

// TokenResponse is returned by the sign in and sign up endpoints.
type TokenResponse struct {
	Token       string    `json:"token"`
	IdentityID  string    `json:"identityId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Provider    string    `json:"provider"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Controller exposes the account endpoints of a Provider. Handlers never
// change the provider's current user.
type Controller struct {
	Provider *Provider
	SignIn   string
	SignUp   string
}

// NewController mounts at /identity/sign-in and /identity/sign-up.
func NewController(p *Provider) *Controller {
	return &Controller{
		Provider: p,
		SignIn:   "/identity/sign-in",
		SignUp:   "/identity/sign-up",
	}
}

func (a *Controller) Register(r fiber.Router) {
	r.Post(a.SignIn, a.HandleSignIn)
	r.Post(a.SignUp, a.HandleSignUp)
}

func (a *Controller) HandleSignIn(c *fiber.Ctx) error {
	req := SignInRequest{}
	if err := c.BodyParser(&req); err != nil {
		return auth.WrapError(err, auth.KindMissingField, "failed to parse request body")
	}
	if err := req.Validate(); err != nil {
		return auth.WrapError(err, auth.KindMissingField, "invalid sign in request")
	}

	account, err := a.Provider.Authenticate(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return a.issue(c, account, fiber.StatusOK)
}

func (a *Controller) HandleSignUp(c *fiber.Ctx) error {
	req := SignUpRequest{}
	if err := c.BodyParser(&req); err != nil {
		return auth.WrapError(err, auth.KindMissingField, "failed to parse request body")
	}
	if err := req.Validate(); err != nil {
		return auth.WrapError(err, auth.KindMissingField, "invalid sign up request")
	}

	account, err := a.Provider.Register(c.UserContext(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		return err
	}
	return a.issue(c, account, fiber.StatusCreated)
}

func (a *Controller) issue(c *fiber.Ctx, account *AccountModel, status int) error {
	creds, err := a.Provider.Issue(c.UserContext(), account, ProviderPassword)
	if err != nil {
		return err
	}
	return c.Status(status).JSON(TokenResponse{
		Token:       creds.Token,
		IdentityID:  creds.IdentityID,
		Email:       creds.Email,
		DisplayName: creds.DisplayName,
		Provider:    creds.Provider,
		ExpiresAt:   creds.IssuedAt.Add(a.Provider.ttl),
	})
}
