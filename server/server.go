package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	auth "github.com/goliatone/go-market-auth"
	"github.com/goliatone/go-market-auth/middleware/jwtware"
	"github.com/goliatone/go-market-auth/repository"
	"github.com/goliatone/go-print"
)

// Config configures the backend app.
type Config struct {
	// SigningKey verifies HS256 identity tokens.
	SigningKey []byte
	// JWKSetURLs verifies tokens of an external identity provider and take
	// precedence over SigningKey.
	JWKSetURLs   []string
	Issuer       string
	Audience     string
	AdminEmails  []string
	PhoneRegion  *string
	Debug        bool
	Logger       auth.Logger
	ActivitySink auth.ActivitySink
	// Routes are mounted next to the profile API, e.g. the local identity
	// endpoints.
	Routes []Registrar
}

// Registrar mounts extra routes on the app.
type Registrar interface {
	Register(r fiber.Router)
}

// New returns the fiber app serving the profile API on top of mgr.
func New(mgr repository.Manager, cfg Config) (*fiber.App, error) {
	if err := mgr.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.SigningKey) == 0 && len(cfg.JWKSetURLs) == 0 {
		return nil, errors.New("server: a signing key or a JWK set url is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = auth.DefaultLogger()
	}

	opts := []ServiceOption{
		WithServiceLogger(logger),
		WithServiceActivitySink(cfg.ActivitySink),
		WithAdminEmails(cfg.AdminEmails...),
	}
	if cfg.PhoneRegion != nil {
		opts = append(opts, WithServicePhoneRegion(*cfg.PhoneRegion))
	}
	service := NewProfileService(mgr, opts...)

	controller := NewProfileController(service, logger)
	controller.Debug = cfg.Debug

	app := fiber.New(fiber.Config{
		AppName:               "marketd",
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler(logger),
	})

	controller.Register(app, tokenMiddleware(cfg, true), tokenMiddleware(cfg, false))
	for _, r := range cfg.Routes {
		if r != nil {
			r.Register(app)
		}
	}

	return app, nil
}

func tokenMiddleware(cfg Config, optional bool) fiber.Handler {
	jcfg := jwtware.Config{
		JWKSetURLs: cfg.JWKSetURLs,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		Optional:   optional,
		Logger:     cfg.Logger,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return auth.WrapError(err, auth.KindNoSession, "missing or invalid bearer token")
		},
	}
	if len(cfg.SigningKey) > 0 {
		jcfg.SigningKey = jwtware.SigningKey{JWTAlg: jwt.SigningMethodHS256.Alg(), Key: cfg.SigningKey}
	}
	return jwtware.New(jcfg)
}

// ErrorHandler renders errors as the JSON error envelope.
func ErrorHandler(logger auth.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var ferr *fiber.Error
		if errors.As(err, &ferr) {
			return c.Status(ferr.Code).JSON(auth.HTTPErrorEnvelope{Error: auth.HTTPError{
				Message: ferr.Message,
				Code:    ferr.Code,
			}})
		}

		body := auth.ToHTTPError(err)

		var rich *goerrors.Error
		if body.Code >= fiber.StatusInternalServerError || !goerrors.As(err, &rich) {
			logger.Error("%s %s failed: %v", c.Method(), c.Path(), err)
		} else {
			logger.Info("%s %s rejected: %s %s", c.Method(), c.Path(), body.TextCode, print.MaybePrettyJSON(body.Metadata))
		}

		return c.Status(body.Code).JSON(auth.HTTPErrorEnvelope{Error: body})
	}
}
