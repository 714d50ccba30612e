package server

import (
	"github.com/gofiber/fiber/v2"
	auth "github.com/goliatone/go-market-auth"
	"github.com/goliatone/go-market-auth/middleware/jwtware"
	"github.com/goliatone/go-print"
)

// ControllerRoutes holds the paths the controller is mounted on.
type ControllerRoutes struct {
	AddUser         string
	Me              string
	UpdateProfile   string
	RequestMerchant string
	ApproveMerchant string
	RejectMerchant  string
}

// DefaultRoutes returns the backend REST surface paths.
func DefaultRoutes() *ControllerRoutes {
	return &ControllerRoutes{
		AddUser:         "/auth/add-user",
		Me:              "/auth/me",
		UpdateProfile:   "/auth/update-profile",
		RequestMerchant: "/auth/request-merchant",
		ApproveMerchant: "/admin/approve-merchant/:id",
		RejectMerchant:  "/admin/reject-merchant/:id",
	}
}

// ProfileController serves the profile endpoints.
type ProfileController struct {
	Debug   bool
	Logger  auth.Logger
	Service *ProfileService
	Routes  *ControllerRoutes
}

// NewProfileController returns a controller for service.
func NewProfileController(service *ProfileService, logger auth.Logger) *ProfileController {
	if logger == nil {
		logger = auth.DefaultLogger()
	}
	return &ProfileController{
		Logger:  logger,
		Service: service,
		Routes:  DefaultRoutes(),
	}
}

// Register mounts the routes. optional verifies a bearer token when one
// is present; required rejects requests without one.
func (a *ProfileController) Register(app fiber.Router, optional, required fiber.Handler) {
	app.Post(a.Routes.AddUser, optional, a.AddUser)
	app.Get(a.Routes.Me, required, a.Me)
	app.Patch(a.Routes.UpdateProfile, required, a.UpdateProfile)
	app.Post(a.Routes.RequestMerchant, required, a.RequestMerchant)
	app.Patch(a.Routes.ApproveMerchant, required, a.ApproveMerchant)
	app.Patch(a.Routes.RejectMerchant, required, a.RejectMerchant)
}

func (a *ProfileController) AddUser(c *fiber.Ctx) error {
	payload := new(auth.AddUserPayload)
	if err := a.bind(c, payload); err != nil {
		return err
	}

	caller, _ := jwtware.Claims(c)
	profile, err := a.Service.AddUser(c.UserContext(), caller, *payload)
	if err != nil {
		return err
	}
	return a.respond(c, profile)
}

func (a *ProfileController) Me(c *fiber.Ctx) error {
	caller, _ := jwtware.Claims(c)
	profile, err := a.Service.Me(c.UserContext(), caller)
	if err != nil {
		return err
	}
	return a.respond(c, profile)
}

func (a *ProfileController) UpdateProfile(c *fiber.Ctx) error {
	payload := new(auth.UpdateProfilePayload)
	if err := a.bind(c, payload); err != nil {
		return err
	}

	caller, _ := jwtware.Claims(c)
	profile, err := a.Service.UpdateProfile(c.UserContext(), caller, *payload)
	if err != nil {
		return err
	}
	return a.respond(c, profile)
}

func (a *ProfileController) RequestMerchant(c *fiber.Ctx) error {
	payload := new(auth.MerchantRequestPayload)
	if err := a.bind(c, payload); err != nil {
		return err
	}

	caller, _ := jwtware.Claims(c)
	profile, err := a.Service.RequestMerchant(c.UserContext(), caller, *payload)
	if err != nil {
		return err
	}
	return a.respond(c, profile)
}

func (a *ProfileController) ApproveMerchant(c *fiber.Ctx) error {
	caller, _ := jwtware.Claims(c)
	profile, err := a.Service.ApproveMerchant(c.UserContext(), caller, c.Params("id"))
	if err != nil {
		return err
	}
	return a.respond(c, profile)
}

func (a *ProfileController) RejectMerchant(c *fiber.Ctx) error {
	caller, _ := jwtware.Claims(c)
	profile, err := a.Service.RejectMerchant(c.UserContext(), caller, c.Params("id"))
	if err != nil {
		return err
	}
	return a.respond(c, profile)
}

func (a *ProfileController) bind(c *fiber.Ctx, payload any) error {
	if err := c.BodyParser(payload); err != nil {
		a.Logger.Error("parse payload %s: %v", c.Path(), err)
		return auth.WrapError(err, auth.KindMissingField, "failed to parse request body")
	}
	if a.Debug {
		a.Logger.Debug("%s %s payload: %s", c.Method(), c.Path(), print.MaybePrettyJSON(payload))
	}
	return nil
}

func (a *ProfileController) respond(c *fiber.Ctx, profile *auth.Profile) error {
	if a.Debug {
		a.Logger.Debug("%s %s profile: %s", c.Method(), c.Path(), print.MaybePrettyJSON(profile))
	}
	return c.JSON(profile)
}
