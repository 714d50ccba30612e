package auth

import (
	"path"
	"sort"
	"strings"
)

// Access is the kind of requirement a route declares.
type Access int

const (
	AccessPublic Access = iota
	AccessAuthenticated
	AccessRoles
)

// Requirement is a route's declared access rule.
type Requirement struct {
	Access        Access
	Roles         []UserRole
	RequireActive bool
}

// Public routes are always reachable
func Public() Requirement {
	return Requirement{Access: AccessPublic}
}

// Authenticated routes need a live session
func Authenticated() Requirement {
	return Requirement{Access: AccessAuthenticated}
}

// RequireRoles routes need a confirmed profile holding one of roles.
func RequireRoles(roles ...UserRole) Requirement {
	return Requirement{Access: AccessRoles, Roles: append([]UserRole(nil), roles...)}
}

// Active additionally requires the confirmed status to be active.
func (r Requirement) Active() Requirement {
	r.RequireActive = true
	return r
}

// Verdict is the outcome of a guard check.
type Verdict int

const (
	// VerdictPending means the profile is still loading; render a neutral
	// state and check again.
	VerdictPending Verdict = iota
	VerdictAllow
	VerdictRedirectSignIn
	VerdictForbidden
)

func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictAllow:
		return "allow"
	case VerdictRedirectSignIn:
		return "redirect_sign_in"
	case VerdictForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Decision is what the UI should do with a navigation.
type Decision struct {
	Verdict  Verdict
	Redirect string
	ReturnTo string
	Reason   string
}

const (
	DefaultSignInPath    = "/signin"
	DefaultForbiddenPath = "/forbidden"
)

// Check decides access for state against req. It is a pure function.
func Check(state RoleState, req Requirement) Decision {
	if req.Access == AccessPublic {
		return Decision{Verdict: VerdictAllow}
	}

	if state.Loading {
		return Decision{Verdict: VerdictPending}
	}

	if !state.Authenticated {
		return Decision{Verdict: VerdictRedirectSignIn, Redirect: DefaultSignInPath, Reason: "not authenticated"}
	}

	if req.Access == AccessAuthenticated {
		return Decision{Verdict: VerdictAllow}
	}

	if state.Role == RoleNone {
		return Decision{Verdict: VerdictForbidden, Redirect: DefaultForbiddenPath, Reason: "role not confirmed"}
	}

	if !hasRole(req.Roles, state.Role) {
		return Decision{Verdict: VerdictForbidden, Redirect: DefaultForbiddenPath, Reason: "role " + state.Role + " not allowed"}
	}

	if req.RequireActive && state.Status != StatusActive {
		return Decision{Verdict: VerdictForbidden, Redirect: DefaultForbiddenPath, Reason: "status " + state.Status + " not allowed"}
	}

	return Decision{Verdict: VerdictAllow}
}

func hasRole(roles []UserRole, role UserRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Route binds a path prefix to a requirement.
type Route struct {
	Prefix      string
	Requirement Requirement
}

// RouteGuard resolves paths to requirements by longest prefix and checks
// them against a RoleState.
type RouteGuard struct {
	routes        []Route
	signInPath    string
	forbiddenPath string
}

// RouteGuardOption customizes RouteGuard construction.
type RouteGuardOption func(*RouteGuard)

// WithSignInPath sets the redirect target for unauthenticated sessions
func WithSignInPath(p string) RouteGuardOption {
	return func(g *RouteGuard) {
		if p != "" {
			g.signInPath = p
		}
	}
}

// WithForbiddenPath sets the redirect target for unauthorized roles
func WithForbiddenPath(p string) RouteGuardOption {
	return func(g *RouteGuard) {
		if p != "" {
			g.forbiddenPath = p
		}
	}
}

// WithRoute adds a prefix rule
func WithRoute(prefix string, req Requirement) RouteGuardOption {
	return func(g *RouteGuard) {
		g.Handle(prefix, req)
	}
}

// NewRouteGuard returns a guard with the marketplace defaults: everything
// is public except the /dashboard subtree, whose merchant and admin areas
// are role scoped. Merchant areas also require an active status.
func NewRouteGuard(opts ...RouteGuardOption) *RouteGuard {
	g := &RouteGuard{
		signInPath:    DefaultSignInPath,
		forbiddenPath: DefaultForbiddenPath,
	}
	g.Handle("/dashboard", Authenticated())
	g.Handle("/dashboard/merchant", RequireRoles(RoleMerchant).Active())
	g.Handle("/dashboard/admin", RequireRoles(RoleAdmin))

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Handle adds or replaces the rule for prefix.
func (g *RouteGuard) Handle(prefix string, req Requirement) *RouteGuard {
	prefix = cleanRoutePath(prefix)
	for i := range g.routes {
		if g.routes[i].Prefix == prefix {
			g.routes[i].Requirement = req
			return g
		}
	}
	g.routes = append(g.routes, Route{Prefix: prefix, Requirement: req})
	sort.SliceStable(g.routes, func(i, j int) bool {
		return len(g.routes[i].Prefix) > len(g.routes[j].Prefix)
	})
	return g
}

// Resolve returns the requirement of the longest matching prefix. Paths no
// rule covers are public.
func (g *RouteGuard) Resolve(p string) Requirement {
	p = cleanRoutePath(p)
	for _, r := range g.routes {
		if r.Prefix == "/" || p == r.Prefix || strings.HasPrefix(p, r.Prefix+"/") {
			return r.Requirement
		}
	}
	return Public()
}

// Check decides access to path. Sign in redirects carry the path so the
// sign in view can send the user back.
func (g *RouteGuard) Check(state RoleState, p string) Decision {
	d := Check(state, g.Resolve(p))
	switch d.Verdict {
	case VerdictRedirectSignIn:
		d.Redirect = g.signInPath
		d.ReturnTo = cleanRoutePath(p)
	case VerdictForbidden:
		d.Redirect = g.forbiddenPath
	}
	return d
}

func cleanRoutePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
