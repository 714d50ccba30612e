package auth

import (
	"strings"
	"time"
)

// UserRole is the marketplace role of a profile
type UserRole = string

const (
	// RoleNone is reported while no confirmed profile backs the session
	RoleNone UserRole = ""
	// RoleCustomer can browse, buy and donate
	RoleCustomer UserRole = "customer"
	// RoleMerchant owns a shop and sells through the catalog
	RoleMerchant UserRole = "merchant"
	// RoleAdmin moderates merchants and the catalog
	RoleAdmin UserRole = "admin"
)

// UserStatus is the lifecycle status of a profile. It is an independent
// axis from the role and gates privileged actions.
type UserStatus = string

const (
	StatusNone      UserStatus = ""
	StatusActive    UserStatus = "active"
	StatusPending   UserStatus = "pending"
	StatusRejected  UserStatus = "rejected"
	StatusSuspended UserStatus = "suspended"
)

// RoleRequestStatus tracks a merchant upgrade application.
type RoleRequestStatus = string

const (
	RequestNone     RoleRequestStatus = "none"
	RequestPending  RoleRequestStatus = "pending"
	RequestApproved RoleRequestStatus = "approved"
	RequestRejected RoleRequestStatus = "rejected"
)

// ShopDetails are the merchant storefront attributes
type ShopDetails struct {
	ShopName    string `json:"shopName"`
	ShopNumber  string `json:"shopNumber"`
	ShopAddress string `json:"shopAddress"`
	District    string `json:"district,omitempty"`
	Upazila     string `json:"upazila,omitempty"`
}

// IsEmpty reports whether none of the required shop fields are set.
func (s *ShopDetails) IsEmpty() bool {
	if s == nil {
		return true
	}
	return strings.TrimSpace(s.ShopName) == "" &&
		strings.TrimSpace(s.ShopNumber) == "" &&
		strings.TrimSpace(s.ShopAddress) == ""
}

// IsComplete reports whether every required shop field is set.
func (s *ShopDetails) IsComplete() bool {
	if s == nil {
		return false
	}
	return strings.TrimSpace(s.ShopName) != "" &&
		strings.TrimSpace(s.ShopNumber) != "" &&
		strings.TrimSpace(s.ShopAddress) != ""
}

// RoleRequest is the upgrade sub record of a Profile
type RoleRequest struct {
	Status      RoleRequestStatus `json:"status"`
	RequestedAt *time.Time        `json:"requestedAt,omitempty"`
}

// IsOpen reports whether the request still waits for an admin decision.
func (r RoleRequest) IsOpen() bool {
	return r.Status == RequestPending
}

// Profile is the canonical backend user record.
type Profile struct {
	ID          string       `json:"id"`
	IdentityID  string       `json:"identityId,omitempty"`
	Name        string       `json:"name"`
	Email       string       `json:"email"`
	Phone       string       `json:"phone,omitempty"`
	Avatar      string       `json:"avatar,omitempty"`
	District    string       `json:"district,omitempty"`
	Upazila     string       `json:"upazila,omitempty"`
	Role        UserRole     `json:"role"`
	Status      UserStatus   `json:"status"`
	ShopDetails *ShopDetails `json:"shopDetails,omitempty"`
	RoleRequest RoleRequest  `json:"roleRequest"`
	LoginCount  int          `json:"loginCount"`
	// Provisional marks a default profile created by a profile read before
	// the user ever signed up. Only a provisional profile may be replaced
	// wholesale by a signup payload.
	Provisional bool         `json:"provisional,omitempty"`
	CreatedAt   *time.Time   `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`
}

// EnsureDefaults fills the values a freshly synced profile starts with.
func (p *Profile) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.Role == RoleNone {
		p.Role = RoleCustomer
	}
	if p.Status == StatusNone {
		p.Status = StatusActive
	}
	if p.RoleRequest.Status == "" {
		p.RoleRequest.Status = RequestNone
	}
}

// IsMerchant reports whether the profile holds the merchant role
func (p *Profile) IsMerchant() bool {
	return p != nil && p.Role == RoleMerchant
}

// IsAdmin reports whether the profile holds the admin role
func (p *Profile) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// IsActive reports whether the profile may use privileged actions
func (p *Profile) IsActive() bool {
	return p != nil && p.Status == StatusActive
}

// HasOpenRequest reports whether a merchant upgrade is awaiting a decision
func (p *Profile) HasOpenRequest() bool {
	return p != nil && p.RoleRequest.IsOpen()
}

// CanRequestUpgrade reports whether a new upgrade cycle may start.
func (p *Profile) CanRequestUpgrade() bool {
	if p == nil || p.Role != RoleCustomer {
		return false
	}
	switch p.RoleRequest.Status {
	case "", RequestNone, RequestRejected:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so observers never share mutable state with
// the sync cache.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	if p.ShopDetails != nil {
		shop := *p.ShopDetails
		out.ShopDetails = &shop
	}
	if p.RoleRequest.RequestedAt != nil {
		at := *p.RoleRequest.RequestedAt
		out.RoleRequest.RequestedAt = &at
	}
	if p.CreatedAt != nil {
		at := *p.CreatedAt
		out.CreatedAt = &at
	}
	if p.UpdatedAt != nil {
		at := *p.UpdatedAt
		out.UpdatedAt = &at
	}
	return &out
}

// CheckInvariants validates the cross field rules every stored profile
// must satisfy:
//   - role merchant implies non empty shop details
//   - status pending if and only if the role request is pending
func (p *Profile) CheckInvariants() error {
	if p == nil {
		return nil
	}

	if p.Role == RoleMerchant && !p.ShopDetails.IsComplete() {
		return NewError(KindProfileInvariant, "profile invariant violated").WithMetadata(map[string]any{
			"profile_id": p.ID,
			"rule":       "merchant_requires_shop",
		})
	}

	pending := p.Status == StatusPending
	if pending != p.RoleRequest.IsOpen() {
		return NewError(KindProfileInvariant, "profile invariant violated").WithMetadata(map[string]any{
			"profile_id":     p.ID,
			"rule":           "pending_iff_open_request",
			"status":         p.Status,
			"request_status": p.RoleRequest.Status,
		})
	}

	return nil
}
