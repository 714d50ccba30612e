package auth

// IsValidRole checks if the role is one of the predefined marketplace roles
func IsValidRole(r UserRole) bool {
	switch r {
	case RoleCustomer, RoleMerchant, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsValidStatus checks if the status is one of the predefined statuses
func IsValidStatus(s UserStatus) bool {
	switch s {
	case StatusActive, StatusPending, StatusRejected, StatusSuspended:
		return true
	default:
		return false
	}
}

// RoleIsAtLeast checks if the role meets the minimum required level.
// Unknown roles never satisfy a requirement.
func RoleIsAtLeast(r, minRole UserRole) bool {
	roleHierarchy := map[UserRole]int{
		RoleCustomer: 0,
		RoleMerchant: 1,
		RoleAdmin:    2,
	}

	currentLevel, exists := roleHierarchy[r]
	if !exists {
		return false
	}

	minLevel, exists := roleHierarchy[minRole]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// GetAllRoles returns all predefined roles in hierarchical order
func GetAllRoles() []UserRole {
	return []UserRole{
		RoleCustomer,
		RoleMerchant,
		RoleAdmin,
	}
}

// ParseRole safely parses a string into a UserRole type
func ParseRole(roleStr string) (UserRole, bool) {
	role := UserRole(roleStr)
	return role, IsValidRole(role)
}
