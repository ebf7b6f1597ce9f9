package auth

// HasRole reports whether the identity holds one of roles.
func (id Identity) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

// HasTier reports whether the identity's tier is at least required.
func (id Identity) HasTier(required Tier) bool {
	return id.Tier.AtLeast(required)
}

// canAssignRole reports whether actor may grant target to someone else.
// Only super admins hand out administrative roles.
func canAssignRole(actor Role, target Role) bool {
	if target.IsAdmin() {
		return actor == RoleSuperAdmin
	}
	return actor.IsAdmin()
}
