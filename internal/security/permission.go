package security

import "querybridge/internal/core"

// MembershipChecker grants access when the user is named directly or belongs
// to one of the allowed groups. It is the default core.PermissionChecker.
type MembershipChecker struct{}

func (MembershipChecker) HasPermission(user core.Identity, allowedGroups, allowedUsers []string) bool {
	for _, u := range allowedUsers {
		if u == user.Username {
			return true
		}
	}
	for _, g := range allowedGroups {
		for _, ug := range user.Groups {
			if g == ug {
				return true
			}
		}
	}
	return false
}
