package directory

import (
	"strings"

	"github.com/openidx/idsync/internal/store"
)

// ToExternalUser maps an internal user to the directory representation.
// Local-only and deleted users are pushed as disabled.
func ToExternalUser(u *store.User) ExternalUser {
	return ExternalUser{
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Enabled:   u.Enabled() && !u.LocalOnly,
	}
}

// ToInternalUser maps a directory user to a new internal record
func ToInternalUser(e *ExternalUser) store.User {
	return store.User{
		Username:    e.Username,
		FirstName:   e.FirstName,
		LastName:    e.LastName,
		Email:       e.Email,
		Deactivated: !e.Enabled,
	}
}

// ApplyExternalUser copies the mutable fields of e onto u and reports
// whether anything changed
func ApplyExternalUser(u *store.User, e *ExternalUser) bool {
	changed := false
	if u.FirstName != e.FirstName {
		u.FirstName = e.FirstName
		changed = true
	}
	if u.LastName != e.LastName {
		u.LastName = e.LastName
		changed = true
	}
	// directories may lower-case addresses
	if !strings.EqualFold(u.Email, e.Email) {
		u.Email = e.Email
		changed = true
	}
	if u.Deactivated != !e.Enabled {
		u.Deactivated = !e.Enabled
		changed = true
	}
	return changed
}

// UserDiffers reports whether the directory copy e is out of date with want
func UserDiffers(want, e ExternalUser) bool {
	return want.FirstName != e.FirstName ||
		want.LastName != e.LastName ||
		!strings.EqualFold(want.Email, e.Email) ||
		want.Enabled != e.Enabled
}

// ToExternalGroup maps an internal group to the directory representation
func ToExternalGroup(g *store.Group) ExternalGroup {
	return ExternalGroup{Name: g.Name, Description: g.Description}
}

// ToInternalGroup maps a directory group to a new internal record
func ToInternalGroup(e *ExternalGroup) store.Group {
	return store.Group{Name: e.Name, Description: e.Description}
}

// ApplyExternalGroup copies the mutable fields of e onto g and reports
// whether anything changed
func ApplyExternalGroup(g *store.Group, e *ExternalGroup) bool {
	if g.Description == e.Description {
		return false
	}
	g.Description = e.Description
	return true
}
