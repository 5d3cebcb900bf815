// Package session carries the identity of the caller through a request context.
package session

import (
	"context"
	"slices"
	"strings"
)

// Well-known user and role names.
const (
	GuestName         = "Guest"
	AdministratorName = "Administrator"

	// RoleAll is held implicitly by every signed-in (non-guest) user.
	RoleAll = "All"
	// RoleGuest is held implicitly by everyone, including guests.
	RoleGuest         = "Guest"
	RoleSystemManager = "System Manager"
)

// User is the caller on whose behalf a tool runs.
type User struct {
	Name  string   `json:"name" yaml:"name"`
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

var (
	// Guest is the identity used for unauthenticated callers.
	Guest = User{Name: GuestName, Roles: []string{RoleGuest}}
	// Administrator bypasses all permission checks.
	Administrator = User{Name: AdministratorName, Roles: []string{RoleSystemManager}}
)

// IsGuest reports whether u is the anonymous user.
func (u User) IsGuest() bool {
	name := strings.TrimSpace(u.Name)
	return name == "" || name == GuestName
}

// IsAdministrator reports whether u is the superuser.
func (u User) IsAdministrator() bool {
	return strings.TrimSpace(u.Name) == AdministratorName
}

// HasRole reports whether u holds role, including the implicit All/Guest roles.
func (u User) HasRole(role string) bool {
	switch role {
	case RoleGuest:
		return true
	case RoleAll:
		return !u.IsGuest()
	}
	return slices.Contains(u.Roles, role)
}

type userKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user stored in ctx, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	user, ok := ctx.Value(userKey{}).(User)
	return user, ok
}

// FromContext returns the user stored in ctx, or Guest.
func FromContext(ctx context.Context) User {
	if user, ok := UserFromContext(ctx); ok {
		return user
	}
	return Guest
}
