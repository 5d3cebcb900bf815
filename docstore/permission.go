package docstore

import (
	"github.com/petal-labs/frappemcp/session"
)

// PermType is a kind of access checked against DocType permission rules.
type PermType string

const (
	PermRead   PermType = "read"
	PermWrite  PermType = "write"
	PermCreate PermType = "create"
	PermDelete PermType = "delete"
)

// access is the level of access a user holds on a DocType for one PermType.
type access int

const (
	accessNone access = iota
	// accessOwner limits access to documents the user owns (see OwnerFields).
	accessOwner
	accessFull
)

func (d DocType) access(user session.User, perm PermType) access {
	if user.IsAdministrator() {
		return accessFull
	}
	granted := accessNone
	for _, rule := range d.Permissions {
		if !rule.grants(perm) || !user.HasRole(rule.Role) {
			continue
		}
		if !rule.IfOwner {
			return accessFull
		}
		granted = accessOwner
	}
	return granted
}

// IsOwner reports whether user owns doc through any of the DocType's owner fields.
func (d DocType) IsOwner(doc Document, user string) bool {
	if user == "" {
		return false
	}
	for _, field := range d.ownerFields() {
		if doc.String(field) == user {
			return true
		}
	}
	return false
}

// Permitted reports whether user may apply perm to doc. A nil doc asks about
// the DocType as a whole, which owner-restricted access satisfies.
func (d DocType) Permitted(user session.User, perm PermType, doc Document) bool {
	switch d.access(user, perm) {
	case accessFull:
		return true
	case accessOwner:
		return doc == nil || d.IsOwner(doc, user.Name)
	default:
		return false
	}
}

// readScope returns the filters a listing must satisfy for user, OR-combined.
// It returns nil filters when the user may read every document.
func (d DocType) readScope(user session.User) ([]Filter, error) {
	switch d.access(user, PermRead) {
	case accessFull:
		return nil, nil
	case accessOwner:
		fields := d.ownerFields()
		scope := make([]Filter, 0, len(fields))
		for _, field := range fields {
			scope = append(scope, Filter{Field: field, Op: OpEquals, Value: user.Name})
		}
		return scope, nil
	default:
		return nil, &PermissionError{DocType: d.Name, Perm: PermRead}
	}
}
