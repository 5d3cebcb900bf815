package session

import (
	"context"
	"testing"
)

func TestFromContextDefaultsToGuest(t *testing.T) {
	user := FromContext(context.Background())
	if !user.IsGuest() {
		t.Fatalf("FromContext() = %+v, want guest", user)
	}

	ctx := WithUser(context.Background(), User{Name: "alice@example.com"})
	if got := FromContext(ctx).Name; got != "alice@example.com" {
		t.Fatalf("FromContext().Name = %q, want alice@example.com", got)
	}
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		name string
		user User
		role string
		want bool
	}{
		{name: "guest holds guest role", user: Guest, role: RoleGuest, want: true},
		{name: "guest lacks all role", user: Guest, role: RoleAll, want: false},
		{name: "signed in user holds all role", user: User{Name: "bob"}, role: RoleAll, want: true},
		{name: "explicit role", user: User{Name: "bob", Roles: []string{"Sales User"}}, role: "Sales User", want: true},
		{name: "missing role", user: User{Name: "bob"}, role: "Sales User", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.HasRole(tt.role); got != tt.want {
				t.Fatalf("HasRole(%q) = %v, want %v", tt.role, got, tt.want)
			}
		})
	}
}

func TestAdministrator(t *testing.T) {
	if !Administrator.IsAdministrator() {
		t.Fatal("Administrator.IsAdministrator() = false")
	}
	if (User{Name: "alice"}).IsAdministrator() {
		t.Fatal("alice.IsAdministrator() = true")
	}
}
