// Package identity resolves the member behind a request and checks what
// they are allowed to do.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrNoUser means the context carries no authenticated member.
	ErrNoUser = errors.New("no authenticated user")
	// ErrInvalidToken covers malformed, expired and badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrForbidden means the member lacks a policy for the action.
	ErrForbidden = errors.New("permission denied")
)

// User is an authenticated member.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

// HasRole reports whether u carries role.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Directory answers who the current member is.
type Directory interface {
	CurrentUser(ctx context.Context) (*User, error)
	ValidateUserPermissions(ctx context.Context, action, resourceID string) error
}

type userKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the member stored by WithUser, or nil.
func UserFrom(ctx context.Context) *User {
	u, _ := ctx.Value(userKey{}).(*User)
	return u
}
