package identity

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a credential cannot be verified.
var ErrInvalidToken = errors.New("invalid token")

// Role is the account-level role issued by the session service.
type Role string

const (
	RoleClient Role = "client"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the principal may use backoffice endpoints.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Authenticator resolves a bearer token into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
