// Package identity creates user identities in the external authentication
// provider. Creating an identity sends the user an invitation e-mail.
package identity

import (
	"context"
	"errors"
)

// ErrUserExists is returned when the e-mail is already registered with the provider.
var ErrUserExists = errors.New("user already registered")

// User is an identity created by a Provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Provider creates identities.
type Provider interface {
	// InviteUser creates an identity for email and sends the invitation mail.
	// data is stored as user metadata.
	InviteUser(ctx context.Context, email string, data map[string]string) (*User, error)
}
