package auth

import (
	"context"
	"errors"
)

// Principal is a verified caller identity: a stable user id plus the
// tenant scope carried in the provider's app metadata.
type Principal struct {
	UserID   string
	Email    string
	TenantID string
}

// ErrUnauthenticated means no usable bearer credential was presented.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrInvalidCredential means the identity provider rejected the token,
// returned no associated user, or could not be reached in time. The
// gateway fails closed in every one of those cases.
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier exchanges a bearer credential for a verified Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}
