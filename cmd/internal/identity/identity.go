// Package identity provides the current-user capability consumed by the sync engine and
// the bearer token handling shared by the relay and its clients.
package identity

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNoIdentity is returned when no user is signed in.
	ErrNoIdentity = errors.New("identity: no current user")
	// ErrInvalidToken covers malformed, badly signed or incomplete tokens.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrTokenExpired is returned for tokens past their exp claim.
	ErrTokenExpired = errors.New("identity: token expired")
)

// Source yields the id of the signed-in user.
type Source interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// Static is a fixed user id. The empty value has no identity.
type Static string

// CurrentUserID implements Source.
func (s Static) CurrentUserID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(s))
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}
