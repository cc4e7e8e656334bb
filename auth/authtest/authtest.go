// Package authtest provides trivially permissive authenticators for tests and
// local development.
package authtest

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/relaykit/streamrpc/auth"
)

// NoAuth accepts every token and resolves it to a fixed user ID.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator. An empty userID defaults to
// "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return userInfo{id: n.UserID}, nil
}

// StaticToken accepts exactly one pre-shared token. Useful for development
// deployments that have no token issuer at all.
type StaticToken struct {
	Token  string
	UserID string
}

func (s *StaticToken) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if subtle.ConstantTimeCompare([]byte(tok), []byte(s.Token)) != 1 {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	id := s.UserID
	if id == "" {
		id = "static-user"
	}
	return userInfo{id: id}, nil
}

type userInfo struct {
	id string
}

func (u userInfo) UserID() string       { return u.id }
func (u userInfo) Claims(ref any) error { return nil }

var (
	_ auth.Authenticator = (*NoAuth)(nil)
	_ auth.Authenticator = (*StaticToken)(nil)
)
