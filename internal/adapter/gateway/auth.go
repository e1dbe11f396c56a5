package gateway

import (
	"crypto/subtle"
	"fmt"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

// ClientInfo holds the identity of an authenticated gateway client. AgentID
// is the marketplace identity every RPC acts as; clients cannot act on
// behalf of other agents.
type ClientInfo struct {
	AgentID string
	Roles   []string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list using
// constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries: make([]authEntry, len(tokens)),
	}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{AgentID: t.AgentID, Roles: t.Roles},
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, fmt.Errorf("gateway authentication: %w", domain.ErrValidation)
}

var _ Authenticator = (*StaticTokenAuth)(nil)
