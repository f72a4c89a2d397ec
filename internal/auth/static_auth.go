package auth

import (
	"context"
	"strings"
)

// StaticAuthenticator is a development-only authenticator that accepts any
// agk_ key and maps it to a fixed principal.
type StaticAuthenticator struct {
	principal Principal
}

// NewStaticAuthenticator creates a StaticAuthenticator for p.
func NewStaticAuthenticator(p Principal) *StaticAuthenticator {
	return &StaticAuthenticator{principal: p}
}

// Authenticate accepts any key carrying the agk_ prefix.
func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*Principal, error) {
	if !strings.HasPrefix(apiKey, KeyPrefix) || len(apiKey) < prefixLen {
		return nil, ErrUnauthenticated
	}
	p := a.principal
	return &p, nil
}
