// Package auth resolves API keys into the principal a tool call acts for.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/lumastudio/agentgate/internal/registry"
)

// KeyPrefix starts every agentgate API key.
const KeyPrefix = "agk_"

// prefixLen is the number of leading key characters stored in clear for lookup.
const prefixLen = 12

var (
	// ErrUnauthenticated means no usable credentials were presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidAPIKey means the key is well-formed but unknown or revoked.
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrAuthUnavailable means the key store could not be reached.
	ErrAuthUnavailable = errors.New("authentication unavailable")
)

// Principal is the studio identity an API key acts for.
type Principal struct {
	StudioID      string
	Scopes        []string
	Mode          registry.PolicyMode
	ApprovalLimit *registry.Money // nil = tools use their own limits
}

// InvocationContext builds the per-call context for a session. The returned
// context owns its own copy of the scopes.
func (p *Principal) InvocationContext(sessionID string) registry.InvocationContext {
	ictx := registry.InvocationContext{
		SessionID:  sessionID,
		StudioID:   p.StudioID,
		UserScopes: slices.Clone(p.Scopes),
		PolicyMode: p.Mode,
	}
	if p.ApprovalLimit != nil {
		limit := *p.ApprovalLimit
		ictx.ApprovalLimit = &limit
	}
	return ictx
}

// Authenticator validates an API key and returns its principal.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

// ExtractBearerToken returns the agk_ key from an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return "", ErrUnauthenticated
	}
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	} else {
		return "", ErrUnauthenticated
	}
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < prefixLen {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// LookupPrefix returns the clear-text prefix a key is stored and revoked by.
// Keys shorter than the prefix are returned unchanged.
func LookupPrefix(key string) string {
	if len(key) < prefixLen {
		return key
	}
	return key[:prefixLen]
}
