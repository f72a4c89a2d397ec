package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const defaultCacheTTL = 30 * time.Second

// KeyAuthenticator validates API keys against the api_keys table. Resolved
// principals are cached with stale-while-revalidate so the hot path skips
// the database and bcrypt. Failures never degrade to an anonymous principal.
type KeyAuthenticator struct {
	keys   KeyLookup
	cache  *AuthCache
	logger *zap.Logger
}

// NewKeyAuthenticator creates a KeyAuthenticator. A zero ttl uses 30s.
func NewKeyAuthenticator(keys KeyLookup, ttl time.Duration, logger *zap.Logger) *KeyAuthenticator {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &KeyAuthenticator{
		keys:   keys,
		cache:  NewAuthCache(ttl),
		logger: logger,
	}
}

// Authenticate resolves apiKey.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	if res := a.cache.Get(apiKey); res.Hit {
		if res.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return res.Principal, nil
	}

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("api key store unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(apiKey, p)
	return p, nil
}

func (a *KeyAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, p)
}

func (a *KeyAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	if len(apiKey) < prefixLen {
		return nil, ErrInvalidAPIKey
	}

	row, err := a.keys.LookupByPrefix(ctx, apiKey[:prefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	p, err := row.principal()
	if err != nil {
		a.logger.Error("api key row is corrupt",
			zap.String("studio_id", row.StudioID),
			zap.Error(err),
		)
		return nil, ErrInvalidAPIKey
	}
	return p, nil
}
