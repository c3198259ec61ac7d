package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chrissnell/utilitywatch/internal/types"
)

// MinSafetyMargin is the shortest time before expiry at which a cached token
// is still used. Configured margins below this are raised to it.
const MinSafetyMargin = time.Hour

// RefreshFunc obtains a brand new token from the provider.
type RefreshFunc func(ctx context.Context) (types.Token, error)

// TokenCache holds one provider's token for the life of the process.
type TokenCache struct {
	provider string
	margin   time.Duration
	refresh  RefreshFunc
	now      func() time.Time

	mu    sync.Mutex
	token types.Token
}

// NewTokenCache creates a cache that calls refresh whenever the held token is
// missing or expires within margin.
func NewTokenCache(provider string, margin time.Duration, refresh RefreshFunc) *TokenCache {
	if margin < MinSafetyMargin {
		margin = MinSafetyMargin
	}
	return &TokenCache{
		provider: provider,
		margin:   margin,
		refresh:  refresh,
		now:      time.Now,
	}
}

// Get returns the cached token or a freshly obtained one.
func (c *TokenCache) Get(ctx context.Context) (types.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.ValidFor(c.margin, c.now()) {
		return c.token, nil
	}

	tok, err := c.refresh(ctx)
	if err != nil {
		c.token = types.Token{}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return types.Token{}, err
		}
		return types.Token{}, &AuthError{Provider: c.provider, Err: err}
	}
	if tok.Value == "" {
		return types.Token{}, &AuthError{Provider: c.provider, Err: fmt.Errorf("provider returned an empty token")}
	}

	c.token = tok
	return tok, nil
}

// Invalidate drops the cached token so the next Get re-authenticates.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = types.Token{}
	c.mu.Unlock()
}

// IdentifierCache resolves a value once and then serves it for the rest of the
// process. A failed resolution is not remembered.
type IdentifierCache[T any] struct {
	mu       sync.Mutex
	value    T
	resolved bool
}

// Get returns the cached value, calling resolve if nothing is cached yet.
func (c *IdentifierCache[T]) Get(ctx context.Context, resolve func(ctx context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved {
		return c.value, nil
	}

	v, err := resolve(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.value = v
	c.resolved = true
	return v, nil
}

// ExpiryFromJWT reads the exp claim of a JWT without verifying its signature.
// The token is only ever sent back to the party that issued it, so the claim is
// used purely to schedule the refresh.
func ExpiryFromJWT(token string) (time.Time, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse token: %w", err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("could not read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return exp.Time, nil
}
