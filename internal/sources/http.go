package sources

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/chrissnell/utilitywatch/internal/constants"
)

// DefaultTimeout is used when a client is configured without a timeout.
const DefaultTimeout = 30 * time.Second

// UserAgent is sent with every provider request.
const UserAgent = constants.UserAgent

// NewRESTClient creates a standardized resty client for one provider.
func NewRESTClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", UserAgent).
		SetHeader("Accept", "application/json")
}

// SendFunc issues one request carrying token and returns the raw response.
type SendFunc func(ctx context.Context, token string) (*resty.Response, error)

// DoAuthorized sends a request with the cached token. If the provider rejects
// the token it is invalidated, a new one is obtained and the request is retried
// exactly once. A second rejection is reported as an *AuthError.
func DoAuthorized(ctx context.Context, cache *TokenCache, op string, send SendFunc) (*resty.Response, error) {
	resp, err := sendWithToken(ctx, cache, op, send)
	if err != nil {
		return nil, err
	}
	if !IsAuthRejection(resp.StatusCode()) {
		return resp, nil
	}

	cache.Invalidate()
	resp, err = sendWithToken(ctx, cache, op, send)
	if err != nil {
		return nil, err
	}
	if IsAuthRejection(resp.StatusCode()) {
		cache.Invalidate()
		return nil, &AuthError{
			Provider:   cache.provider,
			StatusCode: resp.StatusCode(),
			Err:        ErrAuthRejected,
		}
	}
	return resp, nil
}

func sendWithToken(ctx context.Context, cache *TokenCache, op string, send SendFunc) (*resty.Response, error) {
	tok, err := cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := send(ctx, tok.Value)
	if err != nil {
		return nil, &TransportError{Provider: cache.provider, Op: op, Err: err}
	}
	return resp, nil
}
