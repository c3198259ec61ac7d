// Package sources defines the capability every authenticated data provider
// client implements, plus the token handling they share.
package sources

import (
	"context"
	"time"

	"github.com/chrissnell/utilitywatch/internal/types"
)

// SourceClient is an authenticated provider of time-bounded reading series.
// Implementations own their credential cache and re-authenticate on their own.
type SourceClient interface {
	// Name returns the provider identifier used in logs and configuration.
	Name() string

	// Authenticate returns a usable token, refreshing the cached one when it
	// is absent or close to expiry. Failures are *AuthError.
	Authenticate(ctx context.Context) (types.Token, error)

	// FetchRange returns the readings of resourceID in [from, to) at the
	// requested granularity, ordered by time. Failures are reported in the
	// result rather than returned, so callers can apply their own recovery.
	FetchRange(ctx context.Context, resourceID string, from, to time.Time, g types.Granularity) FetchResult
}

// FetchResult carries either a series or the error that prevented fetching it.
type FetchResult struct {
	Points types.Series
	Err    error
	// Skipped counts provider values dropped as data quality anomalies.
	Skipped int
}

// OK reports whether the fetch succeeded.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// Failed builds a FetchResult for err.
func Failed(err error) FetchResult {
	return FetchResult{Err: err}
}
