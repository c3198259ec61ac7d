// Package glowmarkt implements the electricity and gas source client for the
// Glowmarkt (Hildebrand Glow) smart meter API.
package glowmarkt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/sources"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// ProviderName identifies this client in logs and configuration.
const ProviderName = "glowmarkt"

// DefaultBaseURL is the public Glowmarkt API root.
const DefaultBaseURL = "https://api.glowmarkt.com/api/v0-1"

// queryTimeLayout is the from/to format the readings endpoint accepts. Times
// are always sent in UTC.
const queryTimeLayout = "2006-01-02T15:04:05"

// Largest window the API serves in one readings request, per period.
var maxSpan = map[types.Granularity]time.Duration{
	types.HalfHour: 10 * 24 * time.Hour,
	types.Day:      31 * 24 * time.Hour,
}

var periods = map[types.Granularity]string{
	types.HalfHour: "PT30M",
	types.Day:      "P1D",
}

// Config holds the Glowmarkt account settings.
type Config struct {
	BaseURL       string
	Username      string
	Password      string
	ApplicationID string
	Timeout       time.Duration
	SafetyMargin  time.Duration
}

// Client fetches virtual entity resource readings from Glowmarkt.
type Client struct {
	cfg    Config
	http   *resty.Client
	tokens *sources.TokenCache
	logger *zap.SugaredLogger
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Valid bool   `json:"valid"`
	Token string `json:"token"`
	Exp   int64  `json:"exp"`
}

// readingsResponse carries [[unix seconds, value], ...]; either element may
// be null.
type readingsResponse struct {
	Resource string        `json:"resourceId"`
	Data     [][2]*float64 `json:"data"`
}

// New creates a client. No request is made until the first fetch.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	c := &Client{
		cfg:    cfg,
		http:   sources.NewRESTClient(cfg.BaseURL, cfg.Timeout),
		logger: log.Named(ProviderName),
	}
	c.tokens = sources.NewTokenCache(ProviderName, cfg.SafetyMargin, c.login)
	return c
}

// Name implements sources.SourceClient.
func (c *Client) Name() string {
	return ProviderName
}

// Authenticate implements sources.SourceClient.
func (c *Client) Authenticate(ctx context.Context) (types.Token, error) {
	return c.tokens.Get(ctx)
}

func (c *Client) login(ctx context.Context) (types.Token, error) {
	c.logger.Debug("requesting new token")

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("applicationId", c.cfg.ApplicationID).
		SetHeader("Content-Type", "application/json").
		SetBody(authRequest{Username: c.cfg.Username, Password: c.cfg.Password}).
		Post("/auth")
	if err != nil {
		return types.Token{}, &sources.AuthError{Provider: ProviderName, Err: err}
	}

	if sources.IsAuthRejection(resp.StatusCode()) {
		return types.Token{}, &sources.AuthError{Provider: ProviderName, StatusCode: resp.StatusCode(), Err: sources.ErrAuthRejected}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Token{}, &sources.AuthError{
			Provider:   ProviderName,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("unexpected status: %s", sources.Excerpt(resp.Body())),
		}
	}

	var ar authResponse
	if err := json.Unmarshal(resp.Body(), &ar); err != nil {
		return types.Token{}, &sources.ParseError{Provider: ProviderName, Op: "auth", Excerpt: sources.Excerpt(resp.Body()), Err: err}
	}
	if !ar.Valid || ar.Token == "" {
		return types.Token{}, &sources.AuthError{Provider: ProviderName, StatusCode: resp.StatusCode(), Err: sources.ErrAuthRejected}
	}

	tok := types.Token{Value: ar.Token}
	if ar.Exp > 0 {
		tok.Expiry = time.Unix(ar.Exp, 0)
	}
	c.logger.Infow("obtained token", "expires", tok.Expiry)
	return tok, nil
}

// FetchRange implements sources.SourceClient. Windows wider than the API
// allows are split into consecutive requests.
func (c *Client) FetchRange(ctx context.Context, resourceID string, from, to time.Time, g types.Granularity) sources.FetchResult {
	period, ok := periods[g]
	if !ok {
		return sources.Failed(fmt.Errorf("%s: unsupported granularity %q", ProviderName, g))
	}
	if !from.Before(to) {
		return sources.FetchResult{}
	}

	var result sources.FetchResult
	for start := from; start.Before(to); start = start.Add(maxSpan[g]) {
		end := start.Add(maxSpan[g])
		if end.After(to) {
			end = to
		}

		points, skipped, err := c.fetchWindow(ctx, resourceID, start, end, period)
		if err != nil {
			return sources.Failed(err)
		}
		result.Points = append(result.Points, points...)
		result.Skipped += skipped
	}

	sort.Slice(result.Points, func(i, j int) bool {
		return result.Points[i].Time.Before(result.Points[j].Time)
	})
	return result
}

func (c *Client) fetchWindow(ctx context.Context, resourceID string, from, to time.Time, period string) (types.Series, int, error) {
	op := "readings " + resourceID

	resp, err := sources.DoAuthorized(ctx, c.tokens, op, func(ctx context.Context, token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("applicationId", c.cfg.ApplicationID).
			SetHeader("token", token).
			SetPathParam("resource", resourceID).
			SetQueryParams(map[string]string{
				"from":     from.UTC().Format(queryTimeLayout),
				"to":       to.UTC().Format(queryTimeLayout),
				"period":   period,
				"function": "sum",
			}).
			Get("/resource/{resource}/readings")
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, 0, sources.NewStatusError(ProviderName, op, resp.StatusCode(), resp.Body())
	}

	var rr readingsResponse
	if err := json.Unmarshal(resp.Body(), &rr); err != nil {
		return nil, 0, &sources.ParseError{Provider: ProviderName, Op: op, Excerpt: sources.Excerpt(resp.Body()), Err: err}
	}
	if rr.Data == nil {
		return nil, 0, &sources.ParseError{
			Provider: ProviderName,
			Op:       op,
			Excerpt:  sources.Excerpt(resp.Body()),
			Err:      errors.New("response has no data array"),
		}
	}

	points := make(types.Series, 0, len(rr.Data))
	skipped := 0
	for _, pair := range rr.Data {
		if pair[0] == nil || pair[1] == nil {
			skipped++
			continue
		}
		ts := time.Unix(int64(*pair[0]), 0).UTC()
		// The API treats "to" as inclusive.
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		points = append(points, types.Point{Time: ts, Value: *pair[1]})
	}

	if skipped > 0 {
		c.logger.Warnw("skipped null readings",
			"resource", resourceID,
			"count", skipped,
			"from", from,
			"to", to,
		)
	}
	return points, skipped, nil
}
