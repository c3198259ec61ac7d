// Package waterportal implements the water consumption source client. The
// portal uses a challenge/response login that yields a JWT, and its GraphQL
// API only serves readings once the account and meter have been resolved.
package waterportal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/sources"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// ProviderName identifies this client in logs and configuration.
const ProviderName = "waterportal"

const (
	viewerQuery = `query Viewer {
  viewer {
    accounts {
      number
      meters { serial }
    }
  }
}`

	readingsQuery = `query Readings($accountNumber: String!, $meterSerial: String!, $from: DateTime!, $to: DateTime!, $granularity: Granularity!) {
  smartMeterReadings(accountNumber: $accountNumber, meterSerial: $meterSerial, from: $from, to: $to, granularity: $granularity) {
    readAt
    consumption
  }
}`
)

var granularities = map[types.Granularity]string{
	types.HalfHour: "HALF_HOUR",
	types.Day:      "DAY",
}

// Config holds the water portal account settings. AccountNumber is optional;
// when empty the first account with a meter is used.
type Config struct {
	BaseURL       string
	Username      string
	Password      string
	AccountNumber string
	Timeout       time.Duration
	SafetyMargin  time.Duration
}

// Account is the identifier pair every readings query needs.
type Account struct {
	Number      string
	MeterSerial string
}

// Client talks to the water portal.
type Client struct {
	cfg     Config
	http    *resty.Client
	tokens  *sources.TokenCache
	account sources.IdentifierCache[Account]
	logger  *zap.SugaredLogger
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type tokenRequest struct {
	Username string `json:"username"`
	Response string `json:"response"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type viewerData struct {
	Viewer struct {
		Accounts []struct {
			Number string `json:"number"`
			Meters []struct {
				Serial string `json:"serial"`
			} `json:"meters"`
		} `json:"accounts"`
	} `json:"viewer"`
}

type readingsData struct {
	SmartMeterReadings []struct {
		ReadAt      time.Time `json:"readAt"`
		Consumption *string   `json:"consumption"`
	} `json:"smartMeterReadings"`
}

// New creates a client. No request is made until the first fetch.
func New(cfg Config) *Client {
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

// SignChallenge computes the hex HMAC-SHA256 of challenge keyed by password.
func SignChallenge(password, challenge string) string {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) login(ctx context.Context) (types.Token, error) {
	c.logger.Debug("requesting login challenge")

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": c.cfg.Username}).
		Post("/auth/challenge")
	if err != nil {
		return types.Token{}, &sources.AuthError{Provider: ProviderName, Err: err}
	}
	if err := checkAuthStatus(resp); err != nil {
		return types.Token{}, err
	}
	var cr challengeResponse
	if err := json.Unmarshal(resp.Body(), &cr); err != nil || cr.Challenge == "" {
		if err == nil {
			err = errors.New("empty challenge")
		}
		return types.Token{}, &sources.ParseError{Provider: ProviderName, Op: "auth challenge", Excerpt: sources.Excerpt(resp.Body()), Err: err}
	}

	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(tokenRequest{Username: c.cfg.Username, Response: SignChallenge(c.cfg.Password, cr.Challenge)}).
		Post("/auth/token")
	if err != nil {
		return types.Token{}, &sources.AuthError{Provider: ProviderName, Err: err}
	}
	if err := checkAuthStatus(resp); err != nil {
		return types.Token{}, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return types.Token{}, &sources.ParseError{Provider: ProviderName, Op: "auth token", Excerpt: sources.Excerpt(resp.Body()), Err: err}
	}

	tok := types.Token{Value: tr.Token}
	expiry, err := sources.ExpiryFromJWT(tr.Token)
	if err != nil {
		// Without an expiry the token is used until the portal rejects it.
		c.logger.Warnw("token carries no readable expiry", "error", err)
	} else {
		tok.Expiry = expiry
	}
	c.logger.Infow("obtained token", "expires", tok.Expiry)
	return tok, nil
}

func checkAuthStatus(resp *resty.Response) error {
	if sources.IsAuthRejection(resp.StatusCode()) {
		return &sources.AuthError{Provider: ProviderName, StatusCode: resp.StatusCode(), Err: sources.ErrAuthRejected}
	}
	if resp.StatusCode() != http.StatusOK {
		return &sources.AuthError{
			Provider:   ProviderName,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("unexpected status: %s", sources.Excerpt(resp.Body())),
		}
	}
	return nil
}

// graphQL runs one query and decodes its data member into out. A GraphQL
// UNAUTHENTICATED error is treated like an HTTP 401.
func (c *Client) graphQL(ctx context.Context, op, query string, vars map[string]interface{}, out interface{}) error {
	send := func(ctx context.Context, token string) (*resty.Response, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+token).
			SetBody(graphQLRequest{Query: query, Variables: vars}).
			Post("/graphql")
		if err == nil && resp.StatusCode() == http.StatusOK && isUnauthenticated(resp.Body()) {
			resp.RawResponse.StatusCode = http.StatusUnauthorized
		}
		return resp, err
	}

	resp, err := sources.DoAuthorized(ctx, c.tokens, op, send)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return sources.NewStatusError(ProviderName, op, resp.StatusCode(), resp.Body())
	}

	var gr graphQLResponse
	if err := json.Unmarshal(resp.Body(), &gr); err != nil {
		return &sources.ParseError{Provider: ProviderName, Op: op, Excerpt: sources.Excerpt(resp.Body()), Err: err}
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return &sources.TransportError{Provider: ProviderName, Op: op, Err: fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))}
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return &sources.ParseError{Provider: ProviderName, Op: op, Excerpt: sources.Excerpt(resp.Body()), Err: err}
	}
	return nil
}

func isUnauthenticated(body []byte) bool {
	var gr graphQLResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return false
	}
	for _, e := range gr.Errors {
		if e.Extensions.Code == "UNAUTHENTICATED" {
			return true
		}
	}
	return false
}

// Account returns the account number and meter serial, resolving them on the
// first call and serving the cached pair afterwards.
func (c *Client) Account(ctx context.Context) (Account, error) {
	return c.account.Get(ctx, c.resolveAccount)
}

// MeterSerial returns the serial of the resolved account's meter.
func (c *Client) MeterSerial(ctx context.Context) (string, error) {
	acct, err := c.Account(ctx)
	if err != nil {
		return "", err
	}
	return acct.MeterSerial, nil
}

func (c *Client) resolveAccount(ctx context.Context) (Account, error) {
	var vd viewerData
	if err := c.graphQL(ctx, "resolve account", viewerQuery, nil, &vd); err != nil {
		return Account{}, err
	}

	for _, a := range vd.Viewer.Accounts {
		if c.cfg.AccountNumber != "" && a.Number != c.cfg.AccountNumber {
			continue
		}
		if len(a.Meters) == 0 {
			continue
		}
		acct := Account{Number: a.Number, MeterSerial: a.Meters[0].Serial}
		c.logger.Infow("resolved account", "account", acct.Number, "meter", acct.MeterSerial)
		return acct, nil
	}

	return Account{}, &sources.ParseError{
		Provider: ProviderName,
		Op:       "resolve account",
		Err:      fmt.Errorf("no account with a meter found (wanted %q)", c.cfg.AccountNumber),
	}
}

// FetchRange implements sources.SourceClient. resourceID selects a meter
// serial; an empty resourceID uses the resolved account's meter.
func (c *Client) FetchRange(ctx context.Context, resourceID string, from, to time.Time, g types.Granularity) sources.FetchResult {
	gran, ok := granularities[g]
	if !ok {
		return sources.Failed(fmt.Errorf("%s: unsupported granularity %q", ProviderName, g))
	}

	acct, err := c.Account(ctx)
	if err != nil {
		return sources.Failed(err)
	}
	serial := acct.MeterSerial
	if resourceID != "" {
		serial = resourceID
	}

	var rd readingsData
	err = c.graphQL(ctx, "readings "+serial, readingsQuery, map[string]interface{}{
		"accountNumber": acct.Number,
		"meterSerial":   serial,
		"from":          from.UTC().Format(time.RFC3339),
		"to":            to.UTC().Format(time.RFC3339),
		"granularity":   gran,
	}, &rd)
	if err != nil {
		return sources.Failed(err)
	}

	var result sources.FetchResult
	for _, r := range rd.SmartMeterReadings {
		if r.ReadAt.Before(from) || !r.ReadAt.Before(to) {
			continue
		}
		if r.Consumption == nil {
			result.Skipped++
			continue
		}
		v, err := strconv.ParseFloat(*r.Consumption, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			result.Skipped++
			c.logger.Warnw("skipping unparsable reading",
				"meter", serial,
				"read_at", r.ReadAt,
				"error", &types.DataQualityAnomaly{Kind: types.AnomalyUnparsable, Subject: serial, Detail: *r.Consumption},
			)
			continue
		}
		result.Points = append(result.Points, types.Point{Time: r.ReadAt.UTC(), Value: v})
	}

	sort.Slice(result.Points, func(i, j int) bool {
		return result.Points[i].Time.Before(result.Points[j].Time)
	})
	return result
}
