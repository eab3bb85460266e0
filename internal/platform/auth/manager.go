// Package auth implements the SMART Backend Services client credentials flow:
// signed client assertions exchanged for bearer access tokens, cached for the
// single service identity and refreshed at most once at a time.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/fhir-mcp/internal/platform/keys"
	"github.com/ehr/fhir-mcp/internal/platform/metrics"
	"github.com/ehr/fhir-mcp/internal/platform/retry"
)

const (
	// DefaultSafetyMargin is how long before expiry a cached token is
	// considered stale.
	DefaultSafetyMargin = 60 * time.Second

	// DefaultTokenLifetime is assumed when the server omits expires_in.
	DefaultTokenLifetime = 5 * time.Minute

	defaultHTTPTimeout    = 30 * time.Second
	maxTokenResponseBytes = 1 << 20
)

// Options configures a TokenManager. Zero values select defaults.
type Options struct {
	// Scopes are sent space-separated in the scope parameter. Empty omits it.
	Scopes            []string
	HTTPClient        *http.Client
	Timeout           time.Duration
	SafetyMargin      time.Duration
	AssertionLifetime time.Duration
	Retry             retry.Policy
	Clock             func() time.Time
	Logger            *zerolog.Logger
}

// TokenManager hands out valid access tokens for one service identity.
//
// Cache hits only take a read lock. On a miss, exactly one exchange runs and
// every concurrent caller waits for its result. The exchange is detached from
// the caller that started it, so a canceled caller does not fail the others;
// each caller still returns as soon as its own context is done.
type TokenManager struct {
	identity   *keys.Identity
	tokenURL   string
	scope      string
	builder    *AssertionBuilder
	httpClient *http.Client
	timeout    time.Duration
	margin     time.Duration
	policy     retry.Policy
	now        func() time.Time
	logger     zerolog.Logger

	cache tokenCache
	group singleflight.Group
}

// NewTokenManager creates a manager exchanging assertions for identity at
// tokenURL.
func NewTokenManager(identity *keys.Identity, tokenURL string, opts Options) (*TokenManager, error) {
	if identity == nil || identity.PrivateKey == nil {
		return nil, errors.New("auth: identity with a private key is required")
	}
	if identity.ClientID == "" {
		return nil, errors.New("auth: client id is required")
	}
	u, err := url.Parse(tokenURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("auth: invalid token URL %q", tokenURL)
	}

	m := &TokenManager{
		identity:   identity,
		tokenURL:   tokenURL,
		scope:      strings.Join(opts.Scopes, " "),
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		margin:     opts.SafetyMargin,
		policy:     opts.Retry,
		now:        opts.Clock,
		logger:     zerolog.Nop(),
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{}
	}
	if m.timeout <= 0 {
		m.timeout = defaultHTTPTimeout
	}
	if m.margin <= 0 {
		m.margin = DefaultSafetyMargin
	}
	if m.policy.MaxAttempts == 0 {
		m.policy = retry.DefaultPolicy()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.Logger != nil {
		m.logger = opts.Logger.With().Str("component", "token_manager").Logger()
	}
	m.builder = NewAssertionBuilder(tokenURL,
		WithAssertionLifetime(opts.AssertionLifetime),
		WithAssertionClock(m.now),
	)
	return m, nil
}

// GetValidToken returns a cached token when it is valid beyond the safety
// margin, otherwise obtains a new one.
func (m *TokenManager) GetValidToken(ctx context.Context) (*AccessToken, error) {
	if tok := m.cache.get(); tok.ValidAt(m.now(), m.margin) {
		metrics.TokenCacheHits.Inc()
		return tok, nil
	}

	ch := m.group.DoChan(m.identity.ClientID, func() (any, error) {
		// Another flight may have stored a token while this one was queued.
		if tok := m.cache.get(); tok.ValidAt(m.now(), m.margin) {
			return tok, nil
		}
		tok, err := m.exchange(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.cache.set(tok)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccessToken), nil
	}
}

// Invalidate evicts the cached token if its value equals rejected. It returns
// true when a token was evicted.
func (m *TokenManager) Invalidate(rejected string) bool {
	if !m.cache.invalidate(rejected) {
		return false
	}
	metrics.TokenInvalidations.Inc()
	m.logger.Info().Msg("cached access token invalidated")
	return true
}

func (m *TokenManager) exchange(ctx context.Context) (*AccessToken, error) {
	policy := m.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordRetry(metrics.TargetToken)
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("token exchange failed, retrying")
	}

	tok, err := retry.Do(ctx, policy, m.exchangeOnce)
	if err != nil {
		m.logger.Error().Err(err).Msg("token exchange failed")
		return nil, err
	}
	m.logger.Info().
		Time("expires_at", tok.ExpiresAt).
		Str("scope", tok.Scope).
		Msg("obtained access token")
	return tok, nil
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
	Scope       string      `json:"scope"`
}

// exchangeOnce performs one token request with a freshly signed assertion.
// Transport failures, 429 and 5xx are marked retryable; everything else is
// final.
func (m *TokenManager) exchangeOnce(ctx context.Context, attempt int) (*AccessToken, error) {
	assertion, err := m.builder.Build(m.identity)
	if err != nil {
		metrics.RecordTokenExchange(metrics.OutcomeSigning)
		return nil, err
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {ClientAssertionType},
		"client_assertion":      {assertion.Token},
	}
	if m.scope != "" {
		form.Set("scope", m.scope)
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TokenError{Kind: ErrAuthServerUnreachable, Attempts: attempt, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	m.logger.Debug().Str("jti", assertion.ID).Int("attempt", attempt).Msg("requesting access token")

	sent := m.now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		metrics.RecordTokenExchange(metrics.OutcomeUnreachable)
		return nil, retry.Retryable(&TokenError{Kind: ErrAuthServerUnreachable, Attempts: attempt, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		metrics.RecordTokenExchange(metrics.OutcomeUnreachable)
		return nil, retry.Retryable(&TokenError{
			Kind:       ErrAuthServerUnreachable,
			StatusCode: resp.StatusCode,
			Attempts:   attempt,
			Err:        fmt.Errorf("reading response: %w", err),
		})
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		tok, err := parseTokenResponse(body, sent)
		if err != nil {
			metrics.RecordTokenExchange(metrics.OutcomeMalformed)
			return nil, &TokenError{Kind: ErrMalformedTokenResponse, StatusCode: resp.StatusCode, Attempts: attempt, Err: err}
		}
		metrics.RecordTokenExchange(metrics.OutcomeSuccess)
		return tok, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.RecordTokenExchange(metrics.OutcomeUnreachable)
		tokenErr := &TokenError{
			Kind:       ErrAuthServerUnreachable,
			StatusCode: resp.StatusCode,
			OAuth:      parseOAuthError(body),
			Attempts:   attempt,
		}
		wait, _ := retry.ParseRetryAfter(resp.Header.Get("Retry-After"), m.now())
		return nil, retry.RetryableAfter(tokenErr, wait)

	case resp.StatusCode >= 400:
		metrics.RecordTokenExchange(metrics.OutcomeRejected)
		tokenErr := &TokenError{
			Kind:       ErrInvalidClientCredentials,
			StatusCode: resp.StatusCode,
			OAuth:      parseOAuthError(body),
			Attempts:   attempt,
		}
		if tokenErr.OAuth == nil {
			tokenErr.Err = fmt.Errorf("response body: %s", snippet(body))
		}
		return nil, tokenErr

	default:
		metrics.RecordTokenExchange(metrics.OutcomeMalformed)
		return nil, &TokenError{
			Kind:       ErrMalformedTokenResponse,
			StatusCode: resp.StatusCode,
			Attempts:   attempt,
			Err:        errors.New("unexpected status"),
		}
	}
}

func parseTokenResponse(body []byte, sent time.Time) (*AccessToken, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("access_token missing")
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	if !strings.EqualFold(tokenType, "bearer") {
		return nil, fmt.Errorf("unsupported token_type %q", tr.TokenType)
	}

	lifetime := DefaultTokenLifetime
	if tr.ExpiresIn != "" {
		secs, err := tr.ExpiresIn.Float64()
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid expires_in %q", tr.ExpiresIn)
		}
		lifetime = time.Duration(secs * float64(time.Second))
	}

	return &AccessToken{
		Value:     tr.AccessToken,
		Type:      "Bearer",
		Scope:     tr.Scope,
		ExpiresAt: sent.Add(lifetime),
	}, nil
}

func parseOAuthError(body []byte) *OAuthError {
	var oe OAuthError
	if err := json.Unmarshal(body, &oe); err != nil || oe.Code == "" {
		return nil
	}
	return &oe
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	if s == "" {
		s = "(empty)"
	}
	return s
}
