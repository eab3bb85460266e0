// Package fhir is the resource API client: authenticated GETs against a FHIR
// R4 base URL, next-link pagination, retries and error translation into a
// stable result shape.
package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/fhir-mcp/internal/platform/auth"
	"github.com/ehr/fhir-mcp/internal/platform/metrics"
	"github.com/ehr/fhir-mcp/internal/platform/retry"
	"github.com/ehr/fhir-mcp/pkg/pagination"
)

const (
	// ContentType is the FHIR JSON media type requested from the server.
	ContentType = "application/fhir+json"

	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
	maxResourceID  = 256
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)
	resourceIDPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]+$`)
)

// TokenSource supplies bearer tokens and accepts server-side rejections.
// *auth.TokenManager implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context) (*auth.AccessToken, error)
	Invalidate(token string) bool
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	// Timeout bounds each outbound request.
	Timeout time.Duration
	// MaxPages caps how many pages one Fetch follows.
	MaxPages int
	Retry    retry.Policy
	// Limiter, when set, paces outbound requests.
	Limiter *rate.Limiter
	Logger  *zerolog.Logger
}

// Client issues read and search requests against one FHIR base URL.
// It is safe for concurrent use.
type Client struct {
	base       *url.URL
	tokens     TokenSource
	httpClient *http.Client
	timeout    time.Duration
	maxPages   int
	policy     retry.Policy
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewClient creates a client for the absolute baseURL.
func NewClient(baseURL string, tokens TokenSource, opts Options) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("fhir: token source is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("fhir: invalid base URL %q", baseURL)
	}
	u.RawQuery = ""
	u.Fragment = ""

	c := &Client{
		base:       u,
		tokens:     tokens,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		maxPages:   opts.MaxPages,
		policy:     opts.Retry,
		limiter:    opts.Limiter,
		logger:     zerolog.Nop(),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxPages <= 0 {
		c.maxPages = pagination.DefaultMaxPages
	}
	if c.policy.MaxAttempts == 0 {
		c.policy = retry.DefaultPolicy()
	}
	if opts.Logger != nil {
		c.logger = opts.Logger.With().Str("component", "fhir_client").Logger()
	}
	return c, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Fetch runs a search and follows next links until the bundle is exhausted
// or the page cap is reached. params may be nil.
func (c *Client) Fetch(ctx context.Context, resourceType string, params url.Values) (*ResourceResult, error) {
	if err := validateResourceType(resourceType); err != nil {
		return nil, err
	}
	u := *c.base
	u.Path = path.Join(c.base.Path, resourceType)
	u.RawQuery = params.Encode()
	return c.collect(ctx, resourceType, u.String())
}

// FetchByID reads one resource. The result has exactly one item; a missing
// resource is ErrResourceNotFound, never an empty result.
func (c *Client) FetchByID(ctx context.Context, resourceType, id string) (*ResourceResult, error) {
	if err := validateResourceType(resourceType); err != nil {
		return nil, err
	}
	if len(id) == 0 || len(id) > maxResourceID || !resourceIDPattern.MatchString(id) || strings.Trim(id, ".") == "" {
		return nil, &RequestError{Kind: ErrValidation, ResourceType: resourceType, Err: fmt.Errorf("invalid resource id %q", id)}
	}

	u := *c.base
	u.Path = path.Join(c.base.Path, resourceType, id)
	body, err := c.get(ctx, resourceType, u.String())
	if err != nil {
		return nil, err
	}

	var r Resource
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &RequestError{Kind: ErrUpstreamServer, ResourceType: resourceType, Path: u.Path, Err: err}
	}
	if r.ResourceType != resourceType {
		return nil, &RequestError{
			Kind:         ErrUpstreamServer,
			ResourceType: resourceType,
			Path:         u.Path,
			Outcome:      decodeOutcome(body),
			Err:          fmt.Errorf("expected %s, got resourceType %q", resourceType, r.ResourceType),
		}
	}
	return &ResourceResult{
		ResourceType: resourceType,
		Items:        []json.RawMessage{body},
	}, nil
}

// FetchPage continues a truncated result from its NextPageToken. Tokens that
// do not point under the base URL are rejected before any request is sent.
func (c *Client) FetchPage(ctx context.Context, resourceType, pageToken string) (*ResourceResult, error) {
	if err := validateResourceType(resourceType); err != nil {
		return nil, err
	}
	target, err := c.resolve(pageToken)
	if err != nil {
		return nil, &RequestError{Kind: ErrValidation, ResourceType: resourceType, Err: errors.Join(ErrInvalidPageToken, err)}
	}
	return c.collect(ctx, resourceType, target)
}

func (c *Client) collect(ctx context.Context, resourceType, startURL string) (*ResourceResult, error) {
	res := &ResourceResult{ResourceType: resourceType}
	pager := c.newPager(resourceType, startURL)

	for pager.More() {
		if pager.Pages() >= c.maxPages {
			res.NextPageToken = pager.NextURL()
			metrics.TruncatedResults.WithLabelValues(resourceType).Inc()
			c.logger.Warn().
				Str("resource_type", resourceType).
				Int("pages", pager.Pages()).
				Int("items", len(res.Items)).
				Msg("page cap reached, returning partial result")
			break
		}

		b, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		if res.Total == nil && b.Total != nil {
			total := *b.Total
			res.Total = &total
		}
		for _, e := range b.Entry {
			if e.IsOutcome() {
				if o := decodeOutcome(e.Resource); o != nil {
					res.Outcomes = append(res.Outcomes, *o)
				}
				continue
			}
			if len(e.Resource) == 0 {
				continue
			}
			res.Items = append(res.Items, e.Resource)
		}
	}
	return res, nil
}

// get performs an authenticated GET. A 401 evicts the token that was
// rejected and the request is repeated once with a fresh token.
func (c *Client) get(ctx context.Context, resourceType, target string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		tok, err := c.tokens.GetValidToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining access token: %w", err)
		}

		body, err := c.send(ctx, resourceType, target, tok)
		var reqErr *RequestError
		if attempt == 1 && errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate(tok.Value)
			c.logger.Info().Str("resource_type", resourceType).Msg("access token rejected, refreshing once")
			continue
		}
		return body, err
	}
}

func (c *Client) send(ctx context.Context, resourceType, target string, tok *auth.AccessToken) ([]byte, error) {
	policy := c.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordRetry(metrics.TargetResource)
		c.logger.Warn().
			Err(err).
			Str("resource_type", resourceType).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("resource request failed, retrying")
	}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) ([]byte, error) {
		return c.sendOnce(ctx, resourceType, target, tok, attempt)
	})
}

// sendOnce issues one GET and classifies the response. Transport failures,
// 429 and 5xx come back marked retryable.
func (c *Client) sendOnce(ctx context.Context, resourceType, target string, tok *auth.AccessToken, attempt int) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &RequestError{Kind: ErrValidation, ResourceType: resourceType, Err: err}
	}
	req.Header.Set("Accept", ContentType)
	tok.SetAuthHeader(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordResourceRequest(resourceType, 0, time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, retry.Retryable(&RequestError{
			Kind:         ErrNetwork,
			ResourceType: resourceType,
			Path:         req.URL.Path,
			Attempts:     attempt,
			Err:          err,
		})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)
	metrics.RecordResourceRequest(resourceType, resp.StatusCode, elapsed)
	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("resource_type", resourceType).
		Int("status", resp.StatusCode).
		Int("attempt", attempt).
		Dur("latency", elapsed).
		Msg("resource request")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, retry.Retryable(&RequestError{
			Kind:         ErrNetwork,
			ResourceType: resourceType,
			Path:         req.URL.Path,
			StatusCode:   resp.StatusCode,
			Attempts:     attempt,
			Err:          fmt.Errorf("reading response: %w", err),
		})
	}

	reqErr := &RequestError{
		ResourceType: resourceType,
		Path:         req.URL.Path,
		StatusCode:   resp.StatusCode,
		Attempts:     attempt,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if !json.Valid(body) {
			reqErr.Kind = ErrUpstreamServer
			reqErr.Err = errors.New("response body is not JSON")
			return nil, reqErr
		}
		return body, nil
	}

	reqErr.Outcome = decodeOutcome(body)
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		reqErr.Kind = ErrAuthenticationFailed
		return nil, reqErr
	case code == http.StatusNotFound || code == http.StatusGone:
		reqErr.Kind = ErrResourceNotFound
		return nil, reqErr
	case code == http.StatusTooManyRequests:
		reqErr.Kind = ErrRateLimited
		wait, _ := retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, retry.RetryableAfter(reqErr, wait)
	case code >= 500:
		reqErr.Kind = ErrUpstreamServer
		wait, _ := retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, retry.RetryableAfter(reqErr, wait)
	case code >= 400:
		reqErr.Kind = ErrValidation
		return nil, reqErr
	default:
		reqErr.Kind = ErrUpstreamServer
		reqErr.Err = errors.New("unexpected status")
		return nil, reqErr
	}
}

// resolve turns a next link or page token into an absolute URL and checks
// that it stays under the base URL.
func (c *Client) resolve(link string) (string, error) {
	if strings.TrimSpace(link) == "" {
		return "", errors.New("empty link")
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parsing link: %w", err)
	}
	// Relative links are relative to the service base, not its parent.
	root := *c.base
	root.Path = strings.TrimSuffix(root.Path, "/") + "/"
	root.RawPath = ""
	u = root.ResolveReference(u)

	if !strings.EqualFold(u.Scheme, c.base.Scheme) || !strings.EqualFold(u.Host, c.base.Host) {
		return "", fmt.Errorf("link origin %s://%s differs from base URL", u.Scheme, u.Host)
	}
	basePath := strings.TrimSuffix(c.base.Path, "/")
	if u.Path != basePath && !strings.HasPrefix(u.Path, basePath+"/") {
		return "", errors.New("link path is outside the base URL")
	}
	return u.String(), nil
}

func validateResourceType(resourceType string) error {
	if !resourceTypePattern.MatchString(resourceType) {
		return &RequestError{Kind: ErrValidation, Err: fmt.Errorf("invalid resource type %q", resourceType)}
	}
	return nil
}
