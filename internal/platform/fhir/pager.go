package fhir

import (
	"context"
	"time"

	"github.com/ehr/fhir-mcp/internal/platform/metrics"
)

// Pager walks a searchset one page at a time by following next links.
// An abandoned walk can be resumed later from NextURL.
type Pager struct {
	client       *Client
	resourceType string
	next         string
	pages        int
}

func (c *Client) newPager(resourceType, startURL string) *Pager {
	return &Pager{client: c, resourceType: resourceType, next: startURL}
}

// More reports whether another page is available.
func (p *Pager) More() bool { return p.next != "" }

// NextURL returns the URL of the page Next would fetch.
func (p *Pager) NextURL() string { return p.next }

// Pages returns how many pages have been fetched.
func (p *Pager) Pages() int { return p.pages }

// Next fetches the next page. Next links that leave the configured base URL
// end the walk with an error rather than sending the token elsewhere.
func (p *Pager) Next(ctx context.Context) (*Bundle, error) {
	start := time.Now()
	body, err := p.client.get(ctx, p.resourceType, p.next)
	if err != nil {
		return nil, err
	}

	b, err := decodeBundle(body)
	if err != nil {
		return nil, &RequestError{Kind: ErrUpstreamServer, ResourceType: p.resourceType, Err: err}
	}
	p.pages++
	metrics.PagesFetched.WithLabelValues(p.resourceType).Inc()

	next := b.NextLink()
	if next != "" {
		resolved, err := p.client.resolve(next)
		if err != nil {
			return nil, &RequestError{Kind: ErrUpstreamServer, ResourceType: p.resourceType, Err: err}
		}
		next = resolved
	}
	p.next = next

	p.client.logger.Debug().
		Str("resource_type", p.resourceType).
		Int("page", p.pages).
		Int("entries", len(b.Entry)).
		Bool("has_next", next != "").
		Dur("latency", time.Since(start)).
		Msg("fetched bundle page")
	return b, nil
}
