package fhir

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/fhir-mcp/pkg/pagination"
)

// Bundle search entry modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// Bundle represents a FHIR Bundle resource as returned by a search.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink = pagination.FHIRLink

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// NextLink returns the next-page URL, or "" on the last page.
func (b *Bundle) NextLink() string {
	return pagination.Next(b.Link)
}

// IsOutcome reports whether the entry carries an OperationOutcome about the
// search rather than a matching resource.
func (e BundleEntry) IsOutcome() bool {
	return e.Search != nil && e.Search.Mode == SearchModeOutcome
}

func decodeBundle(body []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected Bundle, got resourceType %q", b.ResourceType)
	}
	return &b, nil
}
