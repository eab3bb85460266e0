package fhir

import "encoding/json"

// ResourceResult is the normalized outcome of one logical request: every
// matching resource across the pages that were fetched, in server order.
type ResourceResult struct {
	ResourceType string
	Items        []json.RawMessage
	// Total is the server-reported match count, when given.
	Total *int
	// NextPageToken is set when the page cap stopped pagination early. Pass it
	// to FetchPage to continue.
	NextPageToken string
	// Outcomes holds search-mode "outcome" entries (warnings about the search).
	Outcomes []OperationOutcome
}

// Truncated reports whether more pages remain.
func (r *ResourceResult) Truncated() bool {
	return r.NextPageToken != ""
}

// Len returns the number of items.
func (r *ResourceResult) Len() int {
	return len(r.Items)
}
