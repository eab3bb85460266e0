// Package pagination holds the Bundle link conventions used to walk
// searchset pages.
package pagination

// DefaultMaxPages bounds how many pages one logical search follows.
const DefaultMaxPages = 50

// Link relations used by searchset bundles.
const (
	RelationSelf     = "self"
	RelationNext     = "next"
	RelationPrevious = "previous"
)

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Find returns the URL of the first link with the given relation.
func Find(links []FHIRLink, relation string) (string, bool) {
	for _, l := range links {
		if l.Relation == relation && l.URL != "" {
			return l.URL, true
		}
	}
	return "", false
}

// Next returns the next-page URL, or "" when the bundle is the last page.
func Next(links []FHIRLink) string {
	u, _ := Find(links, RelationNext)
	return u
}
