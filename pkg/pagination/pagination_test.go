package pagination

import "testing"

func TestFind(t *testing.T) {
	links := []FHIRLink{
		{Relation: RelationSelf, URL: "https://fhir.example.com/Patient?_offset=0"},
		{Relation: RelationNext, URL: ""},
		{Relation: RelationNext, URL: "https://fhir.example.com/Patient?_offset=10"},
	}

	got, ok := Find(links, RelationNext)
	if !ok || got != "https://fhir.example.com/Patient?_offset=10" {
		t.Errorf("Find(next) = %q, %v", got, ok)
	}
	if _, ok := Find(links, RelationPrevious); ok {
		t.Error("did not expect a previous link")
	}
	if got, ok := Find(links, RelationSelf); !ok || got != "https://fhir.example.com/Patient?_offset=0" {
		t.Errorf("Find(self) = %q, %v", got, ok)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name  string
		links []FHIRLink
		want  string
	}{
		{"nil links", nil, ""},
		{"last page", []FHIRLink{{Relation: RelationSelf, URL: "/fhir/Patient?_offset=20"}, {Relation: RelationPrevious, URL: "/fhir/Patient?_offset=10"}}, ""},
		{"empty next url", []FHIRLink{{Relation: RelationNext}}, ""},
		{"middle page", []FHIRLink{{Relation: RelationSelf, URL: "/fhir/Patient?_offset=0"}, {Relation: RelationNext, URL: "/fhir/Patient?_offset=10"}}, "/fhir/Patient?_offset=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Next(tt.links); got != tt.want {
				t.Errorf("Next() = %q, want %q", got, tt.want)
			}
		})
	}
}
