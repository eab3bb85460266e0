package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Read-side views of the R4 resources the tool layer summarizes. Only the
// fields that are rendered are modeled; dates stay strings because FHIR
// dates may be partial ("2019", "2019-04").

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Display returns the concept text, falling back to the first coding's
// display and then its code.
func (c *CodeableConcept) Display() string {
	if c == nil {
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	for _, cd := range c.Coding {
		if cd.Display != "" {
			return cd.Display
		}
	}
	for _, cd := range c.Coding {
		if cd.Code != "" {
			return cd.Code
		}
	}
	return ""
}

// Code returns the first coding's code.
func (c *CodeableConcept) Code() string {
	if c == nil {
		return ""
	}
	for _, cd := range c.Coding {
		if cd.Code != "" {
			return cd.Code
		}
	}
	return ""
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// String renders "Given Family", or the text form when parts are missing.
func (n HumanName) String() string {
	full := strings.TrimSpace(strings.Join(append(append([]string{}, n.Given...), n.Family), " "))
	if full == "" {
		return n.Text
	}
	return full
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// String joins the non-empty address parts with ", ".
func (a Address) String() string {
	parts := make([]string, 0, len(a.Line)+3)
	for _, p := range append(append([]string{}, a.Line...), a.City, a.State, a.PostalCode) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
	Code  string   `json:"code,omitempty"`
}

// String renders "value unit".
func (q *Quantity) String() string {
	if q == nil || q.Value == nil {
		return ""
	}
	unit := q.Unit
	if unit == "" {
		unit = q.Code
	}
	return strings.TrimSpace(fmt.Sprintf("%v %s", *q.Value, unit))
}

type Patient struct {
	Resource
	Name      []HumanName    `json:"name,omitempty"`
	Gender    string         `json:"gender,omitempty"`
	BirthDate string         `json:"birthDate,omitempty"`
	Telecom   []ContactPoint `json:"telecom,omitempty"`
	Address   []Address      `json:"address,omitempty"`
}

// DisplayName returns the official name when present, else the first one.
func (p *Patient) DisplayName() string {
	for _, n := range p.Name {
		if n.Use == "official" {
			return n.String()
		}
	}
	if len(p.Name) > 0 {
		return p.Name[0].String()
	}
	return ""
}

type Condition struct {
	Resource
	Code           *CodeableConcept `json:"code,omitempty"`
	ClinicalStatus *CodeableConcept `json:"clinicalStatus,omitempty"`
	OnsetDateTime  string           `json:"onsetDateTime,omitempty"`
	OnsetString    string           `json:"onsetString,omitempty"`
	RecordedDate   string           `json:"recordedDate,omitempty"`
}

type Dosage struct {
	Text string `json:"text,omitempty"`
}

type MedicationRequest struct {
	Resource
	Status                    string           `json:"status,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	AuthoredOn                string           `json:"authoredOn,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
}

type Observation struct {
	Resource
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              *CodeableConcept  `json:"code,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
	ValueString       string            `json:"valueString,omitempty"`
	ValueBoolean      *bool             `json:"valueBoolean,omitempty"`
	ValueCodeable     *CodeableConcept  `json:"valueCodeableConcept,omitempty"`
}

type AllergyReaction struct {
	Manifestation []CodeableConcept `json:"manifestation,omitempty"`
	Severity      string            `json:"severity,omitempty"`
}

type AllergyIntolerance struct {
	Resource
	Code           *CodeableConcept  `json:"code,omitempty"`
	ClinicalStatus *CodeableConcept  `json:"clinicalStatus,omitempty"`
	Criticality    string            `json:"criticality,omitempty"`
	Reaction       []AllergyReaction `json:"reaction,omitempty"`
}

type Immunization struct {
	Resource
	Status             string           `json:"status,omitempty"`
	VaccineCode        *CodeableConcept `json:"vaccineCode,omitempty"`
	OccurrenceDateTime string           `json:"occurrenceDateTime,omitempty"`
	OccurrenceString   string           `json:"occurrenceString,omitempty"`
}

type Procedure struct {
	Resource
	Status            string           `json:"status,omitempty"`
	Code              *CodeableConcept `json:"code,omitempty"`
	PerformedDateTime string           `json:"performedDateTime,omitempty"`
	PerformedPeriod   *Period          `json:"performedPeriod,omitempty"`
}

// Decode unmarshals a raw resource into one of the views above.
func Decode[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DateOnly truncates a FHIR dateTime to its date part.
func DateOnly(s string) string {
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		return s[:i]
	}
	return s
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
