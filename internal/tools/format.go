package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ehr/fhir-mcp/internal/platform/fhir"
)

// FormatPatient renders a single Patient for display.
func FormatPatient(raw json.RawMessage) string {
	p, err := fhir.Decode[fhir.Patient](raw)
	if err != nil || p.ResourceType == "" {
		return "No patient data found."
	}

	name := p.DisplayName()
	if name == "" {
		name = "Unknown"
	}
	lines := []string{
		fmt.Sprintf("**Patient: %s**", name),
		"FHIR ID: " + orDefault(p.ID, "unknown"),
		"Gender: " + capitalize(orDefault(p.Gender, "unknown")),
		"Birth Date: " + orDefault(p.BirthDate, "unknown"),
	}
	for _, cp := range p.Telecom {
		if cp.System != "" && cp.Value != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", capitalize(cp.System), cp.Value))
		}
	}
	if len(p.Address) > 0 {
		if addr := p.Address[0].String(); addr != "" {
			lines = append(lines, "Address: "+addr)
		}
	}
	return strings.Join(lines, "\n")
}

// FormatResult renders a search result as a numbered list. A truncated result
// ends with the page token needed to continue it.
func FormatResult(res *fhir.ResourceResult) string {
	if res == nil || len(res.Items) == 0 {
		if res != nil && res.Truncated() {
			return fmt.Sprintf("No %s found on the pages fetched so far.\n\n%s", res.ResourceType, continuation(res))
		}
		rt := "results"
		if res != nil {
			rt = res.ResourceType
		}
		return fmt.Sprintf("No %s found.", rt)
	}

	total := len(res.Items)
	if res.Total != nil && *res.Total > total {
		total = *res.Total
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Found %d %s(s)**\n", total, res.ResourceType)
	if total > len(res.Items) {
		fmt.Fprintf(&b, "Showing %d.\n", len(res.Items))
	}
	for i, raw := range res.Items {
		fmt.Fprintf(&b, "\n%d. %s", i+1, FormatResource(res.ResourceType, raw))
	}

	if notes := outcomeNotes(res.Outcomes); len(notes) > 0 {
		b.WriteString("\n\nNotes:")
		for _, n := range notes {
			b.WriteString("\n- " + n)
		}
	}
	if res.Truncated() {
		b.WriteString("\n\n" + continuation(res))
	}
	return b.String()
}

// FormatResource renders one resource as a single summary line.
func FormatResource(resourceType string, raw json.RawMessage) string {
	var (
		line string
		err  error
	)
	switch resourceType {
	case TypePatient:
		line, err = formatWith(raw, func(p *fhir.Patient) string {
			return fmt.Sprintf("%s (ID: %s)", p.DisplayName(), p.ID)
		})
	case TypeCondition:
		line, err = formatWith(raw, formatCondition)
	case TypeMedicationRequest:
		line, err = formatWith(raw, formatMedicationRequest)
	case TypeObservation:
		line, err = formatWith(raw, formatObservation)
	case TypeAllergyIntolerance:
		line, err = formatWith(raw, formatAllergy)
	case TypeImmunization:
		line, err = formatWith(raw, formatImmunization)
	case TypeProcedure:
		line, err = formatWith(raw, formatProcedure)
	default:
		line, err = formatWith(raw, func(r *fhir.Resource) string {
			return "Resource ID: " + orDefault(r.ID, "Unknown")
		})
	}
	if err != nil {
		return "Unreadable resource"
	}
	return line
}

func formatWith[T any](raw json.RawMessage, f func(*T) string) (string, error) {
	v, err := fhir.Decode[T](raw)
	if err != nil {
		return "", err
	}
	return f(v), nil
}

func formatCondition(c *fhir.Condition) string {
	line := fmt.Sprintf("%s | Status: %s",
		orDefault(c.Code.Display(), "Unknown condition"),
		orDefault(c.ClinicalStatus.Code(), "unknown"))
	if onset := fhir.DateOnly(orDefault(c.OnsetDateTime, c.OnsetString)); onset != "" {
		line += " | Onset: " + onset
	}
	return line
}

func formatMedicationRequest(m *fhir.MedicationRequest) string {
	med := m.MedicationCodeableConcept.Display()
	if med == "" && m.MedicationReference != nil {
		med = m.MedicationReference.Display
	}
	line := fmt.Sprintf("%s | Status: %s", orDefault(med, "Unknown medication"), orDefault(m.Status, "unknown"))
	if len(m.DosageInstruction) > 0 && m.DosageInstruction[0].Text != "" {
		line += " | Dosage: " + m.DosageInstruction[0].Text
	}
	return line
}

func formatObservation(o *fhir.Observation) string {
	value := "No value"
	switch {
	case o.ValueQuantity != nil && o.ValueQuantity.Value != nil:
		value = o.ValueQuantity.String()
	case o.ValueString != "":
		value = o.ValueString
	case o.ValueBoolean != nil:
		value = strconv.FormatBool(*o.ValueBoolean)
	case o.ValueCodeable != nil:
		value = orDefault(o.ValueCodeable.Display(), value)
	}
	line := fmt.Sprintf("%s: %s", orDefault(o.Code.Display(), "Unknown observation"), value)
	if date := fhir.DateOnly(orDefault(o.EffectiveDateTime, o.Issued)); date != "" {
		line += " | Date: " + date
	}
	return line
}

func formatAllergy(a *fhir.AllergyIntolerance) string {
	line := orDefault(a.Code.Display(), "Unknown substance")
	if len(a.Reaction) > 0 && len(a.Reaction[0].Manifestation) > 0 {
		if m := a.Reaction[0].Manifestation[0].Display(); m != "" {
			line += " → " + m
		}
	}
	if a.Criticality != "" {
		line += " | Severity: " + a.Criticality
	}
	return line
}

func formatImmunization(im *fhir.Immunization) string {
	date := fhir.DateOnly(orDefault(im.OccurrenceDateTime, im.OccurrenceString))
	line := fmt.Sprintf("%s | Date: %s",
		orDefault(im.VaccineCode.Display(), "Unknown vaccine"),
		orDefault(date, "Unknown date"))
	if im.Status != "" {
		line += " | Status: " + im.Status
	}
	return line
}

func formatProcedure(p *fhir.Procedure) string {
	date := p.PerformedDateTime
	if date == "" && p.PerformedPeriod != nil {
		date = p.PerformedPeriod.Start
	}
	line := fmt.Sprintf("%s | Status: %s", orDefault(p.Code.Display(), "Unknown procedure"), orDefault(p.Status, "unknown"))
	if date = fhir.DateOnly(date); date != "" {
		line += " | Date: " + date
	}
	return line
}

func outcomeNotes(outcomes []fhir.OperationOutcome) []string {
	var notes []string
	for i := range outcomes {
		if msg := outcomes[i].Message(); msg != "" {
			notes = append(notes, msg)
		}
	}
	return notes
}

func continuation(res *fhir.ResourceResult) string {
	return fmt.Sprintf("More results are available. Call %s with resource_type %q and page_token %q to continue.",
		ToolFetchNextPage, res.ResourceType, res.NextPageToken)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
