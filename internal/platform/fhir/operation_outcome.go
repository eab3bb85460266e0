package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome severity levels (FHIR R4 IssueSeverity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes seen on search and read responses.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeNotFound   = "not-found"
	IssueTypeProcessing = "processing"
	IssueTypeSecurity   = "security"
	IssueTypeLogin      = "login"
	IssueTypeThrottled  = "throttled"
	IssueTypeDeleted    = "deleted"
)

// OperationOutcome represents a FHIR OperationOutcome.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Message joins the human-readable text of every issue. Diagnostics win over
// details text.
func (o *OperationOutcome) Message() string {
	if o == nil {
		return ""
	}
	parts := make([]string, 0, len(o.Issue))
	for _, issue := range o.Issue {
		switch {
		case issue.Diagnostics != "":
			parts = append(parts, issue.Diagnostics)
		case issue.Details != nil && issue.Details.Display() != "":
			parts = append(parts, issue.Details.Display())
		case issue.Code != "":
			parts = append(parts, issue.Code)
		}
	}
	return strings.Join(parts, "; ")
}

// decodeOutcome returns the OperationOutcome in body, or nil when body is not
// one.
func decodeOutcome(body []byte) *OperationOutcome {
	var o OperationOutcome
	if err := json.Unmarshal(body, &o); err != nil || o.ResourceType != "OperationOutcome" {
		return nil
	}
	return &o
}
