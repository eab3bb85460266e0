// Package tools exposes patient-data lookups as MCP tools. Each tool maps its
// arguments onto one resource query and renders the result as text.
package tools

import (
	"context"
	"net/url"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-mcp/internal/platform/fhir"
)

// Tool names.
const (
	ToolGetPatient             = "get_patient"
	ToolSearchPatients         = "search_patients"
	ToolGetPatientConditions   = "get_patient_conditions"
	ToolGetPatientMedications  = "get_patient_medications"
	ToolGetPatientObservations = "get_patient_observations"
	ToolGetPatientAllergies    = "get_patient_allergies"
	ToolGetPatientImmunization = "get_patient_immunizations"
	ToolGetPatientProcedures   = "get_patient_procedures"
	ToolFetchNextPage          = "fetch_next_page"
)

// Resource types the tools read.
const (
	TypePatient            = "Patient"
	TypeCondition          = "Condition"
	TypeMedicationRequest  = "MedicationRequest"
	TypeObservation        = "Observation"
	TypeAllergyIntolerance = "AllergyIntolerance"
	TypeImmunization       = "Immunization"
	TypeProcedure          = "Procedure"
)

var (
	resourceTypes         = []string{TypePatient, TypeCondition, TypeMedicationRequest, TypeObservation, TypeAllergyIntolerance, TypeImmunization, TypeProcedure}
	genders               = []string{"male", "female", "other", "unknown"}
	observationCategories = []string{"vital-signs", "laboratory", "imaging", "social-history"}
)

// ResourceTypes returns the resource types the tools read.
func ResourceTypes() []string {
	return slices.Clone(resourceTypes)
}

// Fetcher is the resource client surface the tools depend on.
// *fhir.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, resourceType string, params url.Values) (*fhir.ResourceResult, error)
	FetchByID(ctx context.Context, resourceType, id string) (*fhir.ResourceResult, error)
	FetchPage(ctx context.Context, resourceType, pageToken string) (*fhir.ResourceResult, error)
}

// Toolset binds the tool handlers to a Fetcher.
type Toolset struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

// New creates a Toolset.
func New(fetcher Fetcher, logger zerolog.Logger) *Toolset {
	return &Toolset{
		fetcher: fetcher,
		logger:  logger.With().Str("component", "tools").Logger(),
	}
}

// Register adds every tool to s.
func (ts *Toolset) Register(s *server.MCPServer) {
	s.AddTools(ts.Tools()...)
}

// Tools returns the tool definitions paired with their handlers.
func (ts *Toolset) Tools() []server.ServerTool {
	patientID := mcp.WithString("patient_id",
		mcp.Required(),
		mcp.Description("FHIR ID of the patient"),
	)

	return []server.ServerTool{
		{
			Tool: mcp.NewTool(ToolGetPatient,
				mcp.WithDescription("Get patient demographics by FHIR ID"),
				mcp.WithReadOnlyHintAnnotation(true),
				patientID,
			),
			Handler: ts.instrument(ToolGetPatient, ts.handleGetPatient),
		},
		{
			Tool: mcp.NewTool(ToolSearchPatients,
				mcp.WithDescription("Search for patients by name, birth date or gender. At least one criterion is required."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("family", mcp.Description("Family (last) name")),
				mcp.WithString("given", mcp.Description("Given (first) name")),
				mcp.WithString("birthdate", mcp.Description("Birth date in YYYY-MM-DD format")),
				mcp.WithString("gender", mcp.Description("Administrative gender"), mcp.Enum(genders...)),
			),
			Handler: ts.instrument(ToolSearchPatients, ts.handleSearchPatients),
		},
		{
			Tool: mcp.NewTool(ToolGetPatientConditions,
				mcp.WithDescription("Get a patient's conditions and diagnoses"),
				mcp.WithReadOnlyHintAnnotation(true),
				patientID,
			),
			Handler: ts.instrument(ToolGetPatientConditions, ts.patientSearch(TypeCondition)),
		},
		{
			Tool: mcp.NewTool(ToolGetPatientMedications,
				mcp.WithDescription("Get a patient's medication requests"),
				mcp.WithReadOnlyHintAnnotation(true),
				patientID,
			),
			Handler: ts.instrument(ToolGetPatientMedications, ts.patientSearch(TypeMedicationRequest)),
		},
		{
			Tool: mcp.NewTool(ToolGetPatientObservations,
				mcp.WithDescription("Get a patient's observations such as vital signs and lab results"),
				mcp.WithReadOnlyHintAnnotation(true),
				patientID,
				mcp.WithString("category", mcp.Description("Observation category"), mcp.Enum(observationCategories...)),
			),
			Handler: ts.instrument(ToolGetPatientObservations, ts.handleGetObservations),
		},
		{
			Tool: mcp.NewTool(ToolGetPatientAllergies,
				mcp.WithDescription("Get a patient's allergies and intolerances"),
				mcp.WithReadOnlyHintAnnotation(true),
				patientID,
			),
			Handler: ts.instrument(ToolGetPatientAllergies, ts.patientSearch(TypeAllergyIntolerance)),
		},
		{
			Tool: mcp.NewTool(ToolGetPatientImmunization,
				mcp.WithDescription("Get a patient's immunization history"),
				mcp.WithReadOnlyHintAnnotation(true),
				patientID,
			),
			Handler: ts.instrument(ToolGetPatientImmunization, ts.patientSearch(TypeImmunization)),
		},
		{
			Tool: mcp.NewTool(ToolGetPatientProcedures,
				mcp.WithDescription("Get a patient's procedures"),
				mcp.WithReadOnlyHintAnnotation(true),
				patientID,
			),
			Handler: ts.instrument(ToolGetPatientProcedures, ts.patientSearch(TypeProcedure)),
		},
		{
			Tool: mcp.NewTool(ToolFetchNextPage,
				mcp.WithDescription("Continue a result that was cut short, using the page_token it returned"),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("page_token", mcp.Required(), mcp.Description("page_token from a previous result")),
				mcp.WithString("resource_type", mcp.Required(), mcp.Description("Resource type of the previous result"), mcp.Enum(resourceTypes...)),
			),
			Handler: ts.instrument(ToolFetchNextPage, ts.handleFetchNextPage),
		},
	}
}
