package tools

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ehr/fhir-mcp/internal/platform/metrics"
)

// instrument logs each call's tool name, outcome and latency. Arguments are
// not logged.
func (ts *Toolset) instrument(name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := h(ctx, req)
		failed := err != nil || (result != nil && result.IsError)
		metrics.RecordToolCall(name, failed)

		ev := ts.logger.Info()
		if failed {
			ev = ts.logger.Warn()
		}
		ev.Str("tool", name).
			Bool("is_error", failed).
			Dur("latency", time.Since(start)).
			Msg("tool call")
		return result, err
	}
}

func (ts *Toolset) handleGetPatient(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireArg(req, "patient_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := ts.fetcher.FetchByID(ctx, TypePatient, id)
	if err != nil {
		return errorResult(err), nil
	}
	if len(res.Items) == 0 {
		return mcp.NewToolResultError("No patient data found."), nil
	}
	return mcp.NewToolResultText(FormatPatient(res.Items[0])), nil
}

func (ts *Toolset) handleSearchPatients(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := url.Values{}
	for _, key := range []string{"family", "given", "birthdate", "gender"} {
		if v := strings.TrimSpace(req.GetString(key, "")); v != "" {
			params.Set(key, v)
		}
	}
	if len(params) == 0 {
		return mcp.NewToolResultError("At least one search criterion is required (family, given, birthdate or gender)."), nil
	}
	if bd := params.Get("birthdate"); bd != "" {
		if _, err := time.Parse("2006-01-02", bd); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("birthdate must be in YYYY-MM-DD format, got %q", bd)), nil
		}
	}
	if g := params.Get("gender"); g != "" && !slices.Contains(genders, g) {
		return mcp.NewToolResultError(fmt.Sprintf("gender must be one of %s", strings.Join(genders, ", "))), nil
	}

	res, err := ts.fetcher.Fetch(ctx, TypePatient, params)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(FormatResult(res)), nil
}

// patientSearch returns a handler for "<resourceType>?patient=<patient_id>".
func (ts *Toolset) patientSearch(resourceType string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireArg(req, "patient_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := ts.fetcher.Fetch(ctx, resourceType, url.Values{"patient": {id}})
		if err != nil {
			return errorResult(err), nil
		}
		return mcp.NewToolResultText(FormatResult(res)), nil
	}
}

func (ts *Toolset) handleGetObservations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireArg(req, "patient_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	params := url.Values{"patient": {id}}
	if category := strings.TrimSpace(req.GetString("category", "")); category != "" {
		if !slices.Contains(observationCategories, category) {
			return mcp.NewToolResultError(fmt.Sprintf("category must be one of %s", strings.Join(observationCategories, ", "))), nil
		}
		params.Set("category", category)
	}

	res, err := ts.fetcher.Fetch(ctx, TypeObservation, params)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(FormatResult(res)), nil
}

func (ts *Toolset) handleFetchNextPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := requireArg(req, "page_token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resourceType, err := requireArg(req, "resource_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !slices.Contains(resourceTypes, resourceType) {
		return mcp.NewToolResultError(fmt.Sprintf("resource_type must be one of %s", strings.Join(resourceTypes, ", "))), nil
	}

	res, err := ts.fetcher.FetchPage(ctx, resourceType, token)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(FormatResult(res)), nil
}

func requireArg(req mcp.CallToolRequest, name string) (string, error) {
	v, err := req.RequireString(name)
	if err != nil || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s argument is required", name)
	}
	return strings.TrimSpace(v), nil
}
