package tools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ehr/fhir-mcp/internal/platform/auth"
	"github.com/ehr/fhir-mcp/internal/platform/fhir"
)

// errorResult turns a client error into a tool error whose first sentence
// tells the caller what kind of failure happened.
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(describeError(err))
}

func describeError(err error) string {
	var prefix string
	switch {
	case errors.Is(err, context.Canceled):
		return "Request canceled."
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out."
	case errors.Is(err, fhir.ErrInvalidPageToken):
		prefix = "Invalid page token."
	case errors.Is(err, fhir.ErrResourceNotFound):
		prefix = "Not found."
	case errors.Is(err, fhir.ErrValidation):
		prefix = "The FHIR server rejected the request."
	case errors.Is(err, fhir.ErrAuthenticationFailed):
		prefix = "The FHIR server refused the access token."
	case errors.Is(err, fhir.ErrRateLimited):
		prefix = "The FHIR server is rate limiting requests. Try again later."
	case errors.Is(err, fhir.ErrUpstreamServer):
		prefix = "The FHIR server returned an error."
	case errors.Is(err, fhir.ErrNetwork):
		prefix = "Could not reach the FHIR server."
	case errors.Is(err, auth.ErrInvalidClientCredentials):
		prefix = "The authorization server rejected the client credentials."
	case errors.Is(err, auth.ErrAuthServerUnreachable):
		prefix = "Could not reach the authorization server."
	case errors.Is(err, auth.ErrMalformedTokenResponse):
		prefix = "The authorization server returned an unusable token response."
	case errors.Is(err, auth.ErrKeySigning):
		prefix = "Could not sign the client assertion."
	default:
		prefix = "Request failed."
	}
	return prefix + " " + err.Error()
}
