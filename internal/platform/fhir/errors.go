package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes surfaced by the resource client. Test with errors.Is.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrResourceNotFound     = errors.New("resource not found")
	ErrValidation           = errors.New("validation error")
	ErrRateLimited          = errors.New("rate limited")
	ErrUpstreamServer       = errors.New("upstream server error")
	ErrNetwork              = errors.New("network error")

	// ErrInvalidPageToken is returned with ErrValidation when a page token
	// does not point under the configured base URL.
	ErrInvalidPageToken = errors.New("invalid page token")
)

// RequestError reports a failed resource request. Kind is one of the Err*
// classes above. Outcome is set when the server returned an
// OperationOutcome body.
type RequestError struct {
	Kind         error
	ResourceType string
	Path         string
	StatusCode   int
	Outcome      *OperationOutcome
	Attempts     int
	Err          error
}

func (e *RequestError) Error() string {
	msg := e.Kind.Error()
	if e.ResourceType != "" {
		msg = e.ResourceType + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d %s)", msg, e.StatusCode, http.StatusText(e.StatusCode))
	}
	if d := e.Outcome.Message(); d != "" {
		msg += ": " + d
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
