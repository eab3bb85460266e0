package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes surfaced by the token path. Test with errors.Is.
var (
	ErrKeySigning               = errors.New("key signing error")
	ErrAuthServerUnreachable    = errors.New("authorization server unreachable")
	ErrInvalidClientCredentials = errors.New("invalid client credentials")
	ErrMalformedTokenResponse   = errors.New("malformed token response")
)

// OAuthError is the RFC 6749 §5.2 error response body.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// KeySigningError reports that a client assertion could not be signed.
type KeySigningError struct {
	KeyID     string
	Algorithm string
	Err       error
}

func (e *KeySigningError) Error() string {
	return fmt.Sprintf("signing client assertion (kid=%q alg=%q): %v", e.KeyID, e.Algorithm, e.Err)
}

func (e *KeySigningError) Unwrap() []error {
	return []error{ErrKeySigning, e.Err}
}

// TokenError reports a failed token exchange. Kind is one of the Err*
// classes above; OAuth holds the server's error body when one was returned.
type TokenError struct {
	Kind       error
	StatusCode int
	OAuth      *OAuthError
	Attempts   int
	Err        error
}

func (e *TokenError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d %s)", msg, e.StatusCode, http.StatusText(e.StatusCode))
	}
	switch {
	case e.OAuth != nil:
		msg += ": " + e.OAuth.Error()
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TokenError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.OAuth != nil {
		errs = append(errs, e.OAuth)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Description returns the server-provided error description, if any.
func (e *TokenError) Description() string {
	if e.OAuth == nil {
		return ""
	}
	return e.OAuth.Description
}
