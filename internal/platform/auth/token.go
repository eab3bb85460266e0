package auth

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// AccessToken is a bearer token issued by the authorization server.
type AccessToken struct {
	Value     string
	Type      string
	Scope     string
	ExpiresAt time.Time
}

// ValidAt reports whether the token can still be used at now, leaving margin
// before its stated expiry.
func (t *AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// SetAuthHeader sets the Authorization header on r.
func (t *AccessToken) SetAuthHeader(r *http.Request) {
	(&oauth2.Token{AccessToken: t.Value, TokenType: t.Type}).SetAuthHeader(r)
}

// String never includes the token value.
func (t *AccessToken) String() string {
	if t == nil {
		return "AccessToken(nil)"
	}
	return fmt.Sprintf("AccessToken(type=%s scope=%q expires_at=%s)", t.Type, t.Scope, t.ExpiresAt.Format(time.RFC3339))
}

// SystemScopes returns SMART v2 read+search system scopes for the given
// resource types, e.g. "system/Patient.rs".
func SystemScopes(resourceTypes ...string) []string {
	scopes := make([]string, 0, len(resourceTypes))
	for _, rt := range resourceTypes {
		rt = strings.TrimSpace(rt)
		if rt == "" {
			continue
		}
		scopes = append(scopes, "system/"+rt+".rs")
	}
	return scopes
}

// tokenCache holds the single access token for the process identity.
// Readers share the lock; writers are exclusive.
type tokenCache struct {
	mu    sync.RWMutex
	token *AccessToken
}

func (c *tokenCache) get() *AccessToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *tokenCache) set(t *AccessToken) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// invalidate evicts the cached token only if it is still the one the server
// rejected; a token refreshed in the meantime is kept.
func (c *tokenCache) invalidate(value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || c.token.Value != value {
		return false
	}
	c.token = nil
	return true
}
