package model

import (
	"fmt"
	"strconv"
	"time"
)

// AdapterKind selects the token acquisition or verification strategy of an
// auth adapter.
type AdapterKind string

const (
	AdapterOAuth2ClientCredentials AdapterKind = "oauth2_client_credentials"
	AdapterOAuth2RefreshToken      AdapterKind = "oauth2_refresh_token"
	AdapterJWT                     AdapterKind = "jwt"
	AdapterCookie                  AdapterKind = "cookie"
	AdapterAPIKey                  AdapterKind = "api_key"
)

// AuthAdapter binds a credential secret to a strategy plus placement rules.
// Config carries strategy-specific keys (tokenUrl, audience, algorithm,
// loginUrl, headerName and so on).
type AuthAdapter struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Kind      AdapterKind            `json:"kind"`
	SecretID  string                 `json:"secretId,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// ConfigString returns a string config value, "" when absent.
func (a *AuthAdapter) ConfigString(key string) string {
	v, ok := a.Config[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ConfigInt returns an int config value, def when absent or unparseable.
// JSON decoding hands numbers over as float64.
func (a *AuthAdapter) ConfigInt(key string, def int) int {
	v, ok := a.Config[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

// ConfigHas reports whether the key is set at all, distinguishing an
// explicit empty value from an absent one.
func (a *AuthAdapter) ConfigHas(key string) bool {
	_, ok := a.Config[key]
	return ok
}

// Enforcement states how strictly an inbound route checks credentials.
type Enforcement string

const (
	EnforceBypass   Enforcement = "bypass"
	EnforceOptional Enforcement = "optional"
	EnforceRequired Enforcement = "required"
)

// InboundAuthPolicy gates ingress routes. RoutePattern is a path prefix
// (longest prefix wins); Method narrows it, empty matching all methods.
// AdapterIDs lists which adapters may validate the request.
type InboundAuthPolicy struct {
	ID           string      `json:"id"`
	RoutePattern string      `json:"routePattern"`
	Method       string      `json:"method,omitempty"`
	Enforcement  Enforcement `json:"enforcement"`
	AdapterIDs   []string    `json:"adapterIds,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// TokenType distinguishes the cached credential flavors of an adapter.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
	TokenSession TokenType = "session"
)

// TokenEntry is one cached token, keyed (adapterId, tokenType, scope).
// Value fields are vault-encrypted before persist; Version drives the
// compare-and-swap refresh protocol, and RefreshStartedAt is the heartbeat
// that lets a stuck refresh be reclaimed.
type TokenEntry struct {
	ID               string     `json:"id"`
	AdapterID        string     `json:"adapterId"`
	TokenType        TokenType  `json:"tokenType"`
	Scope            string     `json:"scope,omitempty"`
	ValueEnc         string     `json:"-"`
	ValueIV          string     `json:"-"`
	ValueTag         string     `json:"-"`
	IssuedAt         time.Time  `json:"issuedAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty"`
	RefreshInFlight  bool       `json:"refreshInFlight"`
	RefreshStartedAt *time.Time `json:"refreshStartedAt,omitempty"`
	LastRefreshError string     `json:"lastRefreshError,omitempty"`
	Version          int64      `json:"version"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// ExpiringWithin reports whether the token needs a refresh inside the skew
// window ending at expiry.
func (t *TokenEntry) ExpiringWithin(skew time.Duration, now time.Time) bool {
	return !t.ExpiresAt.After(now.Add(skew))
}
