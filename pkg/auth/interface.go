package auth

import (
	"time"
)

// Claims represents authentication token claims
type Claims struct {
	Subject   string
	Email     string
	OrgID     string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	Raw       map[string]interface{}
}

// HasScope checks if the claims contain a specific scope
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// OrgClaim picks the organization id out of raw claims. Identity providers
// disagree on the name, so the common spellings are tried in order.
func OrgClaim(raw map[string]interface{}) string {
	for _, name := range []string{"org_id", "orgId", "organization_id", "organizationId"} {
		if v, ok := raw[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Validator validates authentication tokens
type Validator interface {
	Validate(token string) (*Claims, error)
}

// Config contains validator configuration
type Config struct {
	JwksURL     string
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
	HTTPTimeout time.Duration
}
