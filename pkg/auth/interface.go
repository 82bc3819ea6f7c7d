package auth

import (
	"slices"
	"strings"
	"time"
)

// Scopes understood by the gateway.
const (
	ScopeInvoke = "contentpipe:invoke"
	ScopeRead   = "contentpipe:read"
	ScopeCancel = "contentpipe:cancel"
	ScopeAll    = "contentpipe:*"
)

// Claims is the caller identity a Validator extracts from a bearer token.
type Claims struct {
	Subject   string
	Email     string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	// Tools restricts which tools the caller may invoke. Empty or "*"
	// allows every tool.
	Tools []string
}

// HasScope reports an exact scope match.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// Can reports whether the caller holds scope. Tokens that carry no
// scopes at all are unrestricted.
func (c *Claims) Can(scope string) bool {
	if c == nil {
		return false
	}
	if len(c.Scopes) == 0 {
		return true
	}
	return c.HasScope(scope) || c.HasScope(ScopeAll)
}

// AllowsTool reports whether the caller may invoke tool.
func (c *Claims) AllowsTool(tool string) bool {
	if c == nil {
		return false
	}
	if len(c.Tools) == 0 {
		return true
	}
	for _, t := range c.Tools {
		if t == "*" || strings.EqualFold(t, tool) {
			return true
		}
	}
	return false
}

// Validator turns a bearer token into claims or rejects it. Errors must not
// echo the token.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// Config configures the jwks provider.
type Config struct {
	JwksURL     string
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
	HTTPTimeout time.Duration
}
