package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/contentpipe/pkg/auth"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// CallerKey holds the authenticated caller (email or subject) on the gin context.
const CallerKey = "caller"

// AuthMiddleware requires a bearer token accepted by validator.
func AuthMiddleware(validator auth.Validator) gin.HandlerFunc {
	if validator == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity validator not configured"})
		}
	}
	return func(c *gin.Context) {
		claims, err := validateBearer(validator, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		setCallerContext(c, claims)
		c.Next()
	}
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	tok := bearerToken(authHeader)
	if tok == "" {
		return nil, fmt.Errorf("invalid Authorization format")
	}
	return validator.Validate(tok)
}

func setCallerContext(c *gin.Context, claims *auth.Claims) {
	c.Set(claimsKey, claims)
	caller := strings.TrimSpace(claims.Email)
	if caller == "" {
		caller = strings.TrimSpace(claims.Subject)
	}
	c.Set(CallerKey, caller)
}

// GetClaims returns the claims set by AuthMiddleware.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// RequireScope rejects callers whose token does not grant scope. Routes
// mounted without AuthMiddleware pass through.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.Next()
			return
		}
		if !claims.Can(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope", "scope": scope})
			return
		}
		c.Next()
	}
}

// RequireToolAccess checks the :name route parameter against the token's
// tool list.
func RequireToolAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.Next()
			return
		}
		tool := c.Param("name")
		if !claims.AllowsTool(tool) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "tool not allowed for this token", "tool": tool})
			return
		}
		c.Next()
	}
}
