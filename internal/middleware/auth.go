package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/runplane/pkg/auth"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/gin-gonic/gin"
)

const (
	ctxClientClaims  = "clientClaims"
	ctxIdentity      = "identity"
	ctxMachineClaims = "machineClaims"
)

// ClientAuthMiddleware validates the bearer token of API clients and stores the
// caller's TenantIdentity. With optional set, requests without an Authorization
// header pass through anonymously; a header that fails validation is still rejected.
func ClientAuthMiddleware(validator auth.Validator, optional bool) gin.HandlerFunc {
	if validator == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity validator not configured"})
		}
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if optional && strings.TrimSpace(header) == "" {
			c.Next()
			return
		}
		claims, err := validateBearer(validator, header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxClientClaims, claims)
		c.Set(ctxIdentity, identityFromClaims(claims))
		c.Next()
	}
}

// MachineAuthMiddleware guards the callback routes used by execution machines.
func MachineAuthMiddleware(validator auth.Validator) gin.HandlerFunc {
	if validator == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "machine validator not configured"})
		}
	}
	return func(c *gin.Context) {
		claims, err := validateBearer(validator, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxMachineClaims, claims)
		c.Next()
	}
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("invalid Authorization format")
	}
	return validator.Validate(parts[1])
}

func identityFromClaims(claims *auth.Claims) domain.TenantIdentity {
	org := strings.TrimSpace(claims.OrgID)
	if org == "" {
		org = strings.TrimSpace(auth.OrgClaim(claims.Raw))
	}
	return domain.TenantIdentity{UserID: strings.TrimSpace(claims.Subject), OrgID: org}
}

// GetIdentity returns the authenticated caller, or false for anonymous requests.
func GetIdentity(c *gin.Context) (*domain.TenantIdentity, bool) {
	v, ok := c.Get(ctxIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(domain.TenantIdentity)
	if !ok {
		return nil, false
	}
	return &id, true
}

func GetClientClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxClientClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func GetMachineClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxMachineClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
