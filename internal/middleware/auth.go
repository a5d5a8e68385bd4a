package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/certivault/certivault/internal/auth"
	"github.com/certivault/certivault/pkg/errors"
	"github.com/certivault/certivault/pkg/response"
)

const (
	CtxClaimsKey    = "authClaims"
	CtxUserIDKey    = "userID"
	CtxTenantIDKey  = "tenantID"
	CtxSessionIDKey = "sessionID"
)

// Auth enforces JWT authentication for fully established sessions. Tokens
// still waiting on a second factor are rejected here.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return requireScope(jwt, false)
}

// AuthPending admits both full sessions and pending second-factor tokens.
// Only the second-factor verification endpoint should use it.
func AuthPending(jwt *iauth.JWTService) gin.HandlerFunc {
	return requireScope(jwt, true)
}

func requireScope(jwt *iauth.JWTService, allowPending bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		if claims.Pending() && !allowPending {
			response.Error(c, errors.ErrSecondFactorRequired)
			c.Abort()
			return
		}

		// Propagate identity into request context
		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		if claims.TenantID != "" {
			c.Set(CtxTenantIDKey, claims.TenantID)
		}
		if claims.SessionID != "" {
			c.Set(CtxSessionIDKey, claims.SessionID)
		}

		c.Next()
	}
}
