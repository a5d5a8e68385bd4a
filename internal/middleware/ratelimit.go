package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/certivault/certivault/internal/models"
	"github.com/certivault/certivault/internal/ratelimit"
	"github.com/certivault/certivault/pkg/errors"
	"github.com/certivault/certivault/pkg/response"
)

// RateLimit blocks requests from a client IP once its fixed window for the
// resource/action pair is exhausted. Counters live in the database, so every
// replica enforces the same budget.
func RateLimit(limiter *ratelimit.Limiter, resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := limiter.Check(c.Request.Context(), c.ClientIP(), models.IdentifierIP, resource, action)
		if err != nil {
			// The limiter is a guard, not a dependency: fail open so a
			// storage hiccup cannot take down logins entirely.
			c.Next()
			return
		}

		if decision.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		if !decision.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.Itoa(int(time.Until(decision.ResetAt).Seconds())))
		}

		if !decision.Allowed {
			response.Error(c, errors.ErrRateLimited)
			c.Abort()
			return
		}

		c.Next()
	}
}
