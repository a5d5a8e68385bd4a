package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	iauth "github.com/certivault/certivault/internal/auth"
	"github.com/certivault/certivault/internal/database/testutil"
	"github.com/certivault/certivault/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newJWTService(t *testing.T) *iauth.JWTService {
	t.Helper()
	svc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret: "middleware-secret",
		Issuer: "certivault",
	})
	require.NoError(t, err)
	return svc
}

func protectedRouter(jwt *iauth.JWTService) *gin.Engine {
	r := gin.New()
	r.GET("/protected", Auth(jwt), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(CtxUserIDKey)})
	})
	r.POST("/verify", AuthPending(jwt), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAuthRejectsMissingAndMalformedHeaders(t *testing.T) {
	router := protectedRouter(newJWTService(t))

	for _, header := range []string{"", "Token abc", "Bearer", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestAuthAcceptsValidToken(t *testing.T) {
	jwt := newJWTService(t)
	router := protectedRouter(jwt)

	token, err := jwt.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:    "user-1",
		SessionID: "session-1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user-1")
}

func TestAuthRejectsPendingTokenOnFullRoutes(t *testing.T) {
	jwt := newJWTService(t)
	router := protectedRouter(jwt)

	pending, err := jwt.GeneratePendingToken("user-1", "tenant-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+pending)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "second_factor_required")

	// The pending-aware route admits the same token.
	req = httptest.NewRequest(http.MethodPost, "/verify", nil)
	req.Header.Set("Authorization", "Bearer "+pending)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	limiter, err := ratelimit.NewLimiter(db, ratelimit.Config{
		Rules: []ratelimit.Rule{
			{Resource: ratelimit.ResourceAuth, Action: ratelimit.ActionLogin, MaxAllowed: 2, Window: time.Minute},
		},
	})
	require.NoError(t, err)

	router := gin.New()
	router.POST("/login", RateLimit(limiter, ratelimit.ResourceAuth, ratelimit.ActionLogin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestRecoveryConvertsPanics(t *testing.T) {
	router := gin.New()
	router.Use(Recovery())
	router.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "kaboom")
}
