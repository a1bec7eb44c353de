package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	iauth "github.com/clearconsent/consentd/internal/auth"
	"github.com/clearconsent/consentd/pkg/ipsource"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func newTestJWT(t *testing.T) *iauth.JWTService {
	t.Helper()
	svc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "middleware-test-secret",
		AccessTokenTTL: time.Hour,
		Issuer:         "consentd-test",
	})
	require.NoError(t, err)
	return svc
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	router := newTestRouter()
	router.GET("/protected", Auth(newTestJWT(t)), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsMalformedToken(t *testing.T) {
	router := newTestRouter()
	router.GET("/protected", Auth(newTestJWT(t)), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
}

func TestAuthAcceptsValidTokenAndSetsContext(t *testing.T) {
	jwt := newTestJWT(t)
	token, err := jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: "user-1", IsAdmin: true})
	require.NoError(t, err)

	router := newTestRouter()
	var gotUserID string
	var gotAdmin bool
	router.GET("/protected", Auth(jwt), func(c *gin.Context) {
		gotUserID = c.GetString(CtxUserIDKey)
		gotAdmin = c.GetBool(CtxAdminKey)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user-1", gotUserID)
	require.True(t, gotAdmin)
}

func TestRequireAdmin(t *testing.T) {
	jwt := newTestJWT(t)
	router := newTestRouter()
	router.GET("/admin", Auth(jwt), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	memberToken, err := jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: "user-2"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+memberToken)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)

	adminToken, err := jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: "user-3", IsAdmin: true})
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestClientIPPrefersTrustedHeaders(t *testing.T) {
	router := newTestRouter()
	router.Use(ClientIP(ipsource.New(ipsource.DefaultChain()...)))

	var resolved string
	router.GET("/ip", func(c *gin.Context) {
		resolved = ResolvedClientIP(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.RemoteAddr = "192.0.2.1:4444"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	router.ServeHTTP(w, req)

	require.Equal(t, "198.51.100.7", resolved)
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	router := newTestRouter()
	router.Use(ClientIP(ipsource.New(ipsource.DefaultChain()...)))

	var resolved string
	router.GET("/ip", func(c *gin.Context) {
		resolved = ResolvedClientIP(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.RemoteAddr = "192.0.2.1:4444"
	router.ServeHTTP(w, req)

	require.Equal(t, "192.0.2.1", resolved)
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)

	router := newTestRouter()
	router.POST("/api/auth/login", limiter.Handler(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "192.0.2.5:1000"
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "192.0.2.5:1000"
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// Another client is unaffected.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "192.0.2.6:1000"
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterWindowReset(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	limiter.clock = func() time.Time { return now }

	count, _ := limiter.increment("a|/x")
	require.Equal(t, 1, count)
	count, _ = limiter.increment("a|/x")
	require.Equal(t, 2, count)

	now = now.Add(2 * time.Minute)
	count, _ = limiter.increment("a|/x")
	require.Equal(t, 1, count)
}

func TestRecoveryConvertsPanic(t *testing.T) {
	router := newTestRouter()
	router.Use(Recovery())
	router.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "INTERNAL_SERVER_ERROR")
}
