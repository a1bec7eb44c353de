package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clearconsent/consentd/internal/app"
	iauth "github.com/clearconsent/consentd/internal/auth"
	"github.com/clearconsent/consentd/internal/models"
)

func testConfig() *app.Config {
	cfg := &app.Config{}
	cfg.Server.RateLimit.Enabled = false
	cfg.Consent.ActivationBaseURL = "https://consentd.test/confirm"
	cfg.Consent.SiteName = "consentd-test"
	cfg.Consent.TrustedIPHeaders = []string{"Client-IP", "X-Forwarded-For"}
	cfg.Monitoring.Prometheus.Enabled = true
	cfg.Monitoring.Prometheus.Endpoint = "/metrics"
	return cfg
}

func newRouterForTest(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.ConsentRecord{}, &models.AuditLog{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	jwt, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "router-test-secret",
		Issuer:         "consentd-test",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	router, err := NewRouter(db, jwt, testConfig(), nil)
	require.NoError(t, err)
	return router
}

func TestRouterHealth(t *testing.T) {
	router := newRouterForTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newRouterForTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouterUnknownRoute(t *testing.T) {
	router := newRouterForTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "route /nope not found")
}

func TestRouterRegisterAndConfirmFlow(t *testing.T) {
	router := newRouterForTest(t)

	body := strings.NewReader(`{"username":"mara","email":"mara@example.com","password":"hunter2hunter2"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.4:20000"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	// An unknown token is a quiet no-op, not an error.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/consent/confirm?token=short", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"granted":false`)
}

func TestRouterProtectedRoutesRequireAuth(t *testing.T) {
	router := newRouterForTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
