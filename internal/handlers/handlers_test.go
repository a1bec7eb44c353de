package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	iauth "github.com/clearconsent/consentd/internal/auth"
	"github.com/clearconsent/consentd/internal/auth/providers"
	"github.com/clearconsent/consentd/internal/middleware"
	"github.com/clearconsent/consentd/internal/models"
	"github.com/clearconsent/consentd/internal/services"
	"github.com/clearconsent/consentd/pkg/ipsource"
	"github.com/clearconsent/consentd/pkg/mail"
)

type recordingMailer struct {
	mu   sync.Mutex
	msgs []mail.Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

type testEnv struct {
	db      *gorm.DB
	router  *gin.Engine
	mailer  *recordingMailer
	consent *services.ConsentService
	jwt     *iauth.JWTService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.ConsentRecord{}, &models.AuditLog{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	mailer := &recordingMailer{}

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)
	users, err := services.NewUserService(db, audit)
	require.NoError(t, err)
	consent, err := services.NewConsentService(db, mailer, audit,
		services.WithActivationBaseURL("https://consentd.test/confirm"),
		services.WithSiteName("consentd-test"),
		services.WithMailFrom("noreply@consentd.test"),
	)
	require.NoError(t, err)
	reports, err := services.NewConsentReportService(db)
	require.NoError(t, err)
	provider, err := providers.NewLocalProvider(db, providers.LocalConfig{})
	require.NoError(t, err)
	jwt, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "handler-test-secret",
		Issuer:         "consentd-test",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	authHandler := NewAuthHandler(users, consent, reports, provider, jwt, audit)
	consentHandler := NewConsentHandler(consent)
	userHandler := NewUserHandler(reports)

	router := gin.New()
	router.Use(middleware.ClientIP(ipsource.New(ipsource.DefaultChain()...)))

	api := router.Group("/api")
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)
	api.GET("/auth/me", middleware.Auth(jwt), authHandler.Me)
	api.GET("/consent/confirm", consentHandler.Confirm)

	admin := api.Group("/users", middleware.Auth(jwt), middleware.RequireAdmin())
	admin.GET("", userHandler.List)
	admin.GET("/:id/consent", userHandler.Consent)

	return &testEnv{db: db, router: router, mailer: mailer, consent: consent, jwt: jwt}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.20:9999"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload
}

func registerAccount(t *testing.T, env *testEnv, username string) {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": username,
		"email":    username + "@example.com",
		"password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
}

func pendingToken(t *testing.T, env *testEnv, username string) string {
	t.Helper()
	var user models.User
	require.NoError(t, env.db.Where("username = ?", username).Take(&user).Error)
	var record models.ConsentRecord
	require.NoError(t, env.db.Where("account_id = ?", user.ID).Take(&record).Error)
	require.NotNil(t, record.Token)
	return *record.Token
}

func TestRegisterCreatesUnconsentedAccount(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "dana")

	var user models.User
	require.NoError(t, env.db.Where("username = ?", "dana").Take(&user).Error)
	require.Equal(t, models.PrivilegeNone, user.Privilege)

	var record models.ConsentRecord
	require.NoError(t, env.db.Where("account_id = ?", user.ID).Take(&record).Error)
	require.False(t, record.Granted)
	require.Equal(t, "203.0.113.20", record.RegisterIP)

	require.Len(t, env.mailer.msgs, 1)
	require.Contains(t, env.mailer.msgs[0].Body, "https://consentd.test/confirm")
}

func TestRegisterValidationFailure(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": "dana",
		"email":    "not-an-email",
		"password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "email")
}

func TestRegisterKeepsRecordWhenMailFails(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.err = fmt.Errorf("smtp: connection refused")

	w := env.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": "dana",
		"email":    "dana@example.com",
		"password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	payload := decodeBody(t, w)
	data := payload["data"].(map[string]any)
	require.Equal(t, false, data["confirmation_sent"])

	// The consent record survives the dispatch failure.
	var count int64
	require.NoError(t, env.db.Model(&models.ConsentRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestLoginBlockedUntilConfirmed(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "dana")

	w := env.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "dana",
		"password":   "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "Account not enabled")

	// Redeem the token from the confirmation mail, then login succeeds.
	token := pendingToken(t, env, "dana")
	w = env.do(t, http.MethodGet, "/api/consent/confirm?token="+token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	require.Equal(t, true, data["granted"])
	require.Equal(t, "Thanks for granting consent!", data["notice"])

	w = env.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "dana",
		"password":   "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeBody(t, w)["data"].(map[string]any)
	require.NotEmpty(t, data["access_token"])
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "dana")

	w := env.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "dana",
		"password":   "nope",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func loginAuditEntries(t *testing.T, env *testEnv, result string) []models.AuditLog {
	t.Helper()
	var entries []models.AuditLog
	require.NoError(t, env.db.
		Where("action = ? AND result = ?", "auth.login", result).
		Find(&entries).Error)
	return entries
}

func TestLoginDecisionsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "dana")

	// Blocked: right password, consent still outstanding.
	env.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "dana",
		"password":   "hunter2hunter2",
	}, nil)
	entries := loginAuditEntries(t, env, "not_enabled")
	require.Len(t, entries, 1)
	require.Equal(t, "dana", entries[0].Username)
	require.Equal(t, "203.0.113.20", entries[0].IPAddress)

	// Credential failure.
	env.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "dana",
		"password":   "wrong",
	}, nil)
	require.Len(t, loginAuditEntries(t, env, "failure"), 1)

	// Success after confirmation, carrying the account id.
	token := pendingToken(t, env, "dana")
	env.do(t, http.MethodGet, "/api/consent/confirm?token="+token, nil, nil)
	env.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"identifier": "dana",
		"password":   "hunter2hunter2",
	}, nil)

	entries = loginAuditEntries(t, env, "success")
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].UserID)

	var user models.User
	require.NoError(t, env.db.Where("username = ?", "dana").Take(&user).Error)
	require.Equal(t, user.ID, *entries[0].UserID)
}

func TestConfirmUnknownTokenIsQuietNoop(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/consent/confirm?token=0123456789abcdef0123456789abcdef", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	require.Equal(t, false, data["granted"])
	_, hasNotice := data["notice"]
	require.False(t, hasNotice)
}

func TestConfirmReplayIsQuietNoop(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "dana")
	token := pendingToken(t, env, "dana")

	w := env.do(t, http.MethodGet, "/api/consent/confirm?token="+token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/consent/confirm?token="+token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	require.Equal(t, false, data["granted"])
}

func TestMeIncludesConsentView(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "dana")
	token := pendingToken(t, env, "dana")
	env.do(t, http.MethodGet, "/api/consent/confirm?token="+token, nil, nil)

	var user models.User
	require.NoError(t, env.db.Where("username = ?", "dana").Take(&user).Error)
	access, err := env.jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: user.ID})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/auth/me", nil, map[string]string{
		"Authorization": "Bearer " + access,
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	consent := data["consent"].(map[string]any)
	require.Equal(t, true, consent["granted"])
	require.Equal(t, "Granted", consent["label"])
}

func seedAdmin(t *testing.T, env *testEnv) string {
	t.Helper()
	admin := &models.User{
		Username:  "root",
		Email:     "root@example.com",
		Password:  "!",
		Privilege: models.PrivilegeDefault,
		IsAdmin:   true,
	}
	require.NoError(t, env.db.Create(admin).Error)

	access, err := env.jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: admin.ID, IsAdmin: true})
	require.NoError(t, err)
	return access
}

func TestUsersListRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "dana")

	var user models.User
	require.NoError(t, env.db.Where("username = ?", "dana").Take(&user).Error)
	access, err := env.jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: user.ID})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/users", nil, map[string]string{
		"Authorization": "Bearer " + access,
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestUsersListShowsConsentColumn(t *testing.T) {
	env := newTestEnv(t)
	access := seedAdmin(t, env)

	registerAccount(t, env, "dana")
	registerAccount(t, env, "erik")
	token := pendingToken(t, env, "dana")
	env.do(t, http.MethodGet, "/api/consent/confirm?token="+token, nil, nil)

	w := env.do(t, http.MethodGet, "/api/users?sort=consent", nil, map[string]string{
		"Authorization": "Bearer " + access,
	})
	require.Equal(t, http.StatusOK, w.Code)

	payload := decodeBody(t, w)
	rows := payload["data"].([]any)
	require.Len(t, rows, 3)

	labels := make([]string, 0, len(rows))
	for _, raw := range rows {
		row := raw.(map[string]any)
		consent := row["consent"].(map[string]any)
		labels = append(labels, consent["label"].(string))
	}
	// Granted accounts come first under consent sort; erik never confirmed.
	require.Equal(t, "Granted", labels[0])
	require.Contains(t, labels, services.ConsentNotGrantedLabel)
}

func TestUserConsentDetailShowsEvidence(t *testing.T) {
	env := newTestEnv(t)
	access := seedAdmin(t, env)
	registerAccount(t, env, "dana")
	token := pendingToken(t, env, "dana")
	env.do(t, http.MethodGet, "/api/consent/confirm?token="+token, nil, nil)

	var user models.User
	require.NoError(t, env.db.Where("username = ?", "dana").Take(&user).Error)

	w := env.do(t, http.MethodGet, "/api/users/"+user.ID+"/consent", nil, map[string]string{
		"Authorization": "Bearer " + access,
	})
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeBody(t, w)["data"].(map[string]any)
	require.Equal(t, true, data["granted"])
	require.Contains(t, data["evidence"], "203.0.113.20")
}
