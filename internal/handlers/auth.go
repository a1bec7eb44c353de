package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/clearconsent/consentd/internal/auth"
	"github.com/clearconsent/consentd/internal/auth/providers"
	"github.com/clearconsent/consentd/internal/middleware"
	"github.com/clearconsent/consentd/internal/models"
	"github.com/clearconsent/consentd/internal/services"
	apperrors "github.com/clearconsent/consentd/pkg/errors"
	"github.com/clearconsent/consentd/pkg/metrics"
	"github.com/clearconsent/consentd/pkg/response"
)

// AuthHandler manages registration, login and the authenticated profile view.
type AuthHandler struct {
	users    *services.UserService
	consent  *services.ConsentService
	reports  *services.ConsentReportService
	provider *providers.LocalProvider
	jwt      *iauth.JWTService
	audit    *services.AuditService
}

func NewAuthHandler(
	users *services.UserService,
	consent *services.ConsentService,
	reports *services.ConsentReportService,
	provider *providers.LocalProvider,
	jwt *iauth.JWTService,
	audit *services.AuditService,
) *AuthHandler {
	return &AuthHandler{
		users:    users,
		consent:  consent,
		reports:  reports,
		provider: provider,
		jwt:      jwt,
		audit:    audit,
	}
}

// auditLogin records a login decision. Audit writes never fail the request.
func (h *AuthHandler) auditLogin(c *gin.Context, userID *string, identifier, result string) {
	if h.audit == nil {
		return
	}
	_ = h.audit.Log(requestContext(c), services.AuditEntry{
		UserID:    userID,
		Username:  strings.TrimSpace(identifier),
		Action:    "auth.login",
		Resource:  "auth",
		Result:    result,
		IPAddress: middleware.ResolvedClientIP(c),
	})
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// POST /api/auth/register
//
// Creates the account in the no-privilege state, stores the consent record
// with its registration evidence, then dispatches the confirmation mail. A
// dispatch failure is reported in the payload but never undoes the record.
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)

	user, err := h.users.Create(ctx, services.CreateUserInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		metrics.ConsentRegistrations.WithLabelValues("failure").Inc()
		response.Error(c, apperrors.FromError(err))
		return
	}

	result, err := h.consent.Register(ctx, user, middleware.ResolvedClientIP(c))
	if err != nil && !errors.Is(err, services.ErrConfirmationDispatchFailed) {
		metrics.ConsentRegistrations.WithLabelValues("failure").Inc()
		response.Error(c, apperrors.FromError(err))
		return
	}

	metrics.ConsentRegistrations.WithLabelValues("success").Inc()

	response.Success(c, http.StatusCreated, gin.H{
		"user":              publicUser(user),
		"confirmation_sent": err == nil,
		"message":           "Check your email to complete registration.",
		"registered_at":     result.Record.RegisterTime,
	})
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.provider.Authenticate(providers.AuthenticateInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		IPAddress:  middleware.ResolvedClientIP(c),
	})
	switch {
	case errors.Is(err, providers.ErrAccountNotEnabled):
		// Credentials were right; the consent token has not come back.
		// This outcome is deliberately distinguishable from bad credentials.
		metrics.AuthAttempts.WithLabelValues("not_enabled").Inc()
		h.auditLogin(c, nil, req.Identifier, "not_enabled")
		response.Error(c, apperrors.ErrAccountNotEnabled)
		return
	case errors.Is(err, providers.ErrAccountLocked):
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		h.auditLogin(c, nil, req.Identifier, "locked")
		response.Error(c, apperrors.ErrInvalidCredentials)
		return
	case err != nil:
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		h.auditLogin(c, nil, req.Identifier, "failure")
		response.Error(c, apperrors.ErrInvalidCredentials)
		return
	}

	token, err := h.jwt.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:  user.ID,
		IsAdmin: user.IsAdmin,
	})
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	h.auditLogin(c, &user.ID, req.Identifier, "success")

	response.Success(c, http.StatusOK, gin.H{
		"access_token": token,
		"user":         publicUser(user),
	})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := strings.TrimSpace(c.GetString(middleware.CtxUserIDKey))
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	ctx := requestContext(c)

	user, err := h.users.GetByID(ctx, userID)
	if err != nil {
		response.Error(c, apperrors.FromError(err))
		return
	}

	consent, err := h.reports.Describe(ctx, user.ID, user.IsAdmin)
	if err != nil {
		response.Error(c, apperrors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user":    publicUser(user),
		"consent": consent,
	})
}

func publicUser(user *models.User) gin.H {
	return gin.H{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"privilege": user.Privilege,
		"is_admin":  user.IsAdmin,
	}
}
