package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearconsent/consentd/internal/middleware"
	"github.com/clearconsent/consentd/internal/services"
	apperrors "github.com/clearconsent/consentd/pkg/errors"
	"github.com/clearconsent/consentd/pkg/metrics"
	"github.com/clearconsent/consentd/pkg/response"
)

// ConsentHandler serves the confirmation link from the registration mail.
type ConsentHandler struct {
	consent *services.ConsentService
}

func NewConsentHandler(consent *services.ConsentService) *ConsentHandler {
	return &ConsentHandler{consent: consent}
}

// GET /api/consent/confirm?token=...
//
// Malformed, unknown and replayed tokens all produce the same quiet 200: the
// endpoint must not reveal whether a token ever existed. Only a genuine first
// redemption flips the account and says so.
func (h *ConsentHandler) Confirm(c *gin.Context) {
	result, err := h.consent.Redeem(requestContext(c), c.Query("token"), middleware.ResolvedClientIP(c))
	if err != nil {
		metrics.ConsentRedemptions.WithLabelValues("error").Inc()
		response.Error(c, apperrors.FromError(err))
		return
	}

	if !result.Granted {
		metrics.ConsentRedemptions.WithLabelValues("noop").Inc()
		response.Success(c, http.StatusOK, gin.H{"granted": false})
		return
	}

	metrics.ConsentRedemptions.WithLabelValues("granted").Inc()
	response.Success(c, http.StatusOK, gin.H{
		"granted": true,
		"notice":  result.Notice,
	})
}
