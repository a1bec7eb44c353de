package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/clearconsent/consentd/internal/services"
	apperrors "github.com/clearconsent/consentd/pkg/errors"
	"github.com/clearconsent/consentd/pkg/response"
)

// UserHandler exposes the admin listing with its consent column.
type UserHandler struct {
	reports *services.ConsentReportService
}

func NewUserHandler(reports *services.ConsentReportService) *UserHandler {
	return &UserHandler{reports: reports}
}

// GET /api/users?page=&page_size=&q=&granted=&sort=consent
func (h *UserHandler) List(c *gin.Context) {
	opts := services.ReportListOptions{
		Page:     parseIntQuery(c, "page", 1),
		PageSize: parseIntQuery(c, "page_size", 50),
		Query:    strings.TrimSpace(c.Query("q")),
		Admin:    true,
	}

	switch strings.ToLower(strings.TrimSpace(c.Query("granted"))) {
	case "true", "1", "yes":
		granted := true
		opts.Granted = &granted
	case "false", "0", "no":
		granted := false
		opts.Granted = &granted
	}

	if strings.EqualFold(strings.TrimSpace(c.Query("sort")), "consent") {
		opts.SortByConsent = true
	}

	rows, total, err := h.reports.ListUsers(requestContext(c), opts)
	if err != nil {
		response.Error(c, apperrors.FromError(err))
		return
	}

	totalPages := 0
	if opts.PageSize > 0 {
		totalPages = int((total + int64(opts.PageSize) - 1) / int64(opts.PageSize))
	}
	response.SuccessWithMeta(c, http.StatusOK, rows, &response.Meta{
		Page:       opts.Page,
		PerPage:    opts.PageSize,
		Total:      int(total),
		TotalPages: totalPages,
	})
}

// GET /api/users/:id/consent
func (h *UserHandler) Consent(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("id"))
	if accountID == "" {
		response.Error(c, apperrors.NewBadRequest("account id is required"))
		return
	}

	view, err := h.reports.Describe(requestContext(c), accountID, true)
	if err != nil {
		response.Error(c, apperrors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, view)
}
