package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/clearconsent/consentd/internal/models"
)

// ConsentNotGrantedLabel is the placeholder shown for accounts without
// recorded consent, including accounts that have no consent record at all.
const ConsentNotGrantedLabel = "—"

// consentEvidenceLayout formats the admin-visible evidence timestamp.
const consentEvidenceLayout = "02.01.2006 15:04"

// ConsentView is the read-only projection of an account's consent state.
// Evidence is only populated for callers with administrative capability.
type ConsentView struct {
	AccountID string `json:"account_id"`
	Granted   bool   `json:"granted"`
	Label     string `json:"label"`
	Evidence  string `json:"evidence,omitempty"`
}

// UserConsentRow pairs an account with its consent projection for listings.
type UserConsentRow struct {
	User    models.User `json:"user"`
	Consent ConsentView `json:"consent"`
}

// ReportListOptions controls the consent listing projection.
type ReportListOptions struct {
	Page          int
	PageSize      int
	Query         string
	Granted       *bool // filter to one bucket when set
	SortByConsent bool  // group granted / not granted, stable within buckets
	Admin         bool  // include evidence strings
}

// ConsentReportService is the read-only query surface over consent evidence.
// It never writes.
type ConsentReportService struct {
	db    *gorm.DB
	store *ConsentStore
}

// NewConsentReportService constructs the reporting service.
func NewConsentReportService(db *gorm.DB) (*ConsentReportService, error) {
	if db == nil {
		return nil, errors.New("consent report service: db is required")
	}
	store, err := NewConsentStore(db)
	if err != nil {
		return nil, err
	}
	return &ConsentReportService{db: db, store: store}, nil
}

// Describe renders the consent state of one account. Accounts without any
// consent record report "not granted" rather than an error.
func (s *ConsentReportService) Describe(ctx context.Context, accountID string, admin bool) (ConsentView, error) {
	ctx = ensureContext(ctx)

	view := ConsentView{
		AccountID: accountID,
		Label:     ConsentNotGrantedLabel,
	}

	record, err := s.store.GetByAccount(ctx, accountID)
	if errors.Is(err, ErrConsentNotFound) {
		return view, nil
	}
	if err != nil {
		return ConsentView{}, fmt.Errorf("consent report service: describe: %w", err)
	}

	return projectView(record, admin), nil
}

// ListUsers returns users with their consent projection. Within a grant
// bucket ordering follows the underlying listing order. The grant filter is
// applied in SQL before counting and paging so totals stay truthful.
func (s *ConsentReportService) ListUsers(ctx context.Context, opts ReportListOptions) ([]UserConsentRow, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	query := s.db.WithContext(ctx).Model(&models.User{})
	if q := strings.TrimSpace(opts.Query); q != "" {
		pattern := "%" + strings.ToLower(q) + "%"
		query = query.Where("LOWER(username) LIKE ? OR LOWER(email) LIKE ?", pattern, pattern)
	}
	if opts.Granted != nil {
		// Accounts without any consent record count as not granted.
		grantedExists := "EXISTS (SELECT 1 FROM consent_records WHERE consent_records.account_id = users.id AND consent_records.granted = ?)"
		if *opts.Granted {
			query = query.Where(grantedExists, true)
		} else {
			query = query.Where("NOT "+grantedExists, true)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("consent report service: count users: %w", err)
	}

	var users []models.User
	if err := query.
		Order("created_at ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("consent report service: list users: %w", err)
	}

	rows := make([]UserConsentRow, 0, len(users))
	for i := range users {
		view, err := s.Describe(ctx, users[i].ID, opts.Admin)
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, UserConsentRow{User: users[i], Consent: view})
	}

	if opts.SortByConsent {
		SortByConsent(rows)
	}

	return rows, total, nil
}

// SortByConsent groups rows into the granted and not-granted buckets while
// keeping the incoming order within each bucket.
func SortByConsent(rows []UserConsentRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Consent.Granted && !rows[j].Consent.Granted
	})
}

func projectView(record *models.ConsentRecord, admin bool) ConsentView {
	view := ConsentView{
		AccountID: record.AccountID,
		Granted:   record.Granted,
		Label:     ConsentNotGrantedLabel,
	}

	if !record.Granted {
		return view
	}

	view.Label = "Granted"
	if admin && record.ConsentTime != nil && record.ConsentIP != nil {
		view.Evidence = record.ConsentTime.Format(consentEvidenceLayout) + " - " + *record.ConsentIP
	}
	return view
}
