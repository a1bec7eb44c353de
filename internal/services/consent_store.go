package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/clearconsent/consentd/internal/models"
)

var (
	// ErrDuplicateAccount indicates a consent record already exists for the account.
	ErrDuplicateAccount = errors.New("consent store: record already exists for account")
	// ErrConsentNotFound indicates no consent record matched the lookup.
	ErrConsentNotFound = errors.New("consent store: not found")
	// ErrDataIntegrity signals a token matched more than one record. The store
	// never silently picks one; duplicate live tokens mean corrupted data.
	ErrDataIntegrity = errors.New("consent store: token matches multiple records")
	// ErrAlreadyGranted is the soft signal that consent was recorded earlier.
	// Callers treat it as an idempotent no-op, not a failure.
	ErrAlreadyGranted = errors.New("consent store: already granted")
)

// ConsentStore owns persistence of consent records. All writes are durable
// before the call returns; the rows are legal evidence.
type ConsentStore struct {
	db *gorm.DB
}

// NewConsentStore constructs a ConsentStore instance.
func NewConsentStore(db *gorm.DB) (*ConsentStore, error) {
	if db == nil {
		return nil, errors.New("consent store: db is required")
	}
	return &ConsentStore{db: db}, nil
}

// Create inserts the consent record for an account. Exactly one record per
// account is permitted for its whole lifetime.
func (s *ConsentStore) Create(ctx context.Context, record *models.ConsentRecord) error {
	ctx = ensureContext(ctx)

	if record == nil {
		return errors.New("consent store: record is required")
	}
	if strings.TrimSpace(record.AccountID) == "" {
		return errors.New("consent store: account id is required")
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("consent store: create record: %w", err)
	}
	return nil
}

// FindByToken looks up the record holding a live token. Exact match only; an
// unknown token returns ErrConsentNotFound and an ambiguous one ErrDataIntegrity.
func (s *ConsentStore) FindByToken(ctx context.Context, token string) (*models.ConsentRecord, error) {
	ctx = ensureContext(ctx)

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrConsentNotFound
	}

	var records []models.ConsentRecord
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Limit(2).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("consent store: find by token: %w", err)
	}

	switch len(records) {
	case 0:
		return nil, ErrConsentNotFound
	case 1:
		return &records[0], nil
	default:
		return nil, ErrDataIntegrity
	}
}

// GetByAccount returns the consent record for an account, if any.
func (s *ConsentStore) GetByAccount(ctx context.Context, accountID string) (*models.ConsentRecord, error) {
	ctx = ensureContext(ctx)

	var record models.ConsentRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConsentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consent store: get by account: %w", err)
	}
	return &record, nil
}

// MarkGranted flips the record to granted and captures the redemption
// evidence. The guarded UPDATE acts as a compare-and-set on granted, so
// concurrent redemption attempts for the same account are linearizable:
// exactly one observes false and wins, the rest get ErrAlreadyGranted.
// The token is cleared in the same statement so it can never match again.
func (s *ConsentStore) MarkGranted(ctx context.Context, accountID, ip string, at time.Time) error {
	return markGranted(ensureContext(ctx), s.db, accountID, ip, at)
}

// markGranted runs against an explicit handle so callers can put the grant
// inside a wider transaction together with its dependent writes.
func markGranted(ctx context.Context, db *gorm.DB, accountID, ip string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&models.ConsentRecord{}).
		Where("account_id = ? AND granted = ?", accountID, false).
		Updates(map[string]any{
			"granted":      true,
			"consent_ip":   strings.TrimSpace(ip),
			"consent_time": at,
			"token":        nil,
		})
	if res.Error != nil {
		return fmt.Errorf("consent store: mark granted: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		var record models.ConsentRecord
		err := db.WithContext(ctx).
			Where("account_id = ?", accountID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConsentNotFound
		}
		if err != nil {
			return fmt.Errorf("consent store: get by account: %w", err)
		}
		return ErrAlreadyGranted
	}
	return nil
}
