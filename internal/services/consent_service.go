package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/clearconsent/consentd/internal/models"
	"github.com/clearconsent/consentd/pkg/crypto"
	"github.com/clearconsent/consentd/pkg/mail"
)

var (
	// ErrRegistrationConsentFailed indicates the consent record could not be
	// stored. The account stays created but unconfirmable until retried.
	ErrRegistrationConsentFailed = errors.New("consent service: registration consent failed")
	// ErrConfirmationDispatchFailed reports a mail delivery failure after the
	// consent record was durably stored. The record is never rolled back.
	ErrConfirmationDispatchFailed = errors.New("consent service: confirmation dispatch failed")
)

// PasswordKeyFunc issues the secondary password-set credential interleaved in
// the activation link. It is an independent credential owned by the external
// password flow; when nil the link carries only the consent token.
type PasswordKeyFunc func(ctx context.Context, user *models.User) (string, error)

// ConsentOption customises the ConsentService.
type ConsentOption func(*ConsentService)

// WithActivationBaseURL sets the base URL embedded in confirmation links.
func WithActivationBaseURL(base string) ConsentOption {
	return func(s *ConsentService) {
		s.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

// WithSiteName sets the display name used in confirmation messages.
func WithSiteName(name string) ConsentOption {
	return func(s *ConsentService) {
		if name = strings.TrimSpace(name); name != "" {
			s.siteName = name
		}
	}
}

// WithMailFrom sets the sender address recorded in the email snapshot.
func WithMailFrom(from string) ConsentOption {
	return func(s *ConsentService) {
		s.from = strings.TrimSpace(from)
	}
}

// WithConsentClock injects a custom time source.
func WithConsentClock(clock func() time.Time) ConsentOption {
	return func(s *ConsentService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithTokenSource overrides the consent token generator.
func WithTokenSource(generate func() (string, error)) ConsentOption {
	return func(s *ConsentService) {
		if generate != nil {
			s.generate = generate
		}
	}
}

// WithPasswordKeyFunc wires the secondary password-set credential issuer.
func WithPasswordKeyFunc(fn PasswordKeyFunc) ConsentOption {
	return func(s *ConsentService) {
		s.passwordKey = fn
	}
}

// ConsentService drives the consent token lifecycle: issuance at registration,
// one-time redemption, and the resulting privilege transition.
type ConsentService struct {
	db          *gorm.DB
	store       *ConsentStore
	mailer      mail.Mailer
	audit       *AuditService
	baseURL     string
	siteName    string
	from        string
	now         func() time.Time
	generate    func() (string, error)
	passwordKey PasswordKeyFunc
}

// NewConsentService constructs a ConsentService with the provided dependencies.
func NewConsentService(db *gorm.DB, mailer mail.Mailer, audit *AuditService, opts ...ConsentOption) (*ConsentService, error) {
	if db == nil {
		return nil, errors.New("consent service: db is required")
	}

	store, err := NewConsentStore(db)
	if err != nil {
		return nil, err
	}

	service := &ConsentService{
		db:       db,
		store:    store,
		mailer:   mailer,
		audit:    audit,
		siteName: "consentd",
		now:      time.Now,
		generate: crypto.GenerateConsentToken,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Store exposes the underlying consent record store.
func (s *ConsentService) Store() *ConsentStore {
	return s.store
}

// RegistrationResult reports what Register produced.
type RegistrationResult struct {
	Record  *models.ConsentRecord
	Token   string
	Link    string
	Message mail.Message
}

// Register runs the deferred-consent side of account creation: it captures
// registration evidence, forces the account to the no-privilege state,
// issues a consent token and stores the record with the exact confirmation
// message, then dispatches the message. Order matters; see each step.
func (s *ConsentService) Register(ctx context.Context, user *models.User, clientIP string) (*RegistrationResult, error) {
	ctx = ensureContext(ctx)

	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, errors.New("consent service: user is required")
	}

	now := s.now()
	clientIP = strings.TrimSpace(clientIP)

	// The account may not authenticate until the token comes back, whatever
	// default the account store would have assigned.
	if err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("privilege", models.PrivilegeNone).Error; err != nil {
		return nil, fmt.Errorf("consent service: lock privileges: %w", err)
	}
	user.Privilege = models.PrivilegeNone

	token, err := s.generate()
	if err != nil {
		// Entropy failure is fatal to the confirmation step. The account
		// stays in the no-privilege state; the outer flow decides whether
		// to roll the creation back.
		recordAudit(s.audit, ctx, AuditEntry{
			UserID:    &user.ID,
			Username:  user.Username,
			Action:    "consent.register",
			Resource:  user.ID,
			Result:    "failure",
			IPAddress: clientIP,
			Metadata:  map[string]any{"reason": "token generation"},
		})
		return nil, fmt.Errorf("consent service: generate token: %w", err)
	}

	message, link, err := s.buildConfirmation(ctx, user, token)
	if err != nil {
		return nil, err
	}

	record := &models.ConsentRecord{
		AccountID:     user.ID,
		Token:         &token,
		RegisterIP:    clientIP,
		RegisterTime:  now,
		RegisterEmail: mail.FormatMessage(s.from, message.To, message.Subject, message.Body),
	}

	if err := s.store.Create(ctx, record); err != nil {
		recordAudit(s.audit, ctx, AuditEntry{
			UserID:    &user.ID,
			Username:  user.Username,
			Action:    "consent.register",
			Resource:  user.ID,
			Result:    "failure",
			IPAddress: clientIP,
		})
		return nil, fmt.Errorf("%w: %w", ErrRegistrationConsentFailed, err)
	}

	recordAudit(s.audit, ctx, AuditEntry{
		UserID:    &user.ID,
		Username:  user.Username,
		Action:    "consent.register",
		Resource:  user.ID,
		Result:    "success",
		IPAddress: clientIP,
	})

	result := &RegistrationResult{
		Record:  record,
		Token:   token,
		Link:    link,
		Message: message,
	}

	// Dispatch after the durable write and outside any lock. A delivery
	// failure is reported but never unwinds the record.
	if s.mailer != nil {
		if mailErr := s.mailer.Send(ctx, message); mailErr != nil && !errors.Is(mailErr, mail.ErrSMTPDisabled) {
			return result, fmt.Errorf("%w: %w", ErrConfirmationDispatchFailed, mailErr)
		}
	}

	return result, nil
}

// RedemptionResult reports the outcome of a redemption attempt. A no-op
// outcome carries Granted=false and no error: an invalid or replayed token is
// indistinguishable from "not my link" and must not leak token existence.
type RedemptionResult struct {
	Granted   bool
	AccountID string
	Notice    string
}

// Redeem validates a candidate token and, on first valid use, records the
// consent evidence and restores the account's default privilege.
func (s *ConsentService) Redeem(ctx context.Context, token, clientIP string) (*RedemptionResult, error) {
	ctx = ensureContext(ctx)

	noop := &RedemptionResult{}

	// Length gate before any store lookup.
	token = strings.TrimSpace(token)
	if len(token) != crypto.ConsentTokenLength {
		return noop, nil
	}

	record, err := s.store.FindByToken(ctx, token)
	if errors.Is(err, ErrConsentNotFound) {
		return noop, nil
	}
	if err != nil {
		return nil, err
	}

	// Replay guard; a granted record never re-triggers side effects.
	if record.Granted {
		return noop, nil
	}

	now := s.now()
	clientIP = strings.TrimSpace(clientIP)

	// Grant and privilege restore commit together. If the restore fails the
	// grant rolls back and the token stays live, so the link can be retried;
	// a granted record with a locked account must never be observable.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markGranted(ctx, tx, record.AccountID, clientIP, now); err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).
			Where("id = ?", record.AccountID).
			Update("privilege", models.PrivilegeDefault).Error; err != nil {
			return fmt.Errorf("consent service: restore privileges: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrAlreadyGranted) {
		// Lost the race against a concurrent redemption. Exactly one grant
		// happened; this attempt is a no-op.
		return noop, nil
	}
	if err != nil {
		return nil, err
	}

	recordAudit(s.audit, ctx, AuditEntry{
		UserID:    &record.AccountID,
		Action:    "consent.redeem",
		Resource:  record.AccountID,
		Result:    "success",
		IPAddress: clientIP,
	})

	return &RedemptionResult{
		Granted:   true,
		AccountID: record.AccountID,
		Notice:    "Thanks for granting consent!",
	}, nil
}

func (s *ConsentService) buildConfirmation(ctx context.Context, user *models.User, token string) (mail.Message, string, error) {
	var key string
	if s.passwordKey != nil {
		issued, err := s.passwordKey(ctx, user)
		if err != nil {
			return mail.Message{}, "", fmt.Errorf("consent service: issue password key: %w", err)
		}
		key = issued
	}

	link := s.activationLink(token, user.Username, key)

	subject := fmt.Sprintf("[%s] Complete registration", s.siteName)
	body := fmt.Sprintf(
		"Hello %s!\r\n\r\nThanks for your registration on %s. To complete the registration process and set a password for your account please click here: %s\r\n",
		user.Username, s.siteName, link,
	)

	message := mail.Message{
		From:    s.from,
		To:      []string{user.Email},
		Subject: subject,
		Body:    body,
	}
	return message, link, nil
}

func (s *ConsentService) activationLink(token, login, key string) string {
	values := url.Values{}
	if key != "" {
		values.Set("key", key)
	}
	values.Set("token", token)
	values.Set("login", login)
	return s.baseURL + "?" + values.Encode()
}
