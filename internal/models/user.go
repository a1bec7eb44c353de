package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Privilege states an account can be in. An account is created with
// PrivilegeNone and stays there until its consent token is redeemed; after
// that it is PrivilegeDefault permanently.
const (
	PrivilegeNone    = "none"
	PrivilegeDefault = "default"
)

// User describes a platform account. The consent workflow only annotates it:
// the one field it owns is Privilege, the single boolean gate between "exists"
// and "may authenticate".
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	// Privilege is "none" from creation until consent redemption succeeds,
	// then "default". There is no re-locking.
	Privilege string `gorm:"not null;default:none;index" json:"privilege"`

	IsAdmin bool `gorm:"default:false" json:"is_admin"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"last_login_ip"`

	FailedAttempts int        `gorm:"default:0" json:"-"`
	LockedUntil    *time.Time `json:"-"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Enabled reports whether the account may authenticate.
func (u *User) Enabled() bool {
	return u.Privilege == PrivilegeDefault
}
