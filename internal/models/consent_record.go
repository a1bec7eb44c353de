package models

import "time"

// ConsentRecord is the evidentiary record of the deferred-consent workflow.
// One row per account, created at registration, mutated exactly once at
// redemption, never deleted.
//
// The registration fields are immutable after creation. The consent fields
// are null until redemption and immutable after it.
type ConsentRecord struct {
	BaseModel

	AccountID string `gorm:"type:uuid;uniqueIndex;not null" json:"account_id"`

	// Token is the outstanding single-use consent token. It is cleared on
	// redemption so a redeemed token can never match again; the unique index
	// rules out ambiguous lookups while it is live.
	Token *string `gorm:"uniqueIndex" json:"-"`

	Granted bool `gorm:"not null;default:false;index" json:"granted"`

	RegisterIP    string    `gorm:"not null" json:"register_ip"`
	RegisterTime  time.Time `gorm:"not null" json:"register_time"`
	RegisterEmail string    `json:"-"` // exact confirmation message as sent

	ConsentIP   *string    `json:"consent_ip"`
	ConsentTime *time.Time `json:"consent_time"`
}
