// Package models declares the gateway's persistent records.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WhitelistEntry is the durable authorization record for a user. Rows are
// created lazily on first successful authorization and flipped to banned
// instead of being deleted.
type WhitelistEntry struct {
	User      string `gorm:"primaryKey;size:64"`
	Banned    bool   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Proposal is a transaction parked until its awaited co-signer signs it. The
// target action is denormalized into account/name columns for the listing
// index; the full action and signature list are stored as JSON text.
type Proposal struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	InitiatorID           string    `gorm:"size:64;not null"`
	WaitingForUser        string    `gorm:"size:64;index:idx_proposals_waiting,priority:1"`
	WaitingForPermission  string    `gorm:"size:32;not null"`
	ActionAccount         string    `gorm:"size:64;index:idx_proposals_waiting,priority:2"`
	ActionName            string    `gorm:"size:64;index:idx_proposals_waiting,priority:3"`
	ActionJSON            string    `gorm:"type:text;not null"`
	SerializedTransaction string    `gorm:"type:text;not null"`
	Signatures            string    `gorm:"type:text"`
	ExpirationTime        time.Time `gorm:"index"`
	CreatedAt             time.Time
}

// AuditEntry records one processed transaction. Writes are fire-and-forget.
type AuditEntry struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	User              string    `gorm:"size:64;index:idx_audit_user,priority:1"`
	Timestamp         time.Time `gorm:"index:idx_audit_user,priority:2"`
	Actions           string    `gorm:"type:text"`
	TransactionJSON   string    `gorm:"type:text"`
	ProvidedBandwidth bool      `gorm:"not null"`
}

// AutoMigrate performs all schema migrations for the gateway.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&WhitelistEntry{},
		&Proposal{},
		&AuditEntry{},
	)
}
