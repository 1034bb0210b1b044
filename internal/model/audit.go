package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit action vocabulary. Stable tags so entries are filterable by kind.
const (
	ActionApprovalRequested = "approval_requested"
	ActionApprovalApproved  = "approval_approved"
	ActionApprovalRejected  = "approval_rejected"
	ActionApprovalExpired   = "approval_expired"
	ActionApprovalBlocked   = "approval_blocked"
)

// Audit resource names.
const (
	ResourceApprovalRequest = "approval_request"
)

// AuditLog is an append-only record of a security-relevant action: who did
// what to which resource, whether it succeeded, and structured context.
// Entries are never mutated or deleted.
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     *uuid.UUID `gorm:"type:uuid;index" json:"user_id"` // nil for unattributed/system actions
	User       *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Action     string     `gorm:"type:varchar(50);not null;index" json:"action"`
	Resource   string     `gorm:"type:varchar(50);not null" json:"resource"`
	ResourceID string     `gorm:"type:varchar(64);index" json:"resource_id"`
	Details    string     `gorm:"type:jsonb" json:"details"`
	Success    bool       `gorm:"not null" json:"success"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
