package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApprovalRequest status values. pending is the only non-terminal state;
// approved, rejected and expired are absorbing.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// ApprovalWindow is the fixed lifetime of a pending request.
const ApprovalWindow = 48 * time.Hour

// ApprovalRequest represents one user's ask to register an external repository
// for document syncing, gated on administrator sign-off via an emailed link.
// Records are never deleted once decided; they double as an audit trail.
//
// The partial unique index on (owner, repo_name) WHERE status = 'pending'
// enforces at most one pending request per repository even under concurrent
// creation attempts.
type ApprovalRequest struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RequesterID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"requester_id"`
	Requester     *User      `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	Owner         string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_approval_pending_repo,where:status = 'pending'" json:"owner"`
	RepoName      string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_approval_pending_repo" json:"repo_name"`
	RepoURL       string     `gorm:"type:varchar(512);not null" json:"repo_url"`
	Justification string     `gorm:"type:text" json:"justification,omitempty"`
	Status        string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ApprovalToken string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"` // single-use secret, never serialized
	AdminEmail    string     `gorm:"type:varchar(255);not null" json:"-"`
	ApprovedBy    string     `gorm:"type:varchar(255)" json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	ExpiresAt     time.Time  `gorm:"not null;index" json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (a *ApprovalRequest) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
