package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository is a registry entry marking an external repository as usable
// for document syncing. Created exactly once per (owner, repo_name), on the
// first approval; later approvals for the same repository are no-ops and
// never overwrite the original ownership.
type Repository struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Owner     string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_registry_repo" json:"owner"`
	RepoName  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_registry_repo" json:"repo_name"`
	RepoURL   string    `gorm:"type:varchar(512);not null" json:"repo_url"`
	AddedBy   uuid.UUID `gorm:"type:uuid;not null" json:"added_by"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Repository) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
