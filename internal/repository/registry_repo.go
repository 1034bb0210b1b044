package repository

import (
	"context"

	"backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegistryRepository manages the global repository registry that approvals
// write into.
type RegistryRepository interface {
	// Ensure inserts a registry entry if none exists for (owner, repo_name).
	// Returns true if a new entry was created, false if one already existed.
	// An existing entry is never overwritten.
	Ensure(ctx context.Context, entry *model.Repository) (bool, error)
	FindByRepo(ctx context.Context, owner, repoName string) (*model.Repository, error)
	ListActive(ctx context.Context, page, limit int) ([]model.Repository, int64, error)
}

type registryRepository struct {
	db *gorm.DB
}

func NewRegistryRepository(db *gorm.DB) RegistryRepository {
	return &registryRepository{db: db}
}

func (r *registryRepository) Ensure(ctx context.Context, entry *model.Repository) (bool, error) {
	res := GetDB(ctx, r.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *registryRepository) FindByRepo(ctx context.Context, owner, repoName string) (*model.Repository, error) {
	var repo model.Repository
	if err := GetDB(ctx, r.db).First(&repo, "owner = ? AND repo_name = ?", owner, repoName).Error; err != nil {
		return nil, err
	}
	return &repo, nil
}

func (r *registryRepository) ListActive(ctx context.Context, page, limit int) ([]model.Repository, int64, error) {
	db := GetDB(ctx, r.db)

	var total int64
	if err := db.Model(&model.Repository{}).Where("is_active = ?", true).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var repos []model.Repository
	offset := (page - 1) * limit
	err := db.Where("is_active = ?", true).
		Order("created_at DESC").Offset(offset).Limit(limit).
		Find(&repos).Error
	if err != nil {
		return nil, 0, err
	}

	return repos, total, nil
}
