package repository

import (
	"context"
	"errors"
	"time"

	"backend/internal/model"
	"backend/pkg/apperr"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApprovalRepository is the approval request store. The status column is the
// coordination point for all concurrent transitions: TransitionIfPending is a
// compare-and-swap guarded by status = 'pending', and Create relies on the
// partial unique index so two concurrent requests for the same repository
// cannot both produce a pending record.
type ApprovalRepository interface {
	Create(ctx context.Context, req *model.ApprovalRequest) error
	Delete(ctx context.Context, id uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	FindByToken(ctx context.Context, token string) (*model.ApprovalRequest, error)
	FindPendingByRepo(ctx context.Context, owner, repoName string) (*model.ApprovalRequest, error)
	TransitionIfPending(ctx context.Context, id uuid.UUID, to, decidedBy string, at time.Time) (int64, error)
	FindOverduePending(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error)
	ListByRequester(ctx context.Context, requesterID uuid.UUID, status string, page, limit int) ([]model.ApprovalRequest, int64, error)
	ListPending(ctx context.Context, page, limit int) ([]model.ApprovalRequest, int64, error)
}

type approvalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) ApprovalRepository {
	return &approvalRepository{db: db}
}

func (r *approvalRepository) Create(ctx context.Context, req *model.ApprovalRequest) error {
	if err := GetDB(ctx, r.db).Create(req).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.Wrap(apperr.KindConflict,
				"a pending approval request already exists for this repository", err)
		}
		return apperr.Wrap(apperr.KindInternal, "failed to create approval request", err)
	}
	return nil
}

// Delete removes a request record. Used only as the compensating action when
// the admin notification could not be sent after a successful create.
func (r *approvalRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return GetDB(ctx, r.db).Delete(&model.ApprovalRequest{}, "id = ?", id).Error
}

func (r *approvalRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	if err := GetDB(ctx, r.db).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// FindByToken returns the unique record whose approval token matches.
// Tokens are never reused, so the lookup is unambiguous.
func (r *approvalRepository) FindByToken(ctx context.Context, token string) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	if err := GetDB(ctx, r.db).First(&req, "approval_token = ?", token).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *approvalRepository) FindPendingByRepo(ctx context.Context, owner, repoName string) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	err := GetDB(ctx, r.db).
		First(&req, "owner = ? AND repo_name = ? AND status = ?", owner, repoName, model.StatusPending).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// TransitionIfPending moves a request out of pending in a single guarded
// UPDATE. A return of 0 rows means another operation (a racing decision or
// the expiry sweep) already committed a terminal state first.
func (r *approvalRepository) TransitionIfPending(ctx context.Context, id uuid.UUID, to, decidedBy string, at time.Time) (int64, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	if decidedBy != "" {
		updates["approved_by"] = decidedBy
		updates["approved_at"] = at
	}

	res := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *approvalRepository) FindOverduePending(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error) {
	var requests []model.ApprovalRequest
	err := GetDB(ctx, r.db).
		Where("status = ? AND expires_at < ?", model.StatusPending, now).
		Order("expires_at ASC").
		Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *approvalRepository) ListByRequester(ctx context.Context, requesterID uuid.UUID, status string, page, limit int) ([]model.ApprovalRequest, int64, error) {
	db := GetDB(ctx, r.db)

	query := db.Model(&model.ApprovalRequest{}).Where("requester_id = ?", requesterID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var requests []model.ApprovalRequest
	fetch := db.Where("requester_id = ?", requesterID)
	if status != "" {
		fetch = fetch.Where("status = ?", status)
	}
	offset := (page - 1) * limit
	if err := fetch.Order("created_at DESC").Offset(offset).Limit(limit).Find(&requests).Error; err != nil {
		return nil, 0, err
	}

	return requests, total, nil
}

func (r *approvalRepository) ListPending(ctx context.Context, page, limit int) ([]model.ApprovalRequest, int64, error) {
	db := GetDB(ctx, r.db)

	var total int64
	if err := db.Model(&model.ApprovalRequest{}).
		Where("status = ?", model.StatusPending).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var requests []model.ApprovalRequest
	offset := (page - 1) * limit
	err := db.Preload("Requester").
		Where("status = ?", model.StatusPending).
		Order("created_at DESC").Offset(offset).Limit(limit).
		Find(&requests).Error
	if err != nil {
		return nil, 0, err
	}

	return requests, total, nil
}
