package repository

import (
	"context"
	"testing"
	"time"

	"backend/internal/database"
	"backend/internal/model"
	"backend/pkg/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	return db
}

func pendingRequest(owner, repoName, token string, expiresAt time.Time) *model.ApprovalRequest {
	return &model.ApprovalRequest{
		RequesterID:   uuid.New(),
		Owner:         owner,
		RepoName:      repoName,
		RepoURL:       "https://github.com/" + owner + "/" + repoName,
		Status:        model.StatusPending,
		ApprovalToken: token,
		AdminEmail:    "admin@example.com",
		ExpiresAt:     expiresAt,
	}
}

func TestApprovalCreate_SinglePendingPerRepo(t *testing.T) {
	db := newTestDB(t)
	repo := NewApprovalRepository(db)
	ctx := context.Background()

	first := pendingRequest("octo", "widgets", "tok-a", time.Now().Add(time.Hour))
	require.NoError(t, repo.Create(ctx, first))

	// A second pending record for the same repository violates the partial
	// unique index and surfaces as a Conflict.
	dup := pendingRequest("octo", "widgets", "tok-b", time.Now().Add(time.Hour))
	err := repo.Create(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// Once the first record leaves pending, the slot reopens.
	rows, err := repo.TransitionIfPending(ctx, first.ID, model.StatusRejected, "admin@example.com", time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	again := pendingRequest("octo", "widgets", "tok-c", time.Now().Add(time.Hour))
	require.NoError(t, repo.Create(ctx, again))
}

func TestTransitionIfPending_CompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	repo := NewApprovalRepository(db)
	ctx := context.Background()
	now := time.Now()

	rec := pendingRequest("octo", "widgets", "tok-cas", now.Add(time.Hour))
	require.NoError(t, repo.Create(ctx, rec))

	rows, err := repo.TransitionIfPending(ctx, rec.ID, model.StatusApproved, "admin@example.com", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows)

	// The losing side of the race sees zero rows and the state is untouched.
	rows, err = repo.TransitionIfPending(ctx, rec.ID, model.StatusExpired, "", now)
	require.NoError(t, err)
	assert.Zero(t, rows)

	updated, err := repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, updated.Status)
	assert.Equal(t, "admin@example.com", updated.ApprovedBy)
	require.NotNil(t, updated.ApprovedAt)
}

func TestTransitionIfPending_ExpiryLeavesDeciderEmpty(t *testing.T) {
	db := newTestDB(t)
	repo := NewApprovalRepository(db)
	ctx := context.Background()

	rec := pendingRequest("octo", "widgets", "tok-exp", time.Now().Add(-time.Hour))
	require.NoError(t, repo.Create(ctx, rec))

	rows, err := repo.TransitionIfPending(ctx, rec.ID, model.StatusExpired, "", time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows)

	updated, err := repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, updated.Status)
	assert.Empty(t, updated.ApprovedBy, "nobody decided an expired request")
	assert.Nil(t, updated.ApprovedAt)
}

func TestFindOverduePending(t *testing.T) {
	db := newTestDB(t)
	repo := NewApprovalRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, pendingRequest("octo", "old", "tok-1", now.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, pendingRequest("octo", "fresh", "tok-2", now.Add(time.Hour))))

	decided := pendingRequest("octo", "decided", "tok-3", now.Add(-time.Hour))
	require.NoError(t, repo.Create(ctx, decided))
	_, err := repo.TransitionIfPending(ctx, decided.ID, model.StatusApproved, "admin@example.com", now)
	require.NoError(t, err)

	overdue, err := repo.FindOverduePending(ctx, now)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "old", overdue[0].RepoName)
}

func TestFindByToken(t *testing.T) {
	db := newTestDB(t)
	repo := NewApprovalRepository(db)
	ctx := context.Background()

	rec := pendingRequest("octo", "widgets", "tok-find", time.Now().Add(time.Hour))
	require.NoError(t, repo.Create(ctx, rec))

	found, err := repo.FindByToken(ctx, "tok-find")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)

	_, err = repo.FindByToken(ctx, "tok-missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRegistryEnsure_Idempotent(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistryRepository(db)
	ctx := context.Background()

	owner := uuid.New()
	created, err := registry.Ensure(ctx, &model.Repository{
		Owner: "octo", RepoName: "widgets",
		RepoURL: "https://github.com/octo/widgets",
		AddedBy: owner, IsActive: true,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// A second Ensure for the same repository is a no-op that never
	// overwrites the original entry.
	created, err = registry.Ensure(ctx, &model.Repository{
		Owner: "octo", RepoName: "widgets",
		RepoURL: "https://github.com/octo/widgets",
		AddedBy: uuid.New(), IsActive: true,
	})
	require.NoError(t, err)
	assert.False(t, created)

	entry, err := registry.FindByRepo(ctx, "octo", "widgets")
	require.NoError(t, err)
	assert.Equal(t, owner, entry.AddedBy)

	_, total, err := registry.ListActive(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	repo := NewApprovalRepository(db)
	txm := NewTransactionManager(db)
	ctx := context.Background()

	err := txm.RunInTx(ctx, func(txCtx context.Context) error {
		if err := repo.Create(txCtx, pendingRequest("octo", "widgets", "tok-tx", time.Now().Add(time.Hour))); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	var count int64
	require.NoError(t, db.Model(&model.ApprovalRequest{}).Count(&count).Error)
	assert.Zero(t, count, "rollback discards the create")
}
