package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend/internal/database"
	"backend/internal/github"
	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/repository"
	"backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type okVerifier struct{}

func (okVerifier) VerifyAccess(ctx context.Context, credential, owner, repo string) (github.AccessLevel, error) {
	return github.AccessWrite, nil
}

type okNotifier struct{}

func (okNotifier) Send(ctx context.Context, to, subject, htmlBody string) error { return nil }

type handlerFixture struct {
	db        *gorm.DB
	router    *gin.Engine
	repo      repository.ApprovalRepository
	requester model.User
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	requester := model.User{Username: "alice", Email: "alice@example.com", Password: "x", Role: model.RoleMember}
	require.NoError(t, db.Create(&requester).Error)

	approvalRepo := repository.NewApprovalRepository(db)
	svc := service.NewApprovalService(
		approvalRepo,
		repository.NewRegistryRepository(db),
		repository.NewAuditRepository(db),
		repository.NewTransactionManager(db),
		okVerifier{}, okNotifier{}, nil,
		service.ApprovalConfig{AdminEmail: "admin@example.com", BaseURL: "https://app.example.com"},
	)

	router := gin.New()
	NewApprovalHandler(svc).RegisterRoutes(router.Group(""))

	return &handlerFixture{db: db, router: router, repo: approvalRepo, requester: requester}
}

func (f *handlerFixture) seedPending(t *testing.T, token string) *model.ApprovalRequest {
	t.Helper()
	rec := &model.ApprovalRequest{
		RequesterID:   f.requester.ID,
		Owner:         "octo",
		RepoName:      "widgets",
		RepoURL:       "https://github.com/octo/widgets",
		Status:        model.StatusPending,
		ApprovalToken: token,
		AdminEmail:    "admin@example.com",
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, f.repo.Create(context.Background(), rec))
	return rec
}

func signToken(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(middleware.GetJWTSecret())
	require.NoError(t, err)
	return signed
}

func (f *handlerFixture) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.router.ServeHTTP(w, req)
	return w
}

func TestDecisionPage_Approve(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedPending(t, "tok-page-1")

	w := f.get("/approve-repo?token=tok-page-1&action=approve")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Repository approved")
	assert.Contains(t, w.Body.String(), "https://github.com/octo/widgets")
}

func TestDecisionPage_Reject(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedPending(t, "tok-page-2")

	w := f.get("/approve-repo?token=tok-page-2&action=reject")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Repository rejected")
}

func TestDecisionPage_SecondClickRefused(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedPending(t, "tok-page-3")

	first := f.get("/approve-repo?token=tok-page-3&action=approve")
	require.Equal(t, http.StatusOK, first.Code)

	second := f.get("/approve-repo?token=tok-page-3&action=approve")
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Contains(t, second.Body.String(), "already been approved")
}

func TestDecisionPage_MissingParams(t *testing.T) {
	f := newHandlerFixture(t)

	for _, path := range []string{
		"/approve-repo",
		"/approve-repo?token=tok-x",
		"/approve-repo?action=approve",
	} {
		w := f.get(path)
		assert.Equalf(t, http.StatusBadRequest, w.Code, "path %s", path)
		assert.Contains(t, w.Body.String(), "Invalid approval link")
	}
}

func TestDecisionPage_UnknownToken(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.get("/approve-repo?token=tok-nonexistent&action=approve")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid or has already been used")
}

func TestRequestApproval_RequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)

	body := bytes.NewBufferString(`{"repo_url": "https://github.com/octo/widgets", "github_token": "ghp_x"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/approvals", body)
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestApproval_Authenticated(t *testing.T) {
	f := newHandlerFixture(t)
	token := signToken(t, f.requester.ID, model.RoleMember)

	body := bytes.NewBufferString(`{"repo_url": "https://github.com/octo/widgets", "github_token": "ghp_x", "justification": "docs sync"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/approvals", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var payload struct {
		Data struct {
			RequestID string `json:"request_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.NotEmpty(t, payload.Data.RequestID)
}

func TestPendingList_AdminOnly(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedPending(t, "tok-admin-list")

	// A member is refused.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/approvals/pending", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, f.requester.ID, model.RoleMember))
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// An administrator sees the queue.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/approvals/pending", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, uuid.New(), model.RoleAdmin))
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "octo")
}

func TestSweepEndpoint_AdminOnly(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.seedPending(t, "tok-sweep-http")
	require.NoError(t, f.db.Model(&model.ApprovalRequest{}).
		Where("id = ?", rec.ID).
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/approvals/sweep", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, uuid.New(), model.RoleAdmin))
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"expired_count":1`)
}
