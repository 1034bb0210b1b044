package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"backend/internal/database"
	"backend/internal/github"
	"backend/internal/model"
	"backend/internal/repository"
	"backend/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// --- test doubles ---

type stubVerifier struct {
	level github.AccessLevel
	err   error
	calls int
}

func (s *stubVerifier) VerifyAccess(ctx context.Context, credential, owner, repo string) (github.AccessLevel, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.level, nil
}

type sentMail struct {
	to      string
	subject string
	body    string
}

type stubNotifier struct {
	err  error
	sent []sentMail
}

func (s *stubNotifier) Send(ctx context.Context, to, subject, htmlBody string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

type stubEvents struct {
	types []string
}

func (s *stubEvents) Publish(eventType string, payload map[string]interface{}) {
	s.types = append(s.types, eventType)
}

// --- fixture ---

type approvalFixture struct {
	db        *gorm.DB
	svc       ApprovalService
	repo      repository.ApprovalRepository
	registry  repository.RegistryRepository
	verifier  *stubVerifier
	notifier  *stubNotifier
	events    *stubEvents
	requester model.User
}

func newApprovalFixture(t *testing.T) *approvalFixture {
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

	requester := model.User{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "not-a-real-hash",
		Role:     model.RoleMember,
	}
	require.NoError(t, db.Create(&requester).Error)

	verifier := &stubVerifier{level: github.AccessWrite}
	notifier := &stubNotifier{}
	events := &stubEvents{}

	approvalRepo := repository.NewApprovalRepository(db)
	registryRepo := repository.NewRegistryRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	txm := repository.NewTransactionManager(db)

	svc := NewApprovalService(approvalRepo, registryRepo, auditRepo, txm, verifier, notifier, events, ApprovalConfig{
		AdminEmail: "admin@example.com",
		BaseURL:    "https://app.example.com",
	})

	return &approvalFixture{
		db:        db,
		svc:       svc,
		repo:      approvalRepo,
		registry:  registryRepo,
		verifier:  verifier,
		notifier:  notifier,
		events:    events,
		requester: requester,
	}
}

func (f *approvalFixture) auditEntries(t *testing.T, action string) []model.AuditLog {
	t.Helper()
	var entries []model.AuditLog
	require.NoError(t, f.db.Where("action = ?", action).Find(&entries).Error)
	return entries
}

func (f *approvalFixture) record(t *testing.T, owner, repoName string) *model.ApprovalRequest {
	t.Helper()
	var rec model.ApprovalRequest
	require.NoError(t, f.db.First(&rec, "owner = ? AND repo_name = ?", owner, repoName).Error)
	return &rec
}

// insertPending seeds an approval request directly, bypassing verification
// and notification, so decision and sweep paths can be exercised in isolation.
func (f *approvalFixture) insertPending(t *testing.T, owner, repoName, token string, expiresAt time.Time) *model.ApprovalRequest {
	t.Helper()
	rec := &model.ApprovalRequest{
		RequesterID:   f.requester.ID,
		Owner:         owner,
		RepoName:      repoName,
		RepoURL:       "https://github.com/" + owner + "/" + repoName,
		Status:        model.StatusPending,
		ApprovalToken: token,
		AdminEmail:    "admin@example.com",
		ExpiresAt:     expiresAt,
	}
	require.NoError(t, f.repo.Create(context.Background(), rec))
	return rec
}

func requestDTO(repoURL string) RequestApprovalDTO {
	return RequestApprovalDTO{
		RepoURL:       repoURL,
		Justification: "needed for the docs sync project",
		GithubToken:   "ghp_testtoken",
	}
}

// --- RequestApproval ---

func TestRequestApproval_InvalidURL(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	for _, raw := range []string{
		"",
		"not a url",
		"http://github.com/octo/widgets", // https required
		"https://github.com",
		"https://github.com/octo",
		"https://github.com/octo/widgets/extra",
		"ftp://github.com/octo/widgets",
	} {
		_, err := f.svc.RequestApproval(ctx, f.requester.ID.String(), requestDTO(raw))
		require.Errorf(t, err, "expected error for URL %q", raw)
		assert.Equalf(t, apperr.KindValidation, apperr.KindOf(err), "URL %q", raw)
	}

	assert.Zero(t, f.verifier.calls, "no provider call should happen for invalid URLs")
}

func TestRequestApproval_InvalidRequesterID(t *testing.T) {
	f := newApprovalFixture(t)

	_, err := f.svc.RequestApproval(context.Background(), "not-a-uuid", requestDTO("https://github.com/octo/widgets"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestRequestApproval_HappyPath(t *testing.T) {
	f := newApprovalFixture(t)

	result, err := f.svc.RequestApproval(context.Background(), f.requester.ID.String(),
		requestDTO("https://github.com/octo/widgets.git"))
	require.NoError(t, err)
	assert.NotEmpty(t, result.RequestID)

	rec := f.record(t, "octo", "widgets")
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "https://github.com/octo/widgets", rec.RepoURL, ".git suffix is stripped")
	assert.NotEmpty(t, rec.ApprovalToken)
	assert.WithinDuration(t, time.Now().Add(model.ApprovalWindow), rec.ExpiresAt, time.Minute)

	// One email to the administrator carrying both decision links.
	require.Len(t, f.notifier.sent, 1)
	mail := f.notifier.sent[0]
	assert.Equal(t, "admin@example.com", mail.to)
	assert.Contains(t, mail.subject, "octo/widgets")
	assert.Contains(t, mail.body, "https://app.example.com/approve-repo?token="+rec.ApprovalToken+"&action=approve")
	assert.Contains(t, mail.body, "https://app.example.com/approve-repo?token="+rec.ApprovalToken+"&action=reject")

	entries := f.auditEntries(t, model.ActionApprovalRequested)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, rec.ID.String(), entries[0].ResourceID)

	assert.Equal(t, []string{"approval.requested"}, f.events.types)
}

func TestRequestApproval_BlockedCredential(t *testing.T) {
	f := newApprovalFixture(t)
	f.verifier.err = apperr.New(apperr.KindExcessiveScope, "credential carries the dangerous scope \"delete_repo\"")

	_, err := f.svc.RequestApproval(context.Background(), f.requester.ID.String(),
		requestDTO("https://github.com/octo/widgets"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindExcessiveScope, apperr.KindOf(err))

	// No record, no email, but a blocked-attempt audit entry.
	var count int64
	require.NoError(t, f.db.Model(&model.ApprovalRequest{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, f.notifier.sent)

	entries := f.auditEntries(t, model.ActionApprovalBlocked)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
}

func TestRequestApproval_DuplicatePending(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestApproval(ctx, f.requester.ID.String(), requestDTO("https://github.com/octo/widgets"))
	require.NoError(t, err)

	_, err = f.svc.RequestApproval(ctx, f.requester.ID.String(), requestDTO("https://github.com/octo/widgets"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// A different repository is unaffected.
	_, err = f.svc.RequestApproval(ctx, f.requester.ID.String(), requestDTO("https://github.com/octo/gadgets"))
	require.NoError(t, err)
}

func TestRequestApproval_NotifyFailureRollsBack(t *testing.T) {
	f := newApprovalFixture(t)
	f.notifier.err = errors.New("smtp: connection refused")

	_, err := f.svc.RequestApproval(context.Background(), f.requester.ID.String(),
		requestDTO("https://github.com/octo/widgets"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))

	// The compensating delete removed the record: a retry must not conflict.
	var count int64
	require.NoError(t, f.db.Model(&model.ApprovalRequest{}).Count(&count).Error)
	assert.Zero(t, count)

	f.notifier.err = nil
	_, err = f.svc.RequestApproval(context.Background(), f.requester.ID.String(),
		requestDTO("https://github.com/octo/widgets"))
	require.NoError(t, err)
}

// --- ProcessDecision ---

func TestProcessDecision_Approve(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	rec := f.insertPending(t, "octo", "widgets", "tok-approve-1", time.Now().Add(time.Hour))

	result, err := f.svc.ProcessDecision(ctx, "tok-approve-1", DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, result.Status)
	assert.Equal(t, rec.RepoURL, result.RepositoryURL)

	updated, err := f.repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, updated.Status)
	assert.Equal(t, "admin@example.com", updated.ApprovedBy)
	require.NotNil(t, updated.ApprovedAt)

	// Approval lands the repository in the registry.
	entry, err := f.registry.FindByRepo(ctx, "octo", "widgets")
	require.NoError(t, err)
	assert.True(t, entry.IsActive)
	assert.Equal(t, f.requester.ID, entry.AddedBy)

	entries := f.auditEntries(t, model.ActionApprovalApproved)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, []string{"approval.approved"}, f.events.types)
}

func TestProcessDecision_Reject(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	rec := f.insertPending(t, "octo", "widgets", "tok-reject-1", time.Now().Add(time.Hour))

	result, err := f.svc.ProcessDecision(ctx, "tok-reject-1", DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, result.Status)

	updated, err := f.repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, updated.Status)

	// A rejection never touches the registry.
	_, err = f.registry.FindByRepo(ctx, "octo", "widgets")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	entries := f.auditEntries(t, model.ActionApprovalRejected)
	require.Len(t, entries, 1)
}

func TestProcessDecision_TokenSingleUse(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	f.insertPending(t, "octo", "widgets", "tok-once", time.Now().Add(time.Hour))

	_, err := f.svc.ProcessDecision(ctx, "tok-once", DecisionApprove)
	require.NoError(t, err)

	// Same link clicked again, or the opposite action: both refused.
	_, err = f.svc.ProcessDecision(ctx, "tok-once", DecisionApprove)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAlreadyProcessed, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "approved")

	_, err = f.svc.ProcessDecision(ctx, "tok-once", DecisionReject)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAlreadyProcessed, apperr.KindOf(err))
}

func TestProcessDecision_UnknownToken(t *testing.T) {
	f := newApprovalFixture(t)

	_, err := f.svc.ProcessDecision(context.Background(), "tok-nonexistent", DecisionApprove)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestProcessDecision_InvalidAction(t *testing.T) {
	f := newApprovalFixture(t)
	f.insertPending(t, "octo", "widgets", "tok-action", time.Now().Add(time.Hour))

	for _, action := range []string{"", "destroy", "Approve", "APPROVE"} {
		_, err := f.svc.ProcessDecision(context.Background(), "tok-action", action)
		require.Errorf(t, err, "action %q", action)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
}

func TestProcessDecision_ExpiredRequest(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	rec := f.insertPending(t, "octo", "widgets", "tok-late", time.Now().Add(-time.Hour))

	_, err := f.svc.ProcessDecision(ctx, "tok-late", DecisionApprove)
	require.Error(t, err)
	assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))

	// Lazy expiry: the attempt itself moved the record to its terminal state.
	updated, err := f.repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, updated.Status)

	// And an expired request never reaches the registry.
	_, err = f.registry.FindByRepo(ctx, "octo", "widgets")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	entries := f.auditEntries(t, model.ActionApprovalExpired)
	require.Len(t, entries, 1)
}

func TestProcessDecision_RegistryIdempotent(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	// Two approval cycles for the same repository: the second approval finds
	// the registry entry already present and leaves it untouched.
	f.insertPending(t, "octo", "widgets", "tok-cycle-1", time.Now().Add(time.Hour))
	_, err := f.svc.ProcessDecision(ctx, "tok-cycle-1", DecisionApprove)
	require.NoError(t, err)

	first, err := f.registry.FindByRepo(ctx, "octo", "widgets")
	require.NoError(t, err)

	f.insertPending(t, "octo", "widgets", "tok-cycle-2", time.Now().Add(time.Hour))
	_, err = f.svc.ProcessDecision(ctx, "tok-cycle-2", DecisionApprove)
	require.NoError(t, err)

	repos, total, err := f.registry.ListActive(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, repos, 1)
	assert.Equal(t, first.ID, repos[0].ID, "original entry survives the second approval")
}

// --- SweepExpired ---

func TestSweepExpired(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.insertPending(t, "octo", "old-one", "tok-sweep-1", now.Add(-2*time.Hour))
	f.insertPending(t, "octo", "old-two", "tok-sweep-2", now.Add(-time.Minute))
	fresh := f.insertPending(t, "octo", "fresh", "tok-sweep-3", now.Add(time.Hour))

	count, err := f.svc.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	assert.Equal(t, model.StatusExpired, f.record(t, "octo", "old-one").Status)
	assert.Equal(t, model.StatusExpired, f.record(t, "octo", "old-two").Status)
	assert.Equal(t, model.StatusPending, f.record(t, "octo", "fresh").Status)

	// One audit entry and one event per expired request.
	assert.Len(t, f.auditEntries(t, model.ActionApprovalExpired), 2)
	assert.Equal(t, []string{"approval.expired", "approval.expired"}, f.events.types)

	// Second run finds nothing left to do.
	count, err = f.svc.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The fresh request remains decidable.
	_, err = f.svc.ProcessDecision(ctx, fresh.ApprovalToken, DecisionApprove)
	require.NoError(t, err)
}

func TestSweepExpired_SkipsDecidedRequests(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	now := time.Now()

	rec := f.insertPending(t, "octo", "widgets", "tok-decided", now.Add(time.Hour))
	_, err := f.svc.ProcessDecision(ctx, "tok-decided", DecisionReject)
	require.NoError(t, err)

	// Even if the record were overdue, a terminal status wins over the sweep.
	count, err := f.svc.SweepExpired(ctx, now.Add(model.ApprovalWindow))
	require.NoError(t, err)
	assert.Zero(t, count)

	updated, err := f.repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, updated.Status)
}

// --- Listing ---

func TestListMyRequests(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()

	f.insertPending(t, "octo", "widgets", "tok-list-1", time.Now().Add(time.Hour))
	f.insertPending(t, "octo", "gadgets", "tok-list-2", time.Now().Add(time.Hour))
	_, err := f.svc.ProcessDecision(ctx, "tok-list-2", DecisionApprove)
	require.NoError(t, err)

	all, total, err := f.svc.ListMyRequests(ctx, f.requester.ID.String(), "", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, all, 2)

	pending, total, err := f.svc.ListMyRequests(ctx, f.requester.ID.String(), model.StatusPending, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, pending, 1)
	assert.Equal(t, "widgets", pending[0].RepoName)
}

func TestListMyRequests_InvalidStatusFilter(t *testing.T) {
	f := newApprovalFixture(t)

	_, _, err := f.svc.ListMyRequests(context.Background(), f.requester.ID.String(), "bogus", 1, 10)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestListPendingRequests_IncludesRequester(t *testing.T) {
	f := newApprovalFixture(t)

	f.insertPending(t, "octo", "widgets", "tok-pending-list", time.Now().Add(time.Hour))

	requests, total, err := f.svc.ListPendingRequests(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, requests, 1)
	assert.Equal(t, "alice", requests[0].RequesterName)
}

// --- response shaping ---

func TestApprovalResponse_OmitsSecrets(t *testing.T) {
	f := newApprovalFixture(t)

	f.insertPending(t, "octo", "widgets", "tok-secret", time.Now().Add(time.Hour))

	requests, _, err := f.svc.ListMyRequests(context.Background(), f.requester.ID.String(), "", 1, 10)
	require.NoError(t, err)
	require.Len(t, requests, 1)

	// The response type simply has no token or admin-email field; this guards
	// against one being added back.
	assert.NotContains(t, toJSON(t, requests[0]), "tok-secret")
	assert.NotContains(t, toJSON(t, requests[0]), "admin@example.com")
}

func toJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestParseRepoURL(t *testing.T) {
	owner, name, canonical, err := parseRepoURL("https://github.com/Octo-Corp/My.Repo.git")
	require.NoError(t, err)
	assert.Equal(t, "Octo-Corp", owner)
	assert.Equal(t, "My.Repo", name)
	assert.Equal(t, "https://github.com/Octo-Corp/My.Repo", canonical)

	// Trailing slash is tolerated.
	owner, name, _, err = parseRepoURL("https://github.com/octo/widgets/")
	require.NoError(t, err)
	assert.Equal(t, "octo", owner)
	assert.Equal(t, "widgets", name)
}
