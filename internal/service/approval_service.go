package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/url"
	"strings"
	"time"

	"backend/internal/github"
	"backend/internal/model"
	"backend/internal/repository"
	"backend/pkg/apperr"
	"backend/pkg/token"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Decision actions carried by the emailed links.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// AccessVerifier confirms a credential actually grants access to the claimed
// repository before a request may be created.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, credential, owner, repo string) (github.AccessLevel, error)
}

// Notifier delivers the administrator decision email.
type Notifier interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// EventPublisher broadcasts approval lifecycle events to live dashboards.
type EventPublisher interface {
	Publish(eventType string, payload map[string]interface{})
}

// ApprovalConfig carries the deployment-specific pieces of the approval flow.
type ApprovalConfig struct {
	AdminEmail string // destination for decision emails
	BaseURL    string // public base URL the approve/reject links point at
}

// --- DTOs ---

type RequestApprovalDTO struct {
	RepoURL       string `json:"repo_url" binding:"required"`
	Justification string `json:"justification"`
	GithubToken   string `json:"github_token" binding:"required"`
}

type RequestApprovalResult struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

type DecisionResult struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	RepositoryURL string `json:"repository_url"`
}

// ApprovalRequestResponse is the external view of a request. It deliberately
// carries neither the approval token nor the admin email address.
type ApprovalRequestResponse struct {
	ID            string  `json:"id"`
	RequesterID   string  `json:"requester_id"`
	RequesterName string  `json:"requester_name,omitempty"`
	Owner         string  `json:"owner"`
	RepoName      string  `json:"repo_name"`
	RepoURL       string  `json:"repo_url"`
	Justification string  `json:"justification,omitempty"`
	Status        string  `json:"status"`
	ApprovedBy    string  `json:"approved_by,omitempty"`
	ApprovedAt    *string `json:"approved_at,omitempty"`
	ExpiresAt     string  `json:"expires_at"`
	CreatedAt     string  `json:"created_at"`
}

// --- Interface ---

type ApprovalService interface {
	RequestApproval(ctx context.Context, requesterID string, req RequestApprovalDTO) (RequestApprovalResult, error)
	ProcessDecision(ctx context.Context, approvalToken, action string) (DecisionResult, error)
	ListMyRequests(ctx context.Context, requesterID, status string, page, limit int) ([]ApprovalRequestResponse, int64, error)
	ListPendingRequests(ctx context.Context, page, limit int) ([]ApprovalRequestResponse, int64, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

type approvalService struct {
	repo     repository.ApprovalRepository
	registry repository.RegistryRepository
	audit    repository.AuditRepository
	txm      repository.TransactionManager
	verifier AccessVerifier
	notifier Notifier
	events   EventPublisher
	cfg      ApprovalConfig
}

func NewApprovalService(
	repo repository.ApprovalRepository,
	registry repository.RegistryRepository,
	audit repository.AuditRepository,
	txm repository.TransactionManager,
	verifier AccessVerifier,
	notifier Notifier,
	events EventPublisher,
	cfg ApprovalConfig,
) ApprovalService {
	return &approvalService{
		repo:     repo,
		registry: registry,
		audit:    audit,
		txm:      txm,
		verifier: verifier,
		notifier: notifier,
		events:   events,
		cfg:      cfg,
	}
}

// --- Implementation ---

// RequestApproval runs the request flow as a small saga: verify access, then
// create the pending record, then notify the administrator. If notification
// fails the record is deleted again so no pending record exists without a
// sent email.
func (s *approvalService) RequestApproval(ctx context.Context, requesterID string, req RequestApprovalDTO) (RequestApprovalResult, error) {
	requester, err := uuid.Parse(requesterID)
	if err != nil {
		return RequestApprovalResult{}, apperr.New(apperr.KindUnauthenticated, "authentication required")
	}

	owner, repoName, canonicalURL, err := parseRepoURL(req.RepoURL)
	if err != nil {
		return RequestApprovalResult{}, err
	}

	level, err := s.verifier.VerifyAccess(ctx, req.GithubToken, owner, repoName)
	if err != nil {
		s.writeAudit(ctx, &requester, model.ActionApprovalBlocked, "", map[string]interface{}{
			"owner":     owner,
			"repo_name": repoName,
			"reason":    err.Error(),
		}, false)
		return RequestApprovalResult{}, err
	}

	approvalToken, err := token.New()
	if err != nil {
		return RequestApprovalResult{}, apperr.Wrap(apperr.KindInternal, "failed to issue approval token", err)
	}

	now := time.Now()
	record := &model.ApprovalRequest{
		RequesterID:   requester,
		Owner:         owner,
		RepoName:      repoName,
		RepoURL:       canonicalURL,
		Justification: req.Justification,
		Status:        model.StatusPending,
		ApprovalToken: approvalToken,
		AdminEmail:    s.cfg.AdminEmail,
		ExpiresAt:     now.Add(model.ApprovalWindow),
	}

	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		_, findErr := s.repo.FindPendingByRepo(txCtx, owner, repoName)
		if findErr == nil {
			return apperr.Newf(apperr.KindConflict,
				"a pending approval request already exists for %s/%s", owner, repoName)
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return apperr.Wrap(apperr.KindInternal, "failed to check for pending requests", findErr)
		}
		// The partial unique index backstops this check against a concurrent
		// create racing past it; the loser surfaces as a Conflict.
		return s.repo.Create(txCtx, record)
	})
	if err != nil {
		s.writeAudit(ctx, &requester, model.ActionApprovalRequested, "", map[string]interface{}{
			"owner":     owner,
			"repo_name": repoName,
			"reason":    err.Error(),
		}, false)
		return RequestApprovalResult{}, err
	}

	subject := fmt.Sprintf("Repository approval requested: %s/%s", owner, repoName)
	if notifyErr := s.notifier.Send(ctx, s.cfg.AdminEmail, subject, s.buildDecisionEmail(record)); notifyErr != nil {
		// Compensating action: a pending record must imply a sent notification.
		if delErr := s.repo.Delete(ctx, record.ID); delErr != nil {
			log.Printf("approval %s: compensating delete failed: %v", record.ID, delErr)
		}
		s.writeAudit(ctx, &requester, model.ActionApprovalRequested, record.ID.String(), map[string]interface{}{
			"owner":     owner,
			"repo_name": repoName,
			"reason":    "administrator notification failed",
			"error":     notifyErr.Error(),
		}, false)
		return RequestApprovalResult{}, apperr.Wrap(apperr.KindProvider,
			"the administrator notification email could not be sent; please try again later", notifyErr)
	}

	s.writeAudit(ctx, &requester, model.ActionApprovalRequested, record.ID.String(), map[string]interface{}{
		"owner":        owner,
		"repo_name":    repoName,
		"repo_url":     canonicalURL,
		"access_level": string(level),
		"expires_at":   record.ExpiresAt.Format(time.RFC3339),
	}, true)
	s.publish("approval.requested", map[string]interface{}{
		"request_id": record.ID.String(),
		"owner":      owner,
		"repo_name":  repoName,
	})

	return RequestApprovalResult{
		RequestID: record.ID.String(),
		Message: fmt.Sprintf("Approval request submitted; the administrator has been notified. The request expires at %s.",
			record.ExpiresAt.Format(time.RFC3339)),
	}, nil
}

// ProcessDecision consumes an approve/reject action plus token. The status
// column acts as the compare-and-swap guard: whichever of a decision or the
// expiry sweep commits first wins, and the loser observes the terminal state.
func (s *approvalService) ProcessDecision(ctx context.Context, approvalToken, action string) (DecisionResult, error) {
	if action != DecisionApprove && action != DecisionReject {
		return DecisionResult{}, apperr.Newf(apperr.KindValidation, "invalid action %q: must be approve or reject", action)
	}
	if approvalToken == "" {
		return DecisionResult{}, apperr.New(apperr.KindValidation, "missing approval token")
	}

	record, err := s.repo.FindByToken(ctx, approvalToken)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DecisionResult{}, apperr.New(apperr.KindNotFound, "this approval link is invalid or has already been used")
		}
		return DecisionResult{}, apperr.Wrap(apperr.KindInternal, "failed to look up approval request", err)
	}

	if record.Status != model.StatusPending {
		return DecisionResult{}, apperr.Newf(apperr.KindAlreadyProcessed,
			"this request has already been %s", record.Status)
	}

	now := time.Now()
	if now.After(record.ExpiresAt) {
		// Lazy expiry: transition the record rather than leaving it pending forever.
		rows, expireErr := s.repo.TransitionIfPending(ctx, record.ID, model.StatusExpired, "", now)
		if expireErr != nil {
			log.Printf("approval %s: lazy expiry failed: %v", record.ID, expireErr)
		}
		if rows > 0 {
			s.auditExpired(ctx, record, "decision attempted after expiry")
		}
		return DecisionResult{}, apperr.New(apperr.KindExpired,
			"this approval request expired before a decision was made")
	}

	newStatus := model.StatusApproved
	if action == DecisionReject {
		newStatus = model.StatusRejected
	}

	rows, err := s.repo.TransitionIfPending(ctx, record.ID, newStatus, record.AdminEmail, now)
	if err != nil {
		return DecisionResult{}, apperr.Wrap(apperr.KindInternal, "failed to update approval request", err)
	}
	if rows == 0 {
		// A racing decision or the sweep committed a terminal state first.
		current := "processed"
		if latest, findErr := s.repo.FindByID(ctx, record.ID); findErr == nil {
			current = latest.Status
		}
		return DecisionResult{}, apperr.Newf(apperr.KindAlreadyProcessed,
			"this request has already been %s", current)
	}

	details := map[string]interface{}{
		"owner":      record.Owner,
		"repo_name":  record.RepoName,
		"decided_by": record.AdminEmail,
	}

	if newStatus == model.StatusApproved {
		created, regErr := s.registry.Ensure(ctx, &model.Repository{
			Owner:    record.Owner,
			RepoName: record.RepoName,
			RepoURL:  record.RepoURL,
			AddedBy:  record.RequesterID,
			IsActive: true,
		})
		if regErr != nil {
			// Soft failure: the approval stands, the registry add can be retried manually.
			log.Printf("approval %s: registry write failed: %v", record.ID, regErr)
			details["registry_error"] = regErr.Error()
		} else {
			details["registry_created"] = created
		}

		s.writeAudit(ctx, &record.RequesterID, model.ActionApprovalApproved, record.ID.String(), details, true)
		s.publish("approval.approved", map[string]interface{}{
			"request_id": record.ID.String(),
			"owner":      record.Owner,
			"repo_name":  record.RepoName,
		})
		return DecisionResult{
			Status:        model.StatusApproved,
			Message:       fmt.Sprintf("Repository %s/%s has been approved for document syncing.", record.Owner, record.RepoName),
			RepositoryURL: record.RepoURL,
		}, nil
	}

	s.writeAudit(ctx, &record.RequesterID, model.ActionApprovalRejected, record.ID.String(), details, true)
	s.publish("approval.rejected", map[string]interface{}{
		"request_id": record.ID.String(),
		"owner":      record.Owner,
		"repo_name":  record.RepoName,
	})
	return DecisionResult{
		Status:        model.StatusRejected,
		Message:       fmt.Sprintf("The registration request for %s/%s has been rejected.", record.Owner, record.RepoName),
		RepositoryURL: record.RepoURL,
	}, nil
}

func (s *approvalService) ListMyRequests(ctx context.Context, requesterID, status string, page, limit int) ([]ApprovalRequestResponse, int64, error) {
	requester, err := uuid.Parse(requesterID)
	if err != nil {
		return nil, 0, apperr.New(apperr.KindUnauthenticated, "authentication required")
	}
	if !validStatusFilter(status) {
		return nil, 0, apperr.Newf(apperr.KindValidation, "invalid status filter %q", status)
	}

	requests, total, err := s.repo.ListByRequester(ctx, requester, status, page, limit)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInternal, "failed to list approval requests", err)
	}

	result := make([]ApprovalRequestResponse, 0, len(requests))
	for _, r := range requests {
		result = append(result, toApprovalResponse(r))
	}
	return result, total, nil
}

func (s *approvalService) ListPendingRequests(ctx context.Context, page, limit int) ([]ApprovalRequestResponse, int64, error) {
	requests, total, err := s.repo.ListPending(ctx, page, limit)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInternal, "failed to list pending requests", err)
	}

	result := make([]ApprovalRequestResponse, 0, len(requests))
	for _, r := range requests {
		result = append(result, toApprovalResponse(r))
	}
	return result, total, nil
}

// SweepExpired transitions every overdue pending request to expired and
// returns the count changed. Idempotent: a request a decision already moved
// to a terminal state is skipped via the status guard.
func (s *approvalService) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	overdue, err := s.repo.FindOverduePending(ctx, now)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to scan for overdue requests", err)
	}

	var expired int64
	for _, record := range overdue {
		rows, transErr := s.repo.TransitionIfPending(ctx, record.ID, model.StatusExpired, "", now)
		if transErr != nil {
			log.Printf("sweep: failed to expire request %s: %v", record.ID, transErr)
			continue
		}
		if rows == 0 {
			// A concurrent decision reached the record first.
			continue
		}
		expired++
		s.auditExpired(ctx, &record, "expiry sweep")
		s.publish("approval.expired", map[string]interface{}{
			"request_id": record.ID.String(),
			"owner":      record.Owner,
			"repo_name":  record.RepoName,
		})
	}

	return expired, nil
}

// --- Helpers ---

// parseRepoURL validates and canonicalizes a submitted repository URL into
// its (owner, name) pair and the canonical https://host/owner/name form.
func parseRepoURL(raw string) (owner, name, canonical string, err error) {
	trimmed := strings.TrimSpace(raw)
	u, parseErr := url.Parse(trimmed)
	if parseErr != nil || u.Scheme != "https" || u.Host == "" {
		return "", "", "", apperr.Newf(apperr.KindValidation,
			"invalid repository URL %q: expected https://host/owner/repo", raw)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", apperr.Newf(apperr.KindValidation,
			"invalid repository URL %q: expected https://host/owner/repo", raw)
	}

	owner = parts[0]
	name = strings.TrimSuffix(parts[1], ".git")
	if name == "" {
		return "", "", "", apperr.Newf(apperr.KindValidation,
			"invalid repository URL %q: expected https://host/owner/repo", raw)
	}

	canonical = "https://" + u.Host + "/" + owner + "/" + name
	return owner, name, canonical, nil
}

func validStatusFilter(status string) bool {
	switch status {
	case "", model.StatusPending, model.StatusApproved, model.StatusRejected, model.StatusExpired:
		return true
	}
	return false
}

// buildDecisionEmail renders the administrator email carrying the approve and
// reject links. The token embedded in the links is the only credential the
// administrator needs.
func (s *approvalService) buildDecisionEmail(record *model.ApprovalRequest) string {
	base := strings.TrimSuffix(s.cfg.BaseURL, "/")
	approveURL := fmt.Sprintf("%s/approve-repo?token=%s&action=%s", base, record.ApprovalToken, DecisionApprove)
	rejectURL := fmt.Sprintf("%s/approve-repo?token=%s&action=%s", base, record.ApprovalToken, DecisionReject)

	justification := "(none provided)"
	if record.Justification != "" {
		justification = template.HTMLEscapeString(record.Justification)
	}

	return fmt.Sprintf(`<h2>Repository approval requested</h2>
<p>A user has asked to register <strong>%s/%s</strong> for document syncing.</p>
<p>Repository: <a href="%s">%s</a><br>
Justification: %s<br>
This request expires at %s.</p>
<p>
<a href="%s">Approve</a> &nbsp;|&nbsp; <a href="%s">Reject</a>
</p>
<p>Each link works exactly once.</p>`,
		template.HTMLEscapeString(record.Owner), template.HTMLEscapeString(record.RepoName),
		record.RepoURL, record.RepoURL,
		justification,
		record.ExpiresAt.Format(time.RFC1123),
		approveURL, rejectURL)
}

// writeAudit appends one audit entry. Audit writes are best-effort: a failure
// is logged and never aborts or rolls back the primary operation.
func (s *approvalService) writeAudit(ctx context.Context, userID *uuid.UUID, action, resourceID string, details map[string]interface{}, success bool) {
	payload, _ := json.Marshal(details)
	entry := &model.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   model.ResourceApprovalRequest,
		ResourceID: resourceID,
		Details:    string(payload),
		Success:    success,
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		log.Printf("audit write failed for action %s: %v", action, err)
	}
}

func (s *approvalService) auditExpired(ctx context.Context, record *model.ApprovalRequest, cause string) {
	s.writeAudit(ctx, &record.RequesterID, model.ActionApprovalExpired, record.ID.String(), map[string]interface{}{
		"owner":     record.Owner,
		"repo_name": record.RepoName,
		"cause":     cause,
	}, true)
}

func (s *approvalService) publish(eventType string, payload map[string]interface{}) {
	if s.events != nil {
		s.events.Publish(eventType, payload)
	}
}

func toApprovalResponse(r model.ApprovalRequest) ApprovalRequestResponse {
	resp := ApprovalRequestResponse{
		ID:            r.ID.String(),
		RequesterID:   r.RequesterID.String(),
		Owner:         r.Owner,
		RepoName:      r.RepoName,
		RepoURL:       r.RepoURL,
		Justification: r.Justification,
		Status:        r.Status,
		ApprovedBy:    r.ApprovedBy,
		ExpiresAt:     r.ExpiresAt.Format(time.RFC3339),
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
	if r.Requester != nil {
		resp.RequesterName = r.Requester.Username
	}
	if r.ApprovedAt != nil {
		formatted := r.ApprovedAt.Format(time.RFC3339)
		resp.ApprovedAt = &formatted
	}
	return resp
}
