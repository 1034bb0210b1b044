package handler

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"backend/internal/middleware"
	"backend/internal/service"
	"backend/pkg/apperr"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

// decisionPageTmpl renders the confirmation/error page shown to the
// administrator after clicking an emailed approve/reject link. The human
// clicking has no other feedback channel, so every outcome renders a page.
var decisionPageTmpl = template.Must(template.New("decision").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 40em; margin: 4em auto;">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .RepositoryURL}}<p>Repository: <a href="{{.RepositoryURL}}">{{.RepositoryURL}}</a></p>{{end}}
</body>
</html>
`))

type decisionPageData struct {
	Title         string
	Message       string
	RepositoryURL string
}

type ApprovalHandler struct {
	approvalService service.ApprovalService
}

func NewApprovalHandler(approvalService service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{approvalService: approvalService}
}

func (h *ApprovalHandler) RegisterRoutes(router *gin.RouterGroup) {
	// The decision link is token-gated: the token in the query string is the
	// only credential. Known weakness: a bearer token in a GET URL is exposed
	// to referrer leakage and mail-client prefetching; kept for compatibility
	// with the emailed-link contract.
	router.GET("/approve-repo", h.ProcessDecision)

	approvals := router.Group("/api/approvals")
	{
		approvals.POST("", middleware.RequireAuth(), h.RequestApproval)
		approvals.GET("/mine", middleware.RequireAuth(), h.ListMyRequests)
		approvals.GET("/pending", middleware.RequireRole("admin"), h.ListPendingRequests)
		approvals.POST("/sweep", middleware.RequireRole("admin"), h.SweepExpired)
	}
}

// RequestApproval submits a repository registration request
// @Summary      Request repository approval
// @Description  Verifies repository access with the supplied credential, creates a pending approval request and emails the administrator
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.RequestApprovalDTO  true  "Approval Request Payload"
// @Success      201      {object}  response.Response{data=service.RequestApprovalResult}
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/approvals [post]
func (h *ApprovalHandler) RequestApproval(c *gin.Context) {
	userID, _ := c.Get("userID")
	userIDStr, _ := userID.(string)

	var req service.RequestApprovalDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	result, err := h.approvalService.RequestApproval(c.Request.Context(), userIDStr, req)
	if err != nil {
		status := statusFromKind(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, result))
}

// ProcessDecision consumes an emailed approve/reject link
// @Summary      Process an approval decision
// @Description  Validates the single-use token from the decision email and applies the approve or reject action, rendering an HTML result page
// @Tags         approvals
// @Produce      html
// @Param        token   query  string  true  "Approval token"
// @Param        action  query  string  true  "approve or reject"
// @Success      200  {string}  string  "confirmation page"
// @Failure      400  {string}  string  "error page"
// @Router       /approve-repo [get]
func (h *ApprovalHandler) ProcessDecision(c *gin.Context) {
	token := c.Query("token")
	action := c.Query("action")

	if token == "" || action == "" {
		h.renderDecisionPage(c, http.StatusBadRequest, decisionPageData{
			Title:   "Invalid approval link",
			Message: "The link is missing its token or action. Please use the links from the notification email.",
		})
		return
	}

	result, err := h.approvalService.ProcessDecision(c.Request.Context(), token, action)
	if err != nil {
		h.renderDecisionPage(c, http.StatusBadRequest, decisionPageData{
			Title:   "Request could not be processed",
			Message: err.Error(),
		})
		return
	}

	title := "Repository approved"
	if result.Status == "rejected" {
		title = "Repository rejected"
	}
	h.renderDecisionPage(c, http.StatusOK, decisionPageData{
		Title:         title,
		Message:       result.Message,
		RepositoryURL: result.RepositoryURL,
	})
}

// ListMyRequests returns the caller's approval requests
// @Summary      List my approval requests
// @Description  Returns the caller's approval requests, optionally filtered by status, newest first
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        status  query     string  false  "pending | approved | rejected | expired"
// @Param        page    query     int     false  "Page number (default 1)"
// @Param        limit   query     int     false  "Number of items per page (default 20)"
// @Success      200     {object}  response.Response{data=object}
// @Router       /api/approvals/mine [get]
func (h *ApprovalHandler) ListMyRequests(c *gin.Context) {
	userID, _ := c.Get("userID")
	userIDStr, _ := userID.(string)
	params := pagination.Parse(c)

	requests, total, err := h.approvalService.ListMyRequests(c.Request.Context(), userIDStr, c.Query("status"), params.Page, params.Limit)
	if err != nil {
		status := statusFromKind(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    total,
		"page":     params.Page,
		"limit":    params.Limit,
	}))
}

// ListPendingRequests returns all pending approval requests
// @Summary      List pending approval requests
// @Description  Returns every pending approval request with requester info. Administrator only.
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=object}
// @Failure      403    {object}  response.Response
// @Router       /api/approvals/pending [get]
func (h *ApprovalHandler) ListPendingRequests(c *gin.Context) {
	params := pagination.Parse(c)

	requests, total, err := h.approvalService.ListPendingRequests(c.Request.Context(), params.Page, params.Limit)
	if err != nil {
		status := statusFromKind(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    total,
		"page":     params.Page,
		"limit":    params.Limit,
	}))
}

// SweepExpired expires all overdue pending requests
// @Summary      Sweep expired approval requests
// @Description  Transitions every overdue pending request to expired and returns the count. Administrator only; also runs on a schedule.
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=object}
// @Router       /api/approvals/sweep [post]
func (h *ApprovalHandler) SweepExpired(c *gin.Context) {
	count, err := h.approvalService.SweepExpired(c.Request.Context(), time.Now())
	if err != nil {
		status := statusFromKind(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, map[string]interface{}{
		"expired_count": count,
	}))
}

func (h *ApprovalHandler) renderDecisionPage(c *gin.Context, status int, data decisionPageData) {
	var buf bytes.Buffer
	if err := decisionPageTmpl.Execute(&buf, data); err != nil {
		c.String(http.StatusInternalServerError, "failed to render page")
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}

// statusFromKind maps service error kinds to HTTP statuses.
func statusFromKind(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindAlreadyProcessed, apperr.KindExpired:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindAccessDenied, apperr.KindExcessiveScope, apperr.KindInsufficientScope:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
