package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"backend/pkg/apperr"
)

// AccessLevel classifies what the verified credential can do on a repository.
type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

const defaultBaseURL = "https://api.github.com"

// DefaultTimeout bounds every provider call; an unbounded hang here would
// stall the whole request flow.
const DefaultTimeout = 10 * time.Second

// dangerousScopes block the entire flow outright, even if repository access
// would otherwise succeed.
var dangerousScopes = map[string]bool{
	"delete_repo":           true,
	"admin:org":             true,
	"admin:org_hook":        true,
	"admin:enterprise":      true,
	"admin:gpg_key":         true,
	"admin:public_key":      true,
	"admin:ssh_signing_key": true,
	"site_admin":            true,
}

// allowedScopes is the explicit allow-list; anything outside it is rejected.
var allowedScopes = map[string]bool{
	"repo":            true,
	"repo:status":     true,
	"public_repo":     true,
	"read:org":        true,
	"read:user":       true,
	"user:email":      true,
	"read:discussion": true,
}

// requiredScopes: at least one must be present for the flow to proceed.
var requiredScopes = []string{"repo", "public_repo"}

// Client talks to the source-control provider's REST API to confirm that a
// user-supplied credential actually grants access to the claimed repository.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// VerifyAccess validates the credential's authorization scopes, then confirms
// the credential can read owner/repo, classifying the access level from the
// provider's reported permissions.
func (c *Client) VerifyAccess(ctx context.Context, credential, owner, repo string) (AccessLevel, error) {
	if err := c.checkScopes(ctx, credential); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to build provider request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindProvider, "source-control provider unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to permission classification
	case http.StatusNotFound:
		return "", apperr.Newf(apperr.KindAccessDenied,
			"repository %s/%s not found or the credential has no access to it", owner, repo)
	case http.StatusUnauthorized:
		return "", apperr.New(apperr.KindAccessDenied,
			"credential rejected by the provider; the token may have expired or been revoked, generate a new one")
	default:
		return "", apperr.Newf(apperr.KindProvider, "provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Private     bool `json:"private"`
		Permissions struct {
			Admin bool `json:"admin"`
			Push  bool `json:"push"`
			Pull  bool `json:"pull"`
		} `json:"permissions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apperr.Wrap(apperr.KindProvider, "failed to parse provider response", err)
	}

	switch {
	case body.Permissions.Admin:
		return AccessAdmin, nil
	case body.Permissions.Push:
		return AccessWrite, nil
	default:
		return AccessRead, nil
	}
}

// checkScopes fetches the credential's OAuth scopes via a HEAD /user call and
// rejects tokens carrying anything outside the allow-list before they are
// trusted for repository verification.
func (c *Client) checkScopes(ctx context.Context, credential string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/user", nil)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to build provider request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, "source-control provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return apperr.New(apperr.KindAccessDenied,
			"credential rejected by the provider; the token may have expired or been revoked, generate a new one")
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.KindProvider, "provider returned status %d", resp.StatusCode)
	}

	header := strings.TrimSpace(resp.Header.Get("X-OAuth-Scopes"))
	if header == "" {
		return apperr.New(apperr.KindInsufficientScope,
			"credential reports no OAuth scopes; a classic token with the 'repo' or 'public_repo' scope is required")
	}

	scopes := strings.Split(header, ",")
	hasRequired := false
	for _, raw := range scopes {
		scope := strings.TrimSpace(raw)
		if scope == "" {
			continue
		}
		if dangerousScopes[scope] {
			return apperr.Newf(apperr.KindExcessiveScope,
				"credential carries the dangerous scope %q; use a token restricted to repository read/write", scope)
		}
		if !allowedScopes[scope] {
			return apperr.Newf(apperr.KindExcessiveScope,
				"credential carries the scope %q which is outside the allowed set", scope)
		}
		for _, required := range requiredScopes {
			if scope == required {
				hasRequired = true
			}
		}
	}

	if !hasRequired {
		return apperr.New(apperr.KindInsufficientScope,
			"credential is missing the 'repo' or 'public_repo' scope")
	}

	return nil
}
