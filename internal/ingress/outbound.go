package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/basket/agent-swarm/internal/persistence"
)

// TokenSource mints a bearer token for a code-hosting installation. Minted
// tokens are cached until shortly before expiry.
type TokenSource func(ctx context.Context, installationID string) (token string, expiresAt time.Time, err error)

// TokenCache caches installation bearer tokens. Losing it on restart is
// safe: tokens re-mint on demand.
type TokenCache struct {
	cache  *gocache.Cache
	source TokenSource
}

// NewTokenCache creates a cache over the given source.
func NewTokenCache(source TokenSource) *TokenCache {
	return &TokenCache{
		cache:  gocache.New(gocache.NoExpiration, 10*time.Minute),
		source: source,
	}
}

// Token returns a cached token for the installation, minting when absent or
// expired.
func (tc *TokenCache) Token(ctx context.Context, installationID string) (string, error) {
	if v, ok := tc.cache.Get(installationID); ok {
		return v.(string), nil
	}
	token, expiresAt, err := tc.source(ctx, installationID)
	if err != nil {
		return "", fmt.Errorf("mint token for installation %s: %w", installationID, err)
	}
	ttl := time.Until(expiresAt) - time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	tc.cache.Set(installationID, token, ttl)
	return token, nil
}

// GitHubNotifier posts best-effort issue comments back to the repository a
// task came from. Failures are logged and reported as a boolean; they never
// propagate into the kernel path.
type GitHubNotifier struct {
	tokens         *TokenCache
	installationID string
	baseURL        string
	appURL         string
	client         *http.Client
	logger         *slog.Logger
}

// NewGitHubNotifier creates a notifier. baseURL defaults to the public API.
func NewGitHubNotifier(tokens *TokenCache, installationID, baseURL, appURL string, logger *slog.Logger) *GitHubNotifier {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubNotifier{
		tokens:         tokens,
		installationID: installationID,
		baseURL:        baseURL,
		appURL:         appURL,
		client:         &http.Client{Timeout: 15 * time.Second},
		logger:         logger,
	}
}

// NotifyTaskFinished comments on the originating issue of a finished
// GitHub-sourced task. Returns whether the comment was delivered.
func (n *GitHubNotifier) NotifyTaskFinished(ctx context.Context, task *persistence.Task) bool {
	if task.GithubRepo == "" || task.GithubIssueNumber == 0 {
		return false
	}
	body := fmt.Sprintf("Task finished with status `%s`.", task.Status)
	if task.Output != "" {
		body += "\n\n" + task.Output
	}
	if task.FailureReason != "" {
		body += "\n\nReason: " + task.FailureReason
	}
	if n.appURL != "" {
		body += fmt.Sprintf("\n\n[View task](%s/tasks/%s)", n.appURL, task.ID)
	}
	return n.comment(ctx, task.GithubRepo, task.GithubIssueNumber, body)
}

func (n *GitHubNotifier) comment(ctx context.Context, repo string, issue int64, body string) bool {
	token, err := n.tokens.Token(ctx, n.installationID)
	if err != nil {
		n.logger.Warn("github token unavailable", "error", err)
		return false
	}
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return false
	}
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", n.baseURL, repo, issue)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("github comment failed", "repo", repo, "issue", issue, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("github comment rejected", "repo", repo, "issue", issue, "status", resp.StatusCode)
		return false
	}
	return true
}
