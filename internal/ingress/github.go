package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/agent-swarm/internal/audit"
	"github.com/basket/agent-swarm/internal/persistence"
)

// GitHubWebhook verifies and normalises code-hosting webhook deliveries.
// Opened issues become pool tasks; issue comments mentioning a registered
// agent become inbox messages.
type GitHubWebhook struct {
	store  *persistence.Store
	secret string
	dedupe *Deduper
	logger *slog.Logger
}

// NewGitHubWebhook creates the webhook handler.
func NewGitHubWebhook(store *persistence.Store, secret string, logger *slog.Logger) *GitHubWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubWebhook{
		store:  store,
		secret: secret,
		dedupe: NewDeduper(),
		logger: logger,
	}
}

// VerifySignature checks the X-Hub-Signature-256 HMAC over the raw body.
func VerifySignature(secret string, body []byte, signatureHeader string) bool {
	if secret == "" || signatureHeader == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signatureHeader, prefix)))
}

type githubPayload struct {
	Action string `json:"action"`
	Repo   struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue struct {
		Number int64  `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (g *GitHubWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"body too large"}`, http.StatusBadRequest)
		return
	}
	if !VerifySignature(g.secret, body, r.Header.Get("X-Hub-Signature-256")) {
		audit.Record("deny", "ingress.github", "bad_signature", r.Header.Get("X-GitHub-Delivery"))
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	eventType := r.Header.Get("X-GitHub-Event")
	if deliveryID == "" || eventType == "" {
		http.Error(w, `{"error":"missing delivery headers"}`, http.StatusBadRequest)
		return
	}

	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	ev := GitHubEvent{
		DeliveryID:  deliveryID,
		EventType:   eventType,
		Action:      payload.Action,
		Repo:        payload.Repo.FullName,
		IssueNumber: payload.Issue.Number,
		Title:       payload.Issue.Title,
		Body:        payload.Issue.Body,
		Sender:      payload.Sender.Login,
	}
	if eventType == "issue_comment" {
		ev.Body = payload.Comment.Body
	}

	if g.dedupe.Seen(ev.Key()) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"duplicate"}`))
		return
	}
	audit.Record("allow", "ingress.github", "signature_ok", deliveryID)

	if err := g.handle(r, ev); err != nil {
		g.logger.Error("github ingress failed", "delivery_id", deliveryID, "error", err)
		http.Error(w, `{"error":"ingress failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

func (g *GitHubWebhook) handle(r *http.Request, ev GitHubEvent) error {
	ctx := r.Context()
	switch {
	case ev.EventType == "issues" && ev.Action == "opened":
		text := ev.Title
		if ev.Body != "" {
			text += "\n\n" + ev.Body
		}
		_, err := g.store.CreateTask(ctx, persistence.NewTask{
			Task:              text,
			Source:            persistence.SourceGitHub,
			TaskType:          "github_issue",
			GithubRepo:        ev.Repo,
			GithubIssueNumber: ev.IssueNumber,
		})
		return err
	case ev.EventType == "issue_comment" && ev.Action == "created":
		// Route the comment to the first mentioned registered agent.
		for _, word := range strings.Fields(ev.Body) {
			if !strings.HasPrefix(word, "@") {
				continue
			}
			name := strings.Trim(word, "@.,:;!?")
			agent, err := g.store.GetAgentByName(ctx, name)
			if err != nil {
				continue
			}
			_, err = g.store.CreateInboxMessage(ctx, persistence.NewInboxMessage{
				AgentID: agent.ID,
				Content: fmt.Sprintf("GitHub comment on %s#%d by %s:\n%s", ev.Repo, ev.IssueNumber, ev.Sender, ev.Body),
				Source:  persistence.SourceGitHub,
			})
			return err
		}
		return nil
	default:
		g.logger.Debug("github event ignored", "event", ev.EventType, "action", ev.Action)
		return nil
	}
}
