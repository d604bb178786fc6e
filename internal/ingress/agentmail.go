package ingress

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/basket/agent-swarm/internal/audit"
	"github.com/basket/agent-swarm/internal/persistence"
)

// AgentMailWebhook normalises inbound mail notifications into inbox
// messages for the addressed agent. Authenticity uses the same HMAC scheme
// as the code-hosting webhook over the raw body.
type AgentMailWebhook struct {
	store  *persistence.Store
	secret string
	dedupe *Deduper
	logger *slog.Logger
}

// NewAgentMailWebhook creates the webhook handler.
func NewAgentMailWebhook(store *persistence.Store, secret string, logger *slog.Logger) *AgentMailWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentMailWebhook{
		store:  store,
		secret: secret,
		dedupe: NewDeduper(),
		logger: logger,
	}
}

type mailPayload struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
	To        string `json:"to"` // agent name
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (m *AgentMailWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"body too large"}`, http.StatusBadRequest)
		return
	}
	if !VerifySignature(m.secret, body, r.Header.Get("X-Signature-256")) {
		audit.Record("deny", "ingress.agentmail", "bad_signature", "")
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	var payload mailPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.MessageID == "" || payload.To == "" {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	ev := MailEvent{
		MessageID: payload.MessageID,
		ThreadID:  payload.ThreadID,
		AgentName: payload.To,
		Subject:   payload.Subject,
		Body:      payload.Body,
	}
	if m.dedupe.Seen(ev.Key()) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"duplicate"}`))
		return
	}
	audit.Record("allow", "ingress.agentmail", "signature_ok", ev.MessageID)

	agent, err := m.store.GetAgentByName(r.Context(), ev.AgentName)
	if err != nil {
		http.Error(w, `{"error":"unknown agent"}`, http.StatusNotFound)
		return
	}
	content := ev.Subject
	if ev.Body != "" {
		content += "\n\n" + ev.Body
	}
	if _, err := m.store.CreateInboxMessage(r.Context(), persistence.NewInboxMessage{
		AgentID:           agent.ID,
		Content:           content,
		Source:            persistence.SourceAgentMail,
		AgentMailThreadID: ev.ThreadID,
	}); err != nil {
		m.logger.Error("agentmail ingress failed", "message_id", ev.MessageID, "error", err)
		http.Error(w, `{"error":"ingress failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}
