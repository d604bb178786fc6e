// Package gateway exposes the kernel over HTTP: agent registration and
// liveness, the poll endpoint, task lifecycle operations, channels, inbox,
// epics, schedules, sessions, cost records, and a websocket event stream
// for dashboard readers.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/agent-swarm/internal/bus"
	"github.com/basket/agent-swarm/internal/cron"
	"github.com/basket/agent-swarm/internal/dispatch"
	"github.com/basket/agent-swarm/internal/ingress"
	"github.com/basket/agent-swarm/internal/persistence"
)

// AgentIDHeader carries the calling agent's identity on every worker call.
const AgentIDHeader = "X-Agent-ID"

// Config holds the gateway dependencies.
type Config struct {
	Store      *persistence.Store
	Dispatcher *dispatch.Dispatcher
	Scheduler  *cron.Scheduler
	Bus        *bus.Bus
	Logger     *slog.Logger

	// APIKey enables bearer auth on /api routes when non-empty.
	APIKey string

	// AllowOrigins controls accepted Origin headers for browser requests.
	// Empty means same-origin only.
	AllowOrigins []string

	// RateLimit guards the HTTP surface per caller key.
	RateLimit *RateLimitMiddleware

	// ConfigFingerprint is exposed on /healthz for deploy verification.
	ConfigFingerprint string

	// AppURL is the deep-link base used in outbound payloads.
	AppURL string

	// Notifier posts best-effort completion comments back to the
	// originating code-hosting issue. Nil disables outbound notification.
	Notifier *ingress.GitHubNotifier
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler builds the route table. Method-qualified patterns keep the
// dispatch table flat; middleware wraps the whole mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	// Agent identity and liveness.
	mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}/profile", s.handleUpdateProfile)
	mux.HandleFunc("GET /api/agents/{id}/context-versions", s.handleListContextVersions)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("GET /me", s.handleMe)
	mux.HandleFunc("POST /ping", s.handlePing)
	mux.HandleFunc("POST /close", s.handleClose)

	// The poll endpoint.
	mux.HandleFunc("GET /api/poll", s.handlePoll)

	// Task lifecycle.
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/claim", s.handleClaimTask)
	mux.HandleFunc("POST /api/tasks/{id}/offer", s.handleOfferTask)
	mux.HandleFunc("POST /api/tasks/{id}/accept", s.handleAcceptTask)
	mux.HandleFunc("POST /api/tasks/{id}/reject", s.handleRejectTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleStartTask)
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/fail", s.handleFailTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/progress", s.handleTaskProgress)
	mux.HandleFunc("POST /api/tasks/{id}/move-to-pool", s.handleMoveToPool)
	mux.HandleFunc("POST /api/tasks/{id}/move-to-backlog", s.handleMoveToBacklog)
	mux.HandleFunc("PUT /api/tasks/{id}/claude-session", s.handleClaudeSession)
	mux.HandleFunc("GET /api/tasks/{id}/dependencies", s.handleTaskDependencies)
	mux.HandleFunc("POST /api/tasks/notified/reset", s.handleResetNotified)

	// Channels and mentions.
	mux.HandleFunc("POST /api/channels", s.handleCreateChannel)
	mux.HandleFunc("GET /api/channels", s.handleListChannels)
	mux.HandleFunc("GET /api/channels/{id}", s.handleGetChannel)
	mux.HandleFunc("POST /api/channels/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/channels/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/channels/{id}/read", s.handleMarkRead)
	mux.HandleFunc("GET /api/mentions", s.handleUnreadMentions)
	mux.HandleFunc("POST /api/mentions/claim", s.handleClaimMentions)
	mux.HandleFunc("POST /api/mentions/release", s.handleReleaseMentions)

	// Inbox.
	mux.HandleFunc("POST /api/inbox", s.handleCreateInbox)
	mux.HandleFunc("GET /api/inbox", s.handleListInbox)
	mux.HandleFunc("POST /api/inbox/claim", s.handleClaimInbox)
	mux.HandleFunc("POST /api/inbox/{id}/resolve", s.handleResolveInbox)

	// Epics.
	mux.HandleFunc("POST /api/epics", s.handleCreateEpic)
	mux.HandleFunc("GET /api/epics", s.handleListEpics)
	mux.HandleFunc("GET /api/epics/{id}", s.handleGetEpic)
	mux.HandleFunc("POST /api/epics/{id}/status", s.handleEpicStatus)

	// Schedules.
	mux.HandleFunc("POST /api/scheduled-tasks", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/scheduled-tasks", s.handleListSchedules)
	mux.HandleFunc("GET /api/scheduled-tasks/{id}", s.handleGetSchedule)
	mux.HandleFunc("POST /api/scheduled-tasks/{id}/run-now", s.handleRunNow)
	mux.HandleFunc("POST /api/scheduled-tasks/{id}/enabled", s.handleScheduleEnabled)

	// Sessions, logs, costs.
	mux.HandleFunc("POST /api/sessions/start", s.handleStartSession)
	mux.HandleFunc("POST /api/sessions/heartbeat", s.handleSessionHeartbeat)
	mux.HandleFunc("POST /api/sessions/end", s.handleEndSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/session-logs", s.handleAppendSessionLog)
	mux.HandleFunc("GET /api/session-logs", s.handleListSessionLogs)
	mux.HandleFunc("POST /api/session-costs", s.handleCreateCost)
	mux.HandleFunc("GET /api/session-costs", s.handleListCosts)
	mux.HandleFunc("GET /api/session-costs/summary", s.handleCostSummary)
	mux.HandleFunc("GET /api/session-costs/dashboard", s.handleCostDashboard)

	// Read models.
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/logs", s.handleListLogs)

	var h http.Handler = mux
	h = s.authMiddleware(h)
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	h = corsMiddleware(s.cfg.AllowOrigins, h)
	return h
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps the store's error kinds onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, persistence.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, persistence.ErrStoreUnavailable), errors.Is(err, persistence.ErrMigrationFailed):
		s.logger.Error("store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON request body into dst. An empty body is allowed
// when dst fields are all optional; garbage is a 400.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// agentIDFrom extracts the X-Agent-ID header, writing a 400 when required
// and absent.
func agentIDFrom(w http.ResponseWriter, r *http.Request, required bool) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(AgentIDHeader))
	if id == "" && required {
		writeError(w, http.StatusBadRequest, "missing "+AgentIDHeader+" header")
		return "", false
	}
	return id, true
}
