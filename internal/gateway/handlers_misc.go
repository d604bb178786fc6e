package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/basket/agent-swarm/internal/persistence"
)

func (s *Server) handleCreateEpic(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string   `json:"name"`
		Goal     string   `json:"goal"`
		Priority int      `json:"priority"`
		Tags     []string `json:"tags"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	leadID, _ := agentIDFrom(w, r, false)
	epic, err := s.cfg.Store.CreateEpic(r.Context(), persistence.NewEpic{
		Name:        body.Name,
		Goal:        body.Goal,
		Priority:    body.Priority,
		Tags:        body.Tags,
		LeadAgentID: leadID,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, epic)
}

func (s *Server) handleListEpics(w http.ResponseWriter, r *http.Request) {
	epics, err := s.cfg.Store.ListEpics(r.Context(), persistence.EpicStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epics": epics})
}

func (s *Server) handleGetEpic(w http.ResponseWriter, r *http.Request) {
	epic, err := s.cfg.Store.GetEpicWithProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epic)
}

func (s *Server) handleEpicStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	epic, err := s.cfg.Store.UpdateEpicStatus(r.Context(), r.PathValue("id"), persistence.EpicStatus(body.Status))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epic)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string   `json:"name"`
		CronExpression string   `json:"cronExpression"`
		IntervalMs     int64    `json:"intervalMs"`
		TaskTemplate   string   `json:"taskTemplate"`
		TaskType       string   `json:"taskType"`
		Tags           []string `json:"tags"`
		Priority       int      `json:"priority"`
		TargetAgentID  string   `json:"targetAgentId"`
		Timezone       string   `json:"timezone"`
		NextRunAt      string   `json:"nextRunAt"`
		Enabled        *bool    `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" || body.TaskTemplate == "" {
		writeError(w, http.StatusBadRequest, "name and taskTemplate are required")
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	sched, err := s.cfg.Store.CreateSchedule(r.Context(), persistence.NewSchedule{
		Name:           body.Name,
		CronExpression: body.CronExpression,
		IntervalMs:     body.IntervalMs,
		TaskTemplate:   body.TaskTemplate,
		TaskType:       body.TaskType,
		Tags:           body.Tags,
		Priority:       body.Priority,
		TargetAgentID:  body.TargetAgentID,
		Timezone:       body.Timezone,
		NextRunAt:      body.NextRunAt,
		Enabled:        enabled,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.ScheduleFilter{Name: q.Get("name")}
	if v := q.Get("enabled"); v != "" {
		enabled := v == "true" || v == "1"
		filter.Enabled = &enabled
	}
	schedules, err := s.cfg.Store.ListSchedules(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduledTasks": schedules})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.cfg.Store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Scheduler.RunNow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.cfg.Store.SetScheduleEnabled(r.Context(), r.PathValue("id"), *body.Enabled); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	var body struct {
		TaskID          string `json:"taskId"`
		TriggerType     string `json:"triggerType"`
		InboxMessageID  string `json:"inboxMessageId"`
		TaskDescription string `json:"taskDescription"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TriggerType == "" {
		writeError(w, http.StatusBadRequest, "triggerType is required")
		return
	}
	session, err := s.cfg.Store.StartSession(r.Context(), persistence.NewSession{
		AgentID:         agentID,
		TaskID:          body.TaskID,
		TriggerType:     body.TriggerType,
		InboxMessageID:  body.InboxMessageID,
		TaskDescription: body.TaskDescription,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID string `json:"taskId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if err := s.cfg.Store.HeartbeatSessionByTask(r.Context(), body.TaskID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
		TaskID    string `json:"taskId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := body.SessionID
	if id == "" {
		id = body.TaskID
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId or taskId is required")
		return
	}
	if err := s.cfg.Store.EndSession(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Store.ListSessions(r.Context(), r.URL.Query().Get("agentId"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleAppendSessionLog(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	var body struct {
		TaskID  string `json:"taskId"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.cfg.Store.AppendSessionLog(r.Context(), agentID, body.TaskID, body.Content); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"appended": true})
}

func (s *Server) handleListSessionLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	logs, err := s.cfg.Store.ListSessionLogs(r.Context(), q.Get("agentId"), q.Get("taskId"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleCreateCost(w http.ResponseWriter, r *http.Request) {
	var body persistence.SessionCost
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AgentID == "" {
		if agentID, _ := agentIDFrom(w, r, false); agentID != "" {
			body.AgentID = agentID
		}
	}
	if body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	cost, err := s.cfg.Store.InsertSessionCost(r.Context(), body)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cost)
}

func (s *Server) handleListCosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	costs, err := s.cfg.Store.ListSessionCosts(r.Context(), persistence.CostFilter{
		AgentID: q.Get("agentId"),
		TaskID:  q.Get("taskId"),
		Since:   q.Get("since"),
		Limit:   limit,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"costs": costs})
}

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Store.SessionCostSummary(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Server) handleCostDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Store.SessionCostDashboard(r.Context(), 24*time.Hour)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": "24h", "summary": summary})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	taskCounts, err := s.cfg.Store.TaskStatusCounts(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	agentCounts, err := s.cfg.Store.AgentStatusCounts(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	poolCount, err := s.cfg.Store.PoolCount(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), "")
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":          taskCounts,
		"agents":         agentCounts,
		"poolCount":      poolCount,
		"activeSessions": len(sessions),
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	logs, err := s.cfg.Store.ListLogs(r.Context(), persistence.LogFilter{
		AgentID:   q.Get("agentId"),
		TaskID:    q.Get("taskId"),
		EventType: q.Get("eventType"),
		Limit:     limit,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.PoolCount(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
