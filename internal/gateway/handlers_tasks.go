package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/agent-swarm/internal/persistence"
)

// POST /api/tasks: create a task with full options. When parentTaskId is
// set and agentId omitted, the task routes to the parent's agent.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID           string   `json:"agentId"`
		Task              string   `json:"task"`
		Source            string   `json:"source"`
		TaskType          string   `json:"taskType"`
		Tags              []string `json:"tags"`
		Priority          int      `json:"priority"`
		DependsOn         []string `json:"dependsOn"`
		OfferedTo         string   `json:"offeredTo"`
		Backlog           bool     `json:"backlog"`
		EpicID            string   `json:"epicId"`
		ParentTaskID      string   `json:"parentTaskId"`
		SlackChannel      string   `json:"slackChannel"`
		SlackThreadTS     string   `json:"slackThreadTs"`
		GithubRepo        string   `json:"githubRepo"`
		GithubIssueNumber int64    `json:"githubIssueNumber"`
		AgentMailThreadID string   `json:"agentmailThreadId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	creatorID, _ := agentIDFrom(w, r, false)

	if body.ParentTaskID != "" && body.AgentID == "" {
		parent, err := s.cfg.Store.GetTask(r.Context(), body.ParentTaskID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		body.AgentID = parent.AgentID
	}

	task, err := s.cfg.Store.CreateTask(r.Context(), persistence.NewTask{
		AgentID:           body.AgentID,
		CreatorAgentID:    creatorID,
		Task:              body.Task,
		Source:            persistence.TaskSource(body.Source),
		TaskType:          body.TaskType,
		Tags:              body.Tags,
		Priority:          body.Priority,
		DependsOn:         body.DependsOn,
		OfferedTo:         body.OfferedTo,
		Backlog:           body.Backlog,
		EpicID:            body.EpicID,
		ParentTaskID:      body.ParentTaskID,
		SlackChannel:      body.SlackChannel,
		SlackThreadTS:     body.SlackThreadTS,
		GithubRepo:        body.GithubRepo,
		GithubIssueNumber: body.GithubIssueNumber,
		AgentMailThreadID: body.AgentMailThreadID,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), persistence.TaskFilter{
		AgentID:  q.Get("agentId"),
		Status:   persistence.TaskStatus(q.Get("status")),
		Source:   persistence.TaskSource(q.Get("source")),
		EpicID:   q.Get("epicId"),
		TaskType: q.Get("taskType"),
		Tag:      q.Get("tag"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// transitionResponse answers a lifecycle operation: 200 with the task on
// success, 409 when the precondition failed or a concurrent caller won.
func (s *Server) transitionResponse(w http.ResponseWriter, task *persistence.Task, err error) {
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusConflict, "precondition failed or task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// recomputeOwner refreshes the owner's derived status after a transition.
func (s *Server) recomputeOwner(r *http.Request, task *persistence.Task) {
	if task == nil || task.AgentID == "" {
		return
	}
	if _, err := s.cfg.Store.RecomputeAgentStatus(r.Context(), task.AgentID); err != nil {
		s.logger.Warn("recompute agent status", "agent_id", task.AgentID, "error", err)
	}
}

// notifyOrigin reports a finished task back to its originating issue.
// Outbound calls run outside the request and any transaction; the result is
// a logged boolean, never an error on the kernel path.
func (s *Server) notifyOrigin(task *persistence.Task) {
	if s.cfg.Notifier == nil || task == nil || !task.Status.IsTerminal() || task.Source != persistence.SourceGitHub {
		return
	}
	t := *task
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		delivered := s.cfg.Notifier.NotifyTaskFinished(ctx, &t)
		s.logger.Info("origin notification", "task_id", t.ID, "delivered", delivered)
	}()
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	task, err := s.cfg.Store.ClaimTask(r.Context(), r.PathValue("id"), agentID)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleOfferTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agentId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	task, err := s.cfg.Store.OfferTask(r.Context(), r.PathValue("id"), body.AgentID)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	task, err := s.cfg.Store.AcceptTask(r.Context(), r.PathValue("id"), agentID)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := s.cfg.Store.RejectTask(r.Context(), r.PathValue("id"), agentID, body.Reason)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.StartTask(r.Context(), r.PathValue("id"))
	s.recomputeOwner(r, task)
	s.transitionResponse(w, task, err)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.PauseTask(r.Context(), r.PathValue("id"))
	s.recomputeOwner(r, task)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.ResumeTask(r.Context(), r.PathValue("id"))
	s.recomputeOwner(r, task)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Output string `json:"output"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := s.cfg.Store.CompleteTask(r.Context(), r.PathValue("id"), body.Output)
	s.recomputeOwner(r, task)
	s.notifyOrigin(task)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	task, err := s.cfg.Store.FailTask(r.Context(), r.PathValue("id"), body.Reason)
	s.recomputeOwner(r, task)
	s.notifyOrigin(task)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := s.cfg.Store.CancelTask(r.Context(), r.PathValue("id"), body.Reason)
	s.recomputeOwner(r, task)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Progress string `json:"progress"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	task, err := s.cfg.Store.SetTaskProgress(r.Context(), r.PathValue("id"), body.Progress)
	s.recomputeOwner(r, task)
	s.transitionResponse(w, task, err)
}

func (s *Server) handleMoveToPool(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.MoveTaskToPool(r.Context(), r.PathValue("id"))
	s.transitionResponse(w, task, err)
}

func (s *Server) handleMoveToBacklog(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.MoveTaskToBacklog(r.Context(), r.PathValue("id"))
	s.transitionResponse(w, task, err)
}

// PUT /api/tasks/{id}/claude-session
func (s *Server) handleClaudeSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClaudeSessionID string `json:"claudeSessionId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ClaudeSessionID == "" {
		writeError(w, http.StatusBadRequest, "claudeSessionId is required")
		return
	}
	if err := s.cfg.Store.SetClaudeSessionID(r.Context(), r.PathValue("id"), body.ClaudeSessionID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request) {
	dep, err := s.cfg.Store.CheckDependencies(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// POST /api/tasks/notified/reset: the manual rollback half of the
// at-least-once delivery contract.
func (s *Server) handleResetNotified(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskIDs []string `json:"taskIds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "taskIds is required")
		return
	}
	if err := s.cfg.Store.ResetTasksNotified(r.Context(), body.TaskIDs); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}
