package gateway

import (
	"net/http"
	"strconv"

	"github.com/basket/agent-swarm/internal/persistence"
)

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	creatorID, _ := agentIDFrom(w, r, false)
	channel, err := s.cfg.Store.CreateChannel(r.Context(), body.Name, body.Description, creatorID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.cfg.Store.ListChannels(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channel, err := s.cfg.Store.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

// POST /api/channels/{id}/messages: post with mention extraction and /task
// synthesis. The response carries any synthesised task ids.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content         string `json:"content"`
		ParentMessageID string `json:"parentMessageId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	senderID, _ := agentIDFrom(w, r, false)
	msg, taskIDs, err := s.cfg.Store.PostChannelMessage(r.Context(), r.PathValue("id"), senderID, body.Content, body.ParentMessageID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg, "taskIds": taskIDs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.cfg.Store.ListChannelMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	if err := s.cfg.Store.MarkChannelRead(r.Context(), agentID, r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

// GET /api/mentions: unread mention counts per channel, without claiming.
func (s *Server) handleUnreadMentions(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	channels, err := s.cfg.Store.UnreadMentionChannels(r.Context(), agentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// POST /api/mentions/claim: atomic claim of every unread-mention channel.
func (s *Server) handleClaimMentions(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	channels, err := s.cfg.Store.ClaimMentions(r.Context(), agentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleReleaseMentions(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	var body struct {
		ChannelIDs []string `json:"channelIds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cfg.Store.ReleaseMentionProcessing(r.Context(), agentID, body.ChannelIDs); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

func (s *Server) handleCreateInbox(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID           string `json:"agentId"`
		Content           string `json:"content"`
		Source            string `json:"source"`
		SlackChannel      string `json:"slackChannel"`
		SlackThreadTS     string `json:"slackThreadTs"`
		AgentMailThreadID string `json:"agentmailThreadId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AgentID == "" || body.Content == "" {
		writeError(w, http.StatusBadRequest, "agentId and content are required")
		return
	}
	msg, err := s.cfg.Store.CreateInboxMessage(r.Context(), persistence.NewInboxMessage{
		AgentID:           body.AgentID,
		Content:           body.Content,
		Source:            persistence.TaskSource(body.Source),
		SlackChannel:      body.SlackChannel,
		SlackThreadTS:     body.SlackThreadTS,
		AgentMailThreadID: body.AgentMailThreadID,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.cfg.Store.ListInboxMessages(r.Context(), agentID,
		persistence.InboxStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// POST /api/inbox/claim: atomically move up to limit unread messages to
// processing for the calling agent.
func (s *Server) handleClaimInbox(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	var body struct {
		Limit int `json:"limit"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	messages, err := s.cfg.Store.ClaimInboxMessages(r.Context(), agentID, body.Limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleResolveInbox(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status            string `json:"status"`
		ResponseText      string `json:"responseText"`
		DelegatedToTaskID string `json:"delegatedToTaskId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	msg, err := s.cfg.Store.ResolveInboxMessage(r.Context(), r.PathValue("id"),
		persistence.InboxStatus(body.Status), body.ResponseText, body.DelegatedToTaskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if msg == nil {
		writeError(w, http.StatusConflict, "message not found or already resolved")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
