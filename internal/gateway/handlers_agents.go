package gateway

import (
	"net/http"

	"github.com/basket/agent-swarm/internal/persistence"
)

type profileBody struct {
	Role         *string  `json:"role"`
	Description  *string  `json:"description"`
	Capabilities []string `json:"capabilities"`
	ClaudeMd     *string  `json:"claudeMd"`
	SoulMd       *string  `json:"soulMd"`
	IdentityMd   *string  `json:"identityMd"`
	SetupScript  *string  `json:"setupScript"`
	ToolsMd      *string  `json:"toolsMd"`
}

func (p profileBody) toProfile() persistence.AgentProfile {
	return persistence.AgentProfile{
		Role:         p.Role,
		Description:  p.Description,
		Capabilities: p.Capabilities,
		ClaudeMd:     p.ClaudeMd,
		SoulMd:       p.SoulMd,
		IdentityMd:   p.IdentityMd,
		SetupScript:  p.SetupScript,
		ToolsMd:      p.ToolsMd,
	}
}

// POST /api/agents: create or rediscover an agent by name. 201 on create,
// 200 on rediscovery.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		IsLead   bool   `json:"isLead"`
		MaxTasks int    `json:"maxTasks"`
		profileBody
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	requestedID, _ := agentIDFrom(w, r, false)

	agent, created, err := s.cfg.Store.RegisterAgent(r.Context(), requestedID, body.Name, body.IsLead, body.MaxTasks, body.toProfile())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, agent)
}

// GET /me: the calling agent's identity.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	agent, err := s.cfg.Store.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// POST /ping: heartbeat. Revives offline agents to idle, preserves busy.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	agent, err := s.cfg.Store.HeartbeatAgent(r.Context(), agentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// POST /close: graceful offline.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	if err := s.cfg.Store.CloseAgent(r.Context(), agentID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.cfg.Store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// PUT /api/agents/{id}/profile: partial persona update with content-hash
// versioning. Null fields are left unchanged.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		profileBody
		ChangeSource string `json:"changeSource"`
		ChangeReason string `json:"changeReason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	callerID, _ := agentIDFrom(w, r, false)
	agent, err := s.cfg.Store.UpdateAgentProfile(r.Context(), r.PathValue("id"), body.toProfile(),
		persistence.ContextChangeSource(body.ChangeSource), callerID, body.ChangeReason)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListContextVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.cfg.Store.ListContextVersions(r.Context(), r.PathValue("id"), r.URL.Query().Get("field"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// GET /api/poll: the trigger dispatcher.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDFrom(w, r, true)
	if !ok {
		return
	}
	result, err := s.cfg.Dispatcher.Poll(r.Context(), agentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
