package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sealgate/authgate/pkg/api"
	"github.com/sealgate/authgate/pkg/auth"
	"github.com/sealgate/authgate/pkg/identity"
)

type registerOrgRequest struct {
	Name          string `json:"name"`
	RequireAPIKey bool   `json:"require_api_key"`
}

type registerOrgResponse struct {
	OrgID      string `json:"org_id"`
	Name       string `json:"name"`
	APIKey     string `json:"api_key,omitempty"`
	AdminToken string `json:"admin_token"`
}

// handleRegisterOrg serves POST /v1/orgs/register: the bootstrap
// endpoint that brings a new tenant into existence and hands back a
// bearer token scoped to that organization.
func (s *Server) handleRegisterOrg(w http.ResponseWriter, r *http.Request) {
	var req registerOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.Name == "" {
		api.WriteBadRequest(w, "name is required")
		return
	}

	org, rawKey, err := s.identity.RegisterOrg(r.Context(), identity.RegisterOrgRequest{
		Name:          req.Name,
		RequireAPIKey: req.RequireAPIKey,
	})
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	token, err := s.tokens.IssueToken(org, s.tokenTTL)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerOrgResponse{
		OrgID:      org.Org,
		Name:       org.Name,
		APIKey:     rawKey,
		AdminToken: token,
	})
}

type orgResponse struct {
	OrgID         string `json:"org_id"`
	Name          string `json:"name"`
	RequireAPIKey bool   `json:"require_api_key"`
}

// handleGetOrg serves GET /v1/orgs/{org_id}.
func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org_id")
	if principal, err := auth.GetPrincipal(r.Context()); err == nil && principal.OrgID != orgID {
		api.WriteForbidden(w, "cannot access another organization")
		return
	}

	org, err := s.identity.GetOrg(r.Context(), orgID)
	if err != nil {
		if errors.Is(err, identity.ErrOrgNotFound) {
			api.WriteNotFound(w, "organization not found")
			return
		}
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, orgResponse{
		OrgID:         org.Org,
		Name:          org.Name,
		RequireAPIKey: org.RequireAPIKey,
	})
}

type registerAgentRequest struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
}

type agentResponse struct {
	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`
	Name    string `json:"name"`
	State   string `json:"state"`
	Token   string `json:"token,omitempty"`
}

// handleRegisterAgent serves POST /v1/agents/register: a freshly
// registered agent starts pending and is issued a token anyway,
// so the operator can activate it without a second round trip. Where
// the auth middleware checks the registry, the token is rejected with
// 401 until the agent is active.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if req.OrgID == "" || req.Name == "" {
		api.WriteBadRequest(w, "org_id and name are required")
		return
	}

	agent, err := s.identity.RegisterAgent(r.Context(), identity.RegisterAgentRequest{
		OrgID: req.OrgID,
		Name:  req.Name,
	})
	if err != nil {
		if errors.Is(err, identity.ErrOrgNotFound) {
			api.WriteBadRequest(w, "org_id does not exist")
			return
		}
		api.WriteInternal(w, err)
		return
	}

	token, err := s.tokens.IssueToken(agent, s.tokenTTL)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, agentResponse{
		AgentID: agent.AgentID,
		OrgID:   agent.Org,
		Name:    agent.Name,
		State:   string(agent.State),
		Token:   token,
	})
}

type listAgentsResponse struct {
	Agents []agentResponse `json:"agents"`
}

// handleListAgents serves GET /v1/agents?org_id=....
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		api.WriteBadRequest(w, "org_id query parameter is required")
		return
	}
	if principal, err := auth.GetPrincipal(r.Context()); err == nil && principal.OrgID != orgID {
		api.WriteForbidden(w, "cannot access another organization")
		return
	}

	agents, err := s.identity.ListAgents(r.Context(), orgID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	views := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentResponse{
			AgentID: a.AgentID,
			OrgID:   a.Org,
			Name:    a.Name,
			State:   string(a.State),
		})
	}

	writeJSON(w, http.StatusOK, listAgentsResponse{Agents: views})
}
