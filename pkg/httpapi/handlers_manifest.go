package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sealgate/authgate/pkg/api"
	"github.com/sealgate/authgate/pkg/auth"
	"github.com/sealgate/authgate/pkg/orchestrator"
)

// manifestWire is the agent-submitted request body.
type manifestWire struct {
	Agent struct {
		AgentID string `json:"agent_id"`
		OrgID   string `json:"org_id"`
		UserID  string `json:"user_id,omitempty"`
	} `json:"agent"`
	Action struct {
		Provider   string         `json:"provider"`
		Method     string         `json:"method"`
		Parameters map[string]any `json:"parameters"`
	} `json:"action"`
	Justification struct {
		Reasoning       string   `json:"reasoning"`
		ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	} `json:"justification"`
	Environment string `json:"environment"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

type validateResponse struct {
	ManifestID    string `json:"manifest_id"`
	Approved      bool   `json:"approved"`
	Seal          any    `json:"seal,omitempty"`
	DenialReason  string `json:"denial_reason,omitempty"`
	PolicyVersion string `json:"policy_version"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readManifestBody(w, r)
	if !ok {
		return
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		api.WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if err := s.manifestSchema.Validate(decoded); err != nil {
		api.WriteBadRequest(w, "manifest failed schema validation: "+err.Error())
		return
	}

	var wire manifestWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		api.WriteBadRequest(w, "failed to decode manifest")
		return
	}

	var identityCtx *orchestrator.IdentityContext
	if principal, err := auth.GetPrincipal(r.Context()); err == nil {
		identityCtx = &orchestrator.IdentityContext{AgentID: principal.SubjectID, OrgID: principal.OrgID}
	} else if s.authRequired {
		api.WriteUnauthorized(w, "authentication required for manifest validation")
		return
	}

	result, err := s.orchestrator.Validate(r.Context(), &orchestrator.Manifest{
		AgentID:         wire.Agent.AgentID,
		OrgID:           wire.Agent.OrgID,
		UserID:          wire.Agent.UserID,
		Provider:        wire.Action.Provider,
		Method:          wire.Action.Method,
		Parameters:      wire.Action.Parameters,
		Reasoning:       wire.Justification.Reasoning,
		ConfidenceScore: wire.Justification.ConfidenceScore,
		Environment:     wire.Environment,
		RawManifest:     raw,
		DryRun:          wire.DryRun,
	}, identityCtx)
	if err != nil {
		if errors.Is(err, orchestrator.ErrIdentityMismatch) {
			api.WriteForbidden(w, "manifest agent/org does not match authenticated caller")
			return
		}
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		ManifestID:    result.ManifestID,
		Approved:      result.Approved,
		Seal:          result.Seal,
		DenialReason:  result.DenialReason,
		PolicyVersion: result.PolicyVersion,
	})
}

// readManifestBody enforces the oversize-manifest limit (>256 KiB
// default is rejected with 413) before any parsing is attempted.
func (s *Server) readManifestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, s.maxManifestBytes)
	raw, err := io.ReadAll(limited)
	if err != nil {
		api.WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "manifest exceeds the maximum allowed size")
		return nil, false
	}
	return raw, true
}
