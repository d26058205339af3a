package httpapi

import (
	"net/http"

	"github.com/sealgate/authgate/pkg/api"
)

type policyReloadResponse struct {
	PolicyVersion string `json:"policy_version"`
}

// handlePolicyReload serves POST /v1/policy/reload: re-activates the
// compiled policy artifact the engine holds (see policy.Engine.Reload);
// the policy source is not read again. In-flight
// validate calls finish against the version they started with; only
// evaluations that start after this returns see the new one. When a
// fleet-wide version cache is configured, the freshly activated version
// is published so sibling replicas observe the reload without polling
// the policy source store themselves.
func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.policyEngine.Reload(r.Context()); err != nil {
		api.WriteInternal(w, err)
		return
	}

	version := s.policyEngine.Version()
	if s.versionCache != nil {
		if err := s.versionCache.Publish(r.Context(), version); err != nil {
			api.WriteInternal(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, policyReloadResponse{PolicyVersion: version})
}
