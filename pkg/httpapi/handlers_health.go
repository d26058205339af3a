package httpapi

import "net/http"

type healthResponse struct {
	Status        string `json:"status"`
	PolicyVersion string `json:"policy_version"`
}

// handleHealth serves GET /health: a liveness probe. Policy evaluation
// is fail-closed by design (a denial is a valid decision, not a
// failure), so this reports the active policy_version rather than
// attempting a synthetic evaluate call.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", PolicyVersion: s.policyEngine.Version()})
}

type manifestHealthResponse struct {
	PolicyVersion string `json:"policy_version"`
}

// handleManifestHealth serves GET /v1/manifest/health: the policy
// version currently in effect, so an operator can confirm a reload
// actually took.
func (s *Server) handleManifestHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, manifestHealthResponse{PolicyVersion: s.policyEngine.Version()})
}

type rootResponse struct {
	Service string   `json:"service"`
	Version string   `json:"version"`
	Docs    string   `json:"docs"`
	Schemas []string `json:"schemas"`
}

// handleRoot serves GET / (exact root only): minimal service discovery
// metadata for an operator or SDK probing the deployment.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Service: "authgate",
		Version: "v1",
		Docs:    "https://authgate.dev/docs",
		Schemas: []string{manifestSchemaURL},
	})
}
