// Package httpapi adapts the validation orchestrator and the identity,
// ledger, and seal subsystems to HTTP: request schema validation, auth,
// error mapping, and routing. No business logic lives here — every
// handler is a thin translation from an HTTP request to a typed call on
// one of the core packages.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sealgate/authgate/pkg/auth"
	"github.com/sealgate/authgate/pkg/identity"
	"github.com/sealgate/authgate/pkg/ledger"
	"github.com/sealgate/authgate/pkg/orchestrator"
	"github.com/sealgate/authgate/pkg/policy"
	"github.com/sealgate/authgate/pkg/seal"
)

// MaxManifestBytes bounds request bodies for the validate endpoint;
// oversize manifests are rejected with 413.
const MaxManifestBytes = 256 * 1024

// Server holds every dependency the REST surface dispatches into.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	policyEngine policy.Engine
	sealEngine   *seal.Engine
	ledger       *ledger.Ledger
	identity     *identity.Store
	tokens       *identity.TokenManager
	versionCache *policy.VersionCache

	manifestSchema *jsonschema.Schema

	authRequired     bool
	maxManifestBytes int64
	tokenTTL         time.Duration
}

// Config bundles the Server's dependencies and policy knobs.
type Config struct {
	Orchestrator     *orchestrator.Orchestrator
	PolicyEngine     policy.Engine
	SealEngine       *seal.Engine
	Ledger           *ledger.Ledger
	Identity         *identity.Store
	Tokens           *identity.TokenManager
	VersionCache     *policy.VersionCache
	AuthRequired     bool
	MaxManifestBytes int64
	TokenTTL         time.Duration
}

// New constructs the HTTP surface. It compiles the manifest JSON Schema
// once at startup so every validate request reuses the same program.
func New(cfg Config) (*Server, error) {
	schema, err := compileManifestSchema()
	if err != nil {
		return nil, err
	}

	maxBytes := cfg.MaxManifestBytes
	if maxBytes <= 0 {
		maxBytes = MaxManifestBytes
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Server{
		orchestrator:     cfg.Orchestrator,
		policyEngine:     cfg.PolicyEngine,
		sealEngine:       cfg.SealEngine,
		ledger:           cfg.Ledger,
		identity:         cfg.Identity,
		tokens:           cfg.Tokens,
		versionCache:     cfg.VersionCache,
		manifestSchema:   schema,
		authRequired:     cfg.AuthRequired,
		maxManifestBytes: maxBytes,
		tokenTTL:         ttl,
	}, nil
}

// RegisterRoutes wires every endpoint onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/manifest/validate", s.handleValidate)
	mux.HandleFunc("POST /v1/seal/mark-executed", s.handleMarkExecuted)
	mux.HandleFunc("GET /v1/seal/verify", s.handleVerifySeal)
	mux.HandleFunc("GET /v1/audit/query", s.handleAuditQuery)
	mux.HandleFunc("GET /v1/audit/stats", s.handleAuditStats)
	mux.HandleFunc("POST /v1/orgs/register", s.handleRegisterOrg)
	mux.HandleFunc("GET /v1/orgs/{org_id}", s.handleGetOrg)
	mux.HandleFunc("POST /v1/agents/register", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/manifest/health", s.handleManifestHealth)
	mux.HandleFunc("POST /v1/policy/reload", s.handlePolicyReload)
	mux.HandleFunc("GET /{$}", s.handleRoot)
}

// AuthMiddleware returns the bearer-token middleware to wrap the mux in,
// or a no-op passthrough when this deployment runs without auth —
// whether validate requires auth is configurable per deployment.
func (s *Server) AuthMiddleware() func(http.Handler) http.Handler {
	if !s.authRequired {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.Middleware(s.tokens, s.identity)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
