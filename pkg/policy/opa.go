package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sealgate/authgate/pkg/policycompiler"
)

const defaultOPAPath = "/v1/data/authgate/validate"

// OPAConfig configures the OPA-backed engine.
type OPAConfig struct {
	// URL is the base URL of the OPA server, e.g. "http://localhost:8181".
	URL string
	// PolicyPath overrides the default OPA decision path.
	PolicyPath string
	// Deadline bounds a single evaluation call. Default 2s.
	Deadline time.Duration
}

// OPAEngine implements Engine against a remote Open Policy Agent server
// over its HTTP data API. Any transport failure, non-200 response, or
// malformed body is treated as policy-engine-unavailable — strictly
// fail-closed, with no retry (retries, if wanted, belong at the HTTP
// layer).
type OPAEngine struct {
	mu       sync.RWMutex
	cfg      OPAConfig
	client   *http.Client
	version  string
	compiler *policycompiler.Compiled
}

// NewOPAEngine constructs an OPA adapter bound to an already-compiled
// policy (see pkg/policycompiler). compiled.Version is the policy_version
// the adapter reports until the next Reload.
func NewOPAEngine(cfg OPAConfig, compiled *policycompiler.Compiled) *OPAEngine {
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultOPAPath
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultEvaluationDeadline
	}
	return &OPAEngine{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Deadline},
		version:  compiled.Version,
		compiler: compiled,
	}
}

type opaRequest struct {
	Input opaInput `json:"input"`
}

type opaInput struct {
	Principal   string         `json:"principal"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Environment string         `json:"environment,omitempty"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow        bool     `json:"allow"`
	DenialReason string   `json:"denial_reason,omitempty"`
	MatchedRules []string `json:"matched_rules,omitempty"`
}

// Evaluate implements Engine.
func (o *OPAEngine) Evaluate(ctx context.Context, m *Manifest) (Decision, error) {
	if m == nil {
		return Decision{}, fmt.Errorf("policy: nil manifest")
	}

	o.mu.RLock()
	cfg := o.cfg
	version := o.version
	o.mu.RUnlock()

	return withDeadline(ctx, cfg.Deadline, func(ctx context.Context) (Decision, error) {
		body := opaRequest{Input: opaInput{
			Principal:   m.AgentID,
			Action:      fmt.Sprintf("%s.%s", m.Provider, m.Method),
			Resource:    m.Provider,
			Parameters:  m.Parameters,
			Environment: m.Environment,
		}}

		payload, err := json.Marshal(body)
		if err != nil {
			return unavailableDecision(), nil
		}

		url := cfg.URL + cfg.PolicyPath
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return unavailableDecision(), nil
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return unavailableDecision(), nil
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return unavailableDecision(), nil
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return unavailableDecision(), nil
		}

		var out opaResponse
		if err := json.Unmarshal(raw, &out); err != nil || out.Result == nil {
			return unavailableDecision(), nil
		}

		return Decision{
			Approved:      out.Result.Allow,
			DenialReason:  out.Result.DenialReason,
			PolicyVersion: version,
			MatchedRules:  out.Result.MatchedRules,
		}, nil
	})
}

// Version implements Engine.
func (o *OPAEngine) Version() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// Reload uploads the current compiled policy artifact to OPA's policy
// management API and atomically swaps the cached version. In-flight
// evaluations keep whatever version they already captured.
func (o *OPAEngine) Reload(ctx context.Context) error {
	o.mu.RLock()
	compiled := o.compiler
	cfg := o.cfg
	o.mu.RUnlock()
	if compiled == nil {
		return fmt.Errorf("policy: no compiled policy to upload")
	}

	url := fmt.Sprintf("%s/v1/policies/%s", cfg.URL, compiled.PackageName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(compiled.Rego))
	if err != nil {
		return fmt.Errorf("policy: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("policy: upload to OPA: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("policy: OPA rejected upload: status %d", resp.StatusCode)
	}

	o.mu.Lock()
	o.version = compiled.Version
	o.mu.Unlock()
	return nil
}
