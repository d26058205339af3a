// Package orchestrator implements the gateway's hot path: parse →
// authenticate → policy-evaluate → sign → persist → respond. It is the
// top-level handler every other component feeds into; httpapi only
// adapts it to HTTP.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sealgate/authgate/pkg/ledger"
	"github.com/sealgate/authgate/pkg/observability"
	"github.com/sealgate/authgate/pkg/policy"
	"github.com/sealgate/authgate/pkg/seal"
)

// ErrIdentityMismatch is returned when the caller's authenticated
// identity does not match the manifest's claimed agent/org. The client
// sees a 403; policy is not evaluated and no manifest decision is
// written, but a manifest_auth_fail auth event is appended to the ledger.
var ErrIdentityMismatch = errors.New("orchestrator: manifest identity does not match authenticated caller")

// ErrAppendFailed wraps a ledger append failure. It is always a 5xx:
// the orchestrator never hands the client a seal for a decision it
// could not durably record.
var ErrAppendFailed = errors.New("orchestrator: failed to persist manifest decision")

// maxManifestIDRetries bounds the duplicate-manifest_id retry: one
// regeneration, then fail closed.
const maxManifestIDRetries = 1

// Manifest is the agent's proposed action, already schema-validated by
// the HTTP layer. RawManifest is the exact bytes the agent submitted,
// so the ledger can store exactly what was received.
type Manifest struct {
	AgentID         string
	OrgID           string
	UserID          string
	Provider        string
	Method          string
	Parameters      map[string]any
	Reasoning       string
	ConfidenceScore *float64
	Environment     string
	RawManifest     []byte
	DryRun          bool
}

// IdentityContext is the authenticated caller, when auth is enabled for
// this deployment. A nil context means the request arrived
// unauthenticated, which is permitted in single-trust-domain deployments.
type IdentityContext struct {
	AgentID string
	OrgID   string
}

// Result is what the HTTP layer translates into the validate response
// body.
type Result struct {
	ManifestID    string
	CreatedAt     time.Time
	Approved      bool
	Seal          *seal.Seal
	DenialReason  string
	PolicyVersion string
}

// AuthEventRecorder captures auth_events. The ledger implements it; the
// orchestrator never writes ledger_entries directly.
type AuthEventRecorder interface {
	Append(ctx context.Context, entryType ledger.EntryType, orgID, subject, action string, payload any) (*ledger.Entry, error)
}

// Persister is the subset of the ledger the orchestrator drives
// directly.
type Persister interface {
	AuthEventRecorder
	AppendManifestDecision(ctx context.Context, d ledger.ManifestDecision, payload any) (*ledger.Entry, error)
	RegisterSeal(ctx context.Context, sealID, manifestID string) error
}

// Orchestrator wires the policy engine, seal engine, and ledger into
// the single validate operation.
type Orchestrator struct {
	policyEngine policy.Engine
	sealEngine   *seal.Engine
	ledger       Persister
	clock        func() time.Time
	telemetry    *observability.Provider
}

// New constructs the validation orchestrator.
func New(policyEngine policy.Engine, sealEngine *seal.Engine, l Persister) *Orchestrator {
	return &Orchestrator{
		policyEngine: policyEngine,
		sealEngine:   sealEngine,
		ledger:       l,
		clock:        time.Now,
	}
}

// WithClock overrides the orchestrator's clock for deterministic tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithTelemetry attaches a tracing/metrics provider. Validate calls are a
// no-op on telemetry until this is set, so unit tests never need a
// running OTLP collector.
func (o *Orchestrator) WithTelemetry(p *observability.Provider) *Orchestrator {
	o.telemetry = p
	return o
}

// Validate runs the full decision path for one manifest.
func (o *Orchestrator) Validate(ctx context.Context, m *Manifest, identityCtx *IdentityContext) (result *Result, err error) {
	if o.telemetry != nil {
		var done func(error)
		ctx, done = o.telemetry.TrackOperation(ctx, "orchestrator.validate",
			attribute.String("org_id", m.OrgID),
			attribute.String("provider", m.Provider),
		)
		defer func() { done(err) }()
	}
	return o.validate(ctx, m, identityCtx)
}

// validate is the untraced decision path; Validate wraps it with
// telemetry when a provider is configured.
func (o *Orchestrator) validate(ctx context.Context, m *Manifest, identityCtx *IdentityContext) (*Result, error) {
	// 1. Assign manifest_id and created_at.
	manifestID := uuid.New().String()
	createdAt := o.clock().UTC()

	// 2. Identity consistency check. A mismatch never reaches the policy
	// engine; it is recorded only as an auth event.
	if identityCtx != nil && (identityCtx.AgentID != m.AgentID || identityCtx.OrgID != m.OrgID) {
		if _, err := o.ledger.Append(ctx, ledger.EntryAuthEvent, m.OrgID, identityCtx.AgentID, "manifest_auth_fail", map[string]any{
			"claimed_agent_id": m.AgentID,
			"claimed_org_id":   m.OrgID,
			"token_agent_id":   identityCtx.AgentID,
			"token_org_id":     identityCtx.OrgID,
		}); err != nil {
			return nil, fmt.Errorf("orchestrator: record auth event: %w", err)
		}
		return nil, ErrIdentityMismatch
	}

	// 3. Policy evaluation.
	decision, err := o.policyEngine.Evaluate(ctx, &policy.Manifest{
		AgentID:         m.AgentID,
		OrgID:           m.OrgID,
		UserID:          m.UserID,
		Provider:        m.Provider,
		Method:          m.Method,
		Parameters:      m.Parameters,
		Reasoning:       m.Reasoning,
		ConfidenceScore: m.ConfidenceScore,
		Environment:     m.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: policy evaluation: %w", err)
	}

	// 4. Always issue a seal, approval or denial alike.
	issuedSeal, err := o.sealEngine.Issue(manifestID, decision.Approved, decision.PolicyVersion, decision.DenialReason)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: issue seal: %w", err)
	}

	result := &Result{
		ManifestID:    manifestID,
		CreatedAt:     createdAt,
		Approved:      decision.Approved,
		Seal:          issuedSeal,
		DenialReason:  decision.DenialReason,
		PolicyVersion: decision.PolicyVersion,
	}

	// 5. Persist, unless this is a dry run.
	if m.DryRun {
		return result, nil
	}

	if err := o.persist(ctx, m, result, issuedSeal); err != nil {
		return nil, err
	}

	return result, nil
}

// persist appends the manifest decision and registers the seal for
// execution tracking. A manifest_id collision is retried once by
// reassigning a fresh id and re-signing a seal under it, since the seal
// payload itself includes manifest_id; a second collision is a 5xx.
func (o *Orchestrator) persist(ctx context.Context, m *Manifest, result *Result, issuedSeal *seal.Seal) error {
	for attempt := 0; attempt <= maxManifestIDRetries; attempt++ {
		_, err := o.ledger.AppendManifestDecision(ctx, ledger.ManifestDecision{
			ManifestID:   result.ManifestID,
			SealID:       issuedSeal.SealID,
			OrgID:        m.OrgID,
			AgentID:      m.AgentID,
			Provider:     m.Provider,
			Approved:     result.Approved,
			DenialReason: result.DenialReason,
		}, manifestPayload(m, result, issuedSeal))
		if err == nil {
			return o.ledger.RegisterSeal(ctx, issuedSeal.SealID, result.ManifestID)
		}
		if !isUniqueViolation(err) || attempt == maxManifestIDRetries {
			return fmt.Errorf("%w: %v", ErrAppendFailed, err)
		}

		// Regenerate manifest_id and re-issue the seal under it — the
		// seal's signed payload binds to manifest_id, so the original
		// signature cannot simply be reused.
		result.ManifestID = uuid.New().String()
		reissued, issueErr := o.sealEngine.Issue(result.ManifestID, result.Approved, result.PolicyVersion, result.DenialReason)
		if issueErr != nil {
			return fmt.Errorf("%w: re-issue seal after collision: %v", ErrAppendFailed, issueErr)
		}
		issuedSeal = reissued
		result.Seal = reissued
	}
	return fmt.Errorf("%w: exhausted retries", ErrAppendFailed)
}

// manifestPayload is the JSON blob stored alongside the structured
// ledger columns. It carries the full signed seal so GET
// /v1/seal/verify can reconstruct it without a separate seals table.
func manifestPayload(m *Manifest, result *Result, issuedSeal *seal.Seal) map[string]any {
	return map[string]any{
		"created_at":       result.CreatedAt,
		"user_id":          m.UserID,
		"method":           m.Method,
		"parameters":       m.Parameters,
		"reasoning":        m.Reasoning,
		"confidence_score": m.ConfidenceScore,
		"environment":      m.Environment,
		"raw_manifest":     string(m.RawManifest),
		"policy_version":   result.PolicyVersion,
		"seal":             issuedSeal,
	}
}

// isUniqueViolation reports whether err looks like a unique-constraint
// violation on manifest_id. The ledger package does not export a typed
// sentinel for this (it is a storage-layer concern, and the two dialects
// phrase it differently), so this is a pragmatic substring check; a
// false negative only costs a spurious 5xx on an astronomically rare
// UUID collision, never a silently dropped manifest.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	for _, sub := range []string{"UNIQUE constraint", "duplicate key", "violates unique constraint"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
