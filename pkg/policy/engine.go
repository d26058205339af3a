// Package policy defines the Policy Engine Adapter: the single
// `Evaluate` operation the validation orchestrator calls, and the
// backends that implement it. Every backend MUST be fail-closed — any
// error, malformed response, or deadline overrun returns a denial rather
// than propagating, because "policy engine unavailable" is itself a
// valid, auditable decision.
package policy

import (
	"context"
	"time"
)

// DefaultEvaluationDeadline bounds a single Evaluate call end to end.
const DefaultEvaluationDeadline = 2 * time.Second

// Manifest is the projection of an authorization manifest that is
// relevant to policy evaluation. The orchestrator builds this from the
// full manifest; the policy engine never sees more than this.
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
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Approved      bool
	DenialReason  string
	PolicyVersion string
	MatchedRules  []string
}

// EnginePolicyUnavailableVersion is the sentinel policy_version recorded
// when the engine could not be reached at all.
const EnginePolicyUnavailableVersion = "unknown"

// EngineUnavailableReason is the fixed denial_reason used for every
// fail-closed path, so callers and tests can match on it exactly.
const EngineUnavailableReason = "policy engine unavailable"

// Engine is the stable interface the validation orchestrator depends on.
type Engine interface {
	// Evaluate runs policy evaluation for a manifest. It never returns a
	// non-nil error for an ordinary denial — errors are reserved for
	// programming mistakes (nil manifest); everything else, including
	// engine unavailability, is expressed as a Decision.
	Evaluate(ctx context.Context, m *Manifest) (Decision, error)

	// Version returns the policy_version currently in effect. Reload
	// swaps this atomically; in-flight evaluations keep using the
	// version they started with.
	Version() string

	// Reload re-activates the compiled policy artifact the engine already
	// holds (CELEngine recompiles it, OPAEngine re-uploads it) for
	// subsequent evaluations. It does not read the policy source again.
	Reload(ctx context.Context) error
}

func unavailableDecision() Decision {
	return Decision{
		Approved:      false,
		DenialReason:  EngineUnavailableReason,
		PolicyVersion: EnginePolicyUnavailableVersion,
	}
}

// withDeadline runs fn with ctx bounded to at most d, and converts a
// context deadline/cancellation into the fail-closed unavailable decision
// rather than letting it propagate as an error.
func withDeadline(ctx context.Context, d time.Duration, fn func(context.Context) (Decision, error)) (Decision, error) {
	if d <= 0 {
		d = DefaultEvaluationDeadline
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		decision Decision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		decision, err := fn(cctx)
		done <- result{decision, err}
	}()

	select {
	case r := <-done:
		return r.decision, r.err
	case <-cctx.Done():
		return unavailableDecision(), nil
	}
}
