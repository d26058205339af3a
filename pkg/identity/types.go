package identity

import "time"

// PrincipalType distinguishes the two kinds of bearer the gateway issues
// tokens to.
type PrincipalType string

const (
	PrincipalOrganization PrincipalType = "ORGANIZATION"
	PrincipalAgent        PrincipalType = "AGENT"
)

// Principal is any entity a bearer token can be issued for.
type Principal interface {
	ID() string
	Type() PrincipalType
	OrgID() string
}

// AgentState is the agent lifecycle: a freshly registered agent starts
// pending, an operator activates it, and it can be toggled inactive
// without losing its registration.
type AgentState string

const (
	AgentStatePending  AgentState = "pending"
	AgentStateActive   AgentState = "active"
	AgentStateInactive AgentState = "inactive"
)

// Organization is the top-level tenant boundary: every agent, manifest,
// and ledger entry is scoped to exactly one. RequireAPIKey is per-org:
// an org can opt out of the shared-secret check and rely on bearer
// tokens alone.
type Organization struct {
	Org           string    `json:"org_id"`
	Name          string    `json:"name"`
	RequireAPIKey bool      `json:"require_api_key"`
	APIKeyHash    string    `json:"-"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

func (o *Organization) ID() string          { return o.Org }
func (o *Organization) Type() PrincipalType { return PrincipalOrganization }
func (o *Organization) OrgID() string       { return o.Org }

// Agent represents a single autonomous agent registered under an
// organization.
type Agent struct {
	AgentID   string     `json:"agent_id"`
	Org       string     `json:"org_id"`
	Name      string     `json:"name"`
	State     AgentState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

func (a *Agent) ID() string          { return a.AgentID }
func (a *Agent) Type() PrincipalType { return PrincipalAgent }
func (a *Agent) OrgID() string       { return a.Org }
