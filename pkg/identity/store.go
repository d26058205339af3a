// Package identity also owns the directory of organizations and agents:
// registration, agent lifecycle transitions, and API-key issuance and
// verification. The API-key scheme follows the same shape as the
// tenant provisioner this gateway grew out of: a random secret handed
// to the caller once, with only its hash ever persisted.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrgNotFound    = errors.New("identity: organization not found")
	ErrOrgExists      = errors.New("identity: organization already exists")
	ErrAgentNotFound  = errors.New("identity: agent not found")
	ErrInvalidAPIKey  = errors.New("identity: invalid api key")
	ErrAPIKeyRequired = errors.New("identity: organization requires an api key")
)

// Dialect distinguishes the two SQL backends the directory supports.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Store is the SQL-backed directory of organizations and agents.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewStore opens a directory against db and ensures its schema exists.
func NewStore(db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("identity: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS organizations (
	org_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	require_api_key BOOLEAN NOT NULL DEFAULT FALSE,
	api_key_hash TEXT,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL
)`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES organizations(org_id),
	name TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(org_id)`)
	return err
}

// generateAPIKey mints a random secret and returns it alongside the
// sha256 hash of it that gets persisted; the raw value is returned to
// the caller exactly once and never stored.
func generateAPIKey() (raw, hash string) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("identity: failed to read random bytes: " + err.Error())
	}
	raw = "agk_" + hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(sum[:])
	return raw, hash
}

// RegisterOrgRequest describes a new organization.
type RegisterOrgRequest struct {
	Name          string
	RequireAPIKey bool
}

// RegisterOrg creates a new organization. When req.RequireAPIKey is
// true, a raw API key is generated and returned alongside the org;
// callers must surface it to the operator immediately since only its
// hash is retained.
func (s *Store) RegisterOrg(ctx context.Context, req RegisterOrgRequest) (*Organization, string, error) {
	org := &Organization{
		Org:           uuid.New().String(),
		Name:          req.Name,
		RequireAPIKey: req.RequireAPIKey,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}

	var rawKey string
	if req.RequireAPIKey {
		rawKey, org.APIKeyHash = generateAPIKey()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO organizations (org_id, name, require_api_key, api_key_hash, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		org.Org, org.Name, org.RequireAPIKey, nullableString(org.APIKeyHash), org.Active, org.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("identity: register org: %w", err)
	}
	return org, rawKey, nil
}

// RotateAPIKey issues a fresh API key for an existing organization,
// invalidating whatever key it held before.
func (s *Store) RotateAPIKey(ctx context.Context, orgID string) (string, error) {
	rawKey, hash := generateAPIKey()
	res, err := s.db.ExecContext(ctx, `
UPDATE organizations SET require_api_key = TRUE, api_key_hash = $1 WHERE org_id = $2`,
		hash, orgID)
	if err != nil {
		return "", fmt.Errorf("identity: rotate api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("identity: rotate api key: %w", err)
	}
	if n == 0 {
		return "", ErrOrgNotFound
	}
	return rawKey, nil
}

// GetOrg looks up an organization by ID.
func (s *Store) GetOrg(ctx context.Context, orgID string) (*Organization, error) {
	var org Organization
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT org_id, name, require_api_key, api_key_hash, active, created_at
FROM organizations WHERE org_id = $1`, orgID).Scan(
		&org.Org, &org.Name, &org.RequireAPIKey, &hash, &org.Active, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get org: %w", err)
	}
	org.APIKeyHash = hash.String
	return &org, nil
}

// VerifyAPIKey checks rawKey against the organization's stored hash in
// constant time. It is a no-op success when the organization does not
// require an API key.
func (s *Store) VerifyAPIKey(ctx context.Context, orgID, rawKey string) error {
	org, err := s.GetOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if !org.RequireAPIKey {
		return nil
	}
	if rawKey == "" {
		return ErrAPIKeyRequired
	}
	sum := sha256.Sum256([]byte(rawKey))
	gotHash := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(gotHash), []byte(org.APIKeyHash)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// RegisterAgentRequest describes a new agent under an organization.
type RegisterAgentRequest struct {
	OrgID string
	Name  string
}

// RegisterAgent creates a new agent in the pending state; an operator
// must activate it before it can be used as a bearer-token subject.
func (s *Store) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*Agent, error) {
	if _, err := s.GetOrg(ctx, req.OrgID); err != nil {
		return nil, err
	}

	agent := &Agent{
		AgentID:   uuid.New().String(),
		Org:       req.OrgID,
		Name:      req.Name,
		State:     AgentStatePending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agents (agent_id, org_id, name, state, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		agent.AgentID, agent.Org, agent.Name, agent.State, agent.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("identity: register agent: %w", err)
	}
	return agent, nil
}

// GetAgent looks up an agent by ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
SELECT agent_id, org_id, name, state, created_at
FROM agents WHERE agent_id = $1`, agentID).Scan(
		&a.AgentID, &a.Org, &a.Name, &a.State, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns every agent registered under an organization.
func (s *Store) ListAgents(ctx context.Context, orgID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT agent_id, org_id, name, state, created_at
FROM agents WHERE org_id = $1 ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("identity: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.Org, &a.Name, &a.State, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("identity: list agents: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// transitions enumerates the agent lifecycle edges the store allows;
// anything else is rejected rather than silently applied.
var transitions = map[AgentState][]AgentState{
	AgentStatePending:  {AgentStateActive},
	AgentStateActive:   {AgentStateInactive},
	AgentStateInactive: {AgentStateActive},
}

// SetAgentState transitions an agent to a new state, rejecting edges
// not present in the lifecycle graph (e.g. pending straight to
// inactive).
func (s *Store) SetAgentState(ctx context.Context, agentID string, next AgentState) (*Agent, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, candidate := range transitions[agent.State] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("identity: invalid agent state transition %s -> %s", agent.State, next)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE agents SET state = $1 WHERE agent_id = $2`, next, agentID)
	if err != nil {
		return nil, fmt.Errorf("identity: set agent state: %w", err)
	}
	agent.State = next
	return agent, nil
}

// SetOrgActive flips an organization's active flag. Deactivating an org
// does not touch its agents' individual states; a deactivated org's
// tokens stop authenticating regardless of what state its agents are in,
// since IsPrincipalActive also requires the org to be active.
func (s *Store) SetOrgActive(ctx context.Context, orgID string, active bool) (*Organization, error) {
	org, err := s.GetOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE organizations SET active = $1 WHERE org_id = $2`, active, orgID)
	if err != nil {
		return nil, fmt.Errorf("identity: set org active: %w", err)
	}
	org.Active = active
	return org, nil
}

// IsPrincipalActive reports whether a validated token's claimed
// principal is still allowed to authenticate: an agent must be active
// and its organization must be active, and an organization token
// requires only that the organization itself is active. A principal
// that no longer exists in the registry is treated as inactive rather
// than an error, since a deleted registration and a deactivated one
// must fail validation the same way.
func (s *Store) IsPrincipalActive(ctx context.Context, pType PrincipalType, id, orgID string) (bool, error) {
	switch pType {
	case PrincipalOrganization:
		org, err := s.GetOrg(ctx, id)
		if errors.Is(err, ErrOrgNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return org.Active, nil
	case PrincipalAgent:
		agent, err := s.GetAgent(ctx, id)
		if errors.Is(err, ErrAgentNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if agent.Org != orgID || agent.State != AgentStateActive {
			return false, nil
		}
		org, err := s.GetOrg(ctx, orgID)
		if errors.Is(err, ErrOrgNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return org.Active, nil
	default:
		return false, fmt.Errorf("identity: unknown principal type %q", pType)
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
