package identity

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestRegisterOrg_WithoutAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org, rawKey, err := s.RegisterOrg(ctx, RegisterOrgRequest{Name: "acme"})
	if err != nil {
		t.Fatalf("RegisterOrg: %v", err)
	}
	if rawKey != "" {
		t.Error("expected no raw key when RequireAPIKey is false")
	}

	if err := s.VerifyAPIKey(ctx, org.Org, ""); err != nil {
		t.Errorf("VerifyAPIKey should no-op when not required: %v", err)
	}
}

func TestRegisterOrg_WithAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org, rawKey, err := s.RegisterOrg(ctx, RegisterOrgRequest{Name: "acme", RequireAPIKey: true})
	if err != nil {
		t.Fatalf("RegisterOrg: %v", err)
	}
	if rawKey == "" {
		t.Fatal("expected a raw key when RequireAPIKey is true")
	}

	if err := s.VerifyAPIKey(ctx, org.Org, rawKey); err != nil {
		t.Errorf("VerifyAPIKey with correct key: %v", err)
	}
	if err := s.VerifyAPIKey(ctx, org.Org, "wrong-key"); err != ErrInvalidAPIKey {
		t.Errorf("VerifyAPIKey with wrong key = %v, want ErrInvalidAPIKey", err)
	}
	if err := s.VerifyAPIKey(ctx, org.Org, ""); err != ErrAPIKeyRequired {
		t.Errorf("VerifyAPIKey with empty key = %v, want ErrAPIKeyRequired", err)
	}
}

func TestRotateAPIKey_InvalidatesOldKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org, firstKey, err := s.RegisterOrg(ctx, RegisterOrgRequest{Name: "acme", RequireAPIKey: true})
	if err != nil {
		t.Fatalf("RegisterOrg: %v", err)
	}

	secondKey, err := s.RotateAPIKey(ctx, org.Org)
	if err != nil {
		t.Fatalf("RotateAPIKey: %v", err)
	}
	if secondKey == firstKey {
		t.Fatal("rotated key should differ from the original")
	}

	if err := s.VerifyAPIKey(ctx, org.Org, firstKey); err != ErrInvalidAPIKey {
		t.Errorf("old key should no longer verify, got %v", err)
	}
	if err := s.VerifyAPIKey(ctx, org.Org, secondKey); err != nil {
		t.Errorf("new key should verify: %v", err)
	}
}

func TestGetOrg_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetOrg(context.Background(), "nope"); err != ErrOrgNotFound {
		t.Errorf("GetOrg = %v, want ErrOrgNotFound", err)
	}
}

func TestRegisterAgent_StartsPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org, _, err := s.RegisterOrg(ctx, RegisterOrgRequest{Name: "acme"})
	if err != nil {
		t.Fatalf("RegisterOrg: %v", err)
	}

	agent, err := s.RegisterAgent(ctx, RegisterAgentRequest{OrgID: org.Org, Name: "bot-1"})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if agent.State != AgentStatePending {
		t.Errorf("state = %q, want pending", agent.State)
	}
}

func TestRegisterAgent_UnknownOrgFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RegisterAgent(context.Background(), RegisterAgentRequest{OrgID: "nope", Name: "bot"})
	if err != ErrOrgNotFound {
		t.Errorf("RegisterAgent = %v, want ErrOrgNotFound", err)
	}
}

func TestSetAgentState_ValidAndInvalidTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org, _, err := s.RegisterOrg(ctx, RegisterOrgRequest{Name: "acme"})
	if err != nil {
		t.Fatalf("RegisterOrg: %v", err)
	}
	agent, err := s.RegisterAgent(ctx, RegisterAgentRequest{OrgID: org.Org, Name: "bot-1"})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	if _, err := s.SetAgentState(ctx, agent.AgentID, AgentStateInactive); err == nil {
		t.Fatal("pending -> inactive should be rejected")
	}

	activated, err := s.SetAgentState(ctx, agent.AgentID, AgentStateActive)
	if err != nil {
		t.Fatalf("pending -> active: %v", err)
	}
	if activated.State != AgentStateActive {
		t.Errorf("state = %q, want active", activated.State)
	}

	deactivated, err := s.SetAgentState(ctx, agent.AgentID, AgentStateInactive)
	if err != nil {
		t.Fatalf("active -> inactive: %v", err)
	}
	if deactivated.State != AgentStateInactive {
		t.Errorf("state = %q, want inactive", deactivated.State)
	}

	if _, err := s.SetAgentState(ctx, agent.AgentID, AgentStatePending); err == nil {
		t.Fatal("inactive -> pending should be rejected")
	}
}

func TestListAgents_ScopedToOrg(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orgA, _, _ := s.RegisterOrg(ctx, RegisterOrgRequest{Name: "a"})
	orgB, _, _ := s.RegisterOrg(ctx, RegisterOrgRequest{Name: "b"})

	if _, err := s.RegisterAgent(ctx, RegisterAgentRequest{OrgID: orgA.Org, Name: "a-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterAgent(ctx, RegisterAgentRequest{OrgID: orgA.Org, Name: "a-2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterAgent(ctx, RegisterAgentRequest{OrgID: orgB.Org, Name: "b-1"}); err != nil {
		t.Fatal(err)
	}

	agents, err := s.ListAgents(ctx, orgA.Org)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("len(agents) = %d, want 2", len(agents))
	}
}
