package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sealgate/authgate/pkg/auth"
	"github.com/sealgate/authgate/pkg/identity"
)

func setupTokenManager(t *testing.T) *identity.TokenManager {
	t.Helper()
	ks, err := identity.NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("failed to create keyset: %v", err)
	}
	return identity.NewTokenManager(ks)
}

func issueToken(t *testing.T, tm *identity.TokenManager, p identity.Principal, ttl time.Duration) string {
	t.Helper()
	tok, err := tm.IssueToken(p, ttl)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func TestMiddleware_ValidToken(t *testing.T) {
	tm := setupTokenManager(t)
	middleware := auth.Middleware(tm, nil)

	agent := &identity.Agent{AgentID: "agent-1", Org: "org-abc", State: identity.AgentStateActive}
	token := issueToken(t, tm, agent, time.Hour)

	var captured *auth.RequestPrincipal
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			t.Errorf("expected principal in context: %v", err)
		}
		captured = p
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/manifest/validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if captured == nil {
		t.Fatal("principal was not set in context")
	}
	if captured.SubjectID != "agent-1" {
		t.Errorf("subject = %q, want agent-1", captured.SubjectID)
	}
	if captured.OrgID != "org-abc" {
		t.Errorf("org = %q, want org-abc", captured.OrgID)
	}
	if captured.Type != identity.PrincipalAgent {
		t.Errorf("type = %q, want AGENT", captured.Type)
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	tm := setupTokenManager(t)
	middleware := auth.Middleware(tm, nil)

	agent := &identity.Agent{AgentID: "agent-1", Org: "org-abc"}
	token := issueToken(t, tm, agent, -time.Hour)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for an expired token")
	}))

	req := httptest.NewRequest("GET", "/v1/manifest/validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	tm := setupTokenManager(t)
	middleware := auth.Middleware(tm, nil)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without an auth header")
	}))

	req := httptest.NewRequest("GET", "/v1/manifest/validate", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_WrongSigningKey(t *testing.T) {
	tm1 := setupTokenManager(t)
	tm2 := setupTokenManager(t)
	middleware := auth.Middleware(tm2, nil)

	agent := &identity.Agent{AgentID: "agent-1", Org: "org-abc"}
	token := issueToken(t, tm1, agent, time.Hour)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for a token signed by another keyset")
	}))

	req := httptest.NewRequest("GET", "/v1/manifest/validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_PublicPathsBypassAuth(t *testing.T) {
	middleware := auth.Middleware(nil, nil)

	called := false
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called for public paths without auth")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMiddleware_NilTokenManager_FailsClosed(t *testing.T) {
	middleware := auth.Middleware(nil, nil)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called when no token manager is configured")
	}))

	req := httptest.NewRequest("GET", "/v1/manifest/validate", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingOrgClaim(t *testing.T) {
	tm := setupTokenManager(t)
	middleware := auth.Middleware(tm, nil)

	agent := &identity.Agent{AgentID: "agent-1"} // no Org set -> empty OrgID claim
	token := issueToken(t, tm, agent, time.Hour)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for a token missing its org claim")
	}))

	req := httptest.NewRequest("GET", "/v1/manifest/validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

// fakeRegistry is a RegistryChecker test double; it never touches a real
// identity.Store so these tests don't need a database.
type fakeRegistry struct {
	active bool
	err    error
}

func (f *fakeRegistry) IsPrincipalActive(context.Context, identity.PrincipalType, string, string) (bool, error) {
	return f.active, f.err
}

func TestMiddleware_InactivePrincipal_Rejected(t *testing.T) {
	tm := setupTokenManager(t)
	middleware := auth.Middleware(tm, &fakeRegistry{active: false})

	agent := &identity.Agent{AgentID: "agent-1", Org: "org-abc", State: identity.AgentStateInactive}
	token := issueToken(t, tm, agent, time.Hour)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for a deactivated principal")
	}))

	req := httptest.NewRequest("GET", "/v1/manifest/validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_ActivePrincipal_Accepted(t *testing.T) {
	tm := setupTokenManager(t)
	middleware := auth.Middleware(tm, &fakeRegistry{active: true})

	agent := &identity.Agent{AgentID: "agent-1", Org: "org-abc", State: identity.AgentStateActive}
	token := issueToken(t, tm, agent, time.Hour)

	called := false
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/manifest/validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called for an active principal")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
