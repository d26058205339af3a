package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sealgate/authgate/pkg/policycompiler"
)

func testCompiled(t *testing.T) *policycompiler.Compiled {
	t.Helper()
	compiled, err := policycompiler.Compile([]byte(`
version: "1.0.0"
package: authgate.test
policies:
  - name: spend
    rules:
      - id: R-001
        condition: {provider: payments, method: charge}
        action: allow
`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return compiled
}

func TestOPAEngine_Allow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req opaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		allow := req.Input.Action == "payments.charge"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(opaResponse{Result: &opaResult{Allow: allow}})
	}))
	defer srv.Close()

	eng := NewOPAEngine(OPAConfig{URL: srv.URL}, testCompiled(t))
	decision, err := eng.Evaluate(context.Background(), &Manifest{Provider: "payments", Method: "charge"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Approved {
		t.Error("expected approval")
	}
}

func TestOPAEngine_FailClosed_Unreachable(t *testing.T) {
	eng := NewOPAEngine(OPAConfig{URL: "http://127.0.0.1:1", Deadline: 100 * time.Millisecond}, testCompiled(t))

	decision, err := eng.Evaluate(context.Background(), &Manifest{Provider: "payments", Method: "charge"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Approved {
		t.Error("unreachable OPA must deny")
	}
	if decision.DenialReason != EngineUnavailableReason {
		t.Errorf("denial reason = %q, want %q", decision.DenialReason, EngineUnavailableReason)
	}
	if decision.PolicyVersion != EnginePolicyUnavailableVersion {
		t.Errorf("policy version = %q, want %q", decision.PolicyVersion, EnginePolicyUnavailableVersion)
	}
}

func TestOPAEngine_FailClosed_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	eng := NewOPAEngine(OPAConfig{URL: srv.URL}, testCompiled(t))
	decision, err := eng.Evaluate(context.Background(), &Manifest{Provider: "payments", Method: "charge"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Approved {
		t.Error("500 response must deny")
	}
}

func TestOPAEngine_FailClosed_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	eng := NewOPAEngine(OPAConfig{URL: srv.URL}, testCompiled(t))
	decision, err := eng.Evaluate(context.Background(), &Manifest{Provider: "payments", Method: "charge"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Approved {
		t.Error("malformed body must deny")
	}
}

func TestOPAEngine_NilManifestErrors(t *testing.T) {
	eng := NewOPAEngine(OPAConfig{URL: "http://example.invalid"}, testCompiled(t))
	if _, err := eng.Evaluate(context.Background(), nil); err == nil {
		t.Error("expected error for nil manifest")
	}
}

func TestOPAEngine_Reload(t *testing.T) {
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		uploaded = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	compiled := testCompiled(t)
	eng := NewOPAEngine(OPAConfig{URL: srv.URL}, compiled)
	if err := eng.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if eng.Version() != compiled.Version {
		t.Errorf("version = %q, want %q", eng.Version(), compiled.Version)
	}
	if len(uploaded) == 0 {
		t.Error("expected rego body to be uploaded")
	}
}
