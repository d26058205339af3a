package policycompiler

import (
	"strings"
	"testing"
)

func TestCompile_MinimalValidSource(t *testing.T) {
	src := `
version: "1.0.0"
package: authgate.demo
policies:
  - name: spend
    rules:
      - id: R-001
        condition:
          provider: payments
          method: charge
          parameter_constraints:
            amount:
              max: 500
        action: allow
`
	compiled, err := Compile([]byte(src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if compiled.PackageName != "authgate.demo" {
		t.Errorf("PackageName = %q, want authgate.demo", compiled.PackageName)
	}
	if compiled.Version == "" {
		t.Error("Version should not be empty")
	}
	if len(compiled.Rego) == 0 {
		t.Error("Rego output should not be empty")
	}
}

func TestCompile_DeterministicVersion(t *testing.T) {
	src := `
version: "1.0.0"
package: authgate.demo
policies:
  - name: spend
    rules:
      - id: R-001
        condition:
          provider: payments
          method: charge
        action: allow
`
	a, err := Compile([]byte(src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, err := Compile([]byte(src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if a.Version != b.Version {
		t.Errorf("version not deterministic: %q vs %q", a.Version, b.Version)
	}
}

func TestCompile_RejectsInvalidSemver(t *testing.T) {
	src := `
version: "not-a-version"
package: authgate.demo
policies:
  - name: spend
    rules:
      - id: R-001
        condition: {provider: payments, method: charge}
        action: allow
`
	if _, err := Compile([]byte(src)); err == nil {
		t.Fatal("expected error for invalid semver version")
	}
}

func TestCompile_RejectsDuplicateRuleIDs(t *testing.T) {
	src := `
version: "1.0.0"
package: authgate.demo
policies:
  - name: spend
    rules:
      - id: R-001
        condition: {provider: payments, method: charge}
        action: allow
      - id: R-001
        condition: {provider: payments, method: refund}
        action: deny
`
	if _, err := Compile([]byte(src)); err == nil {
		t.Fatal("expected error for duplicate rule id")
	}
}

func TestCompile_RejectsMinGreaterThanMax(t *testing.T) {
	src := `
version: "1.0.0"
package: authgate.demo
policies:
  - name: spend
    rules:
      - id: R-001
        condition:
          provider: payments
          method: charge
          parameter_constraints:
            amount: {min: 100, max: 10}
        action: allow
`
	if _, err := Compile([]byte(src)); err == nil {
		t.Fatal("expected error for min > max constraint")
	}
}

func TestCompile_RejectsEmptyPolicies(t *testing.T) {
	src := `
version: "1.0.0"
package: authgate.demo
policies: []
`
	if _, err := Compile([]byte(src)); err == nil {
		t.Fatal("expected error for no policies")
	}
}

// TestCompile_DenyRuleEmitsOnlyFalseBlock guards against a rendering bug
// where a deny rule emitted both a true allow{} block and a narrower
// allow=false{} block for the same condition — two definitions of a
// complete rule for the same input, which OPA rejects as a conflict.
func TestCompile_DenyRuleEmitsOnlyFalseBlock(t *testing.T) {
	src := `
version: "1.0.0"
package: authgate.demo
policies:
  - name: spend
    rules:
      - id: R-001
        condition:
          provider: payments
          method: charge
          environment: production
          parameter_constraints:
            amount: {max: 500}
        action: deny
`
	compiled, err := Compile([]byte(src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rego := string(compiled.Rego)

	if strings.Count(rego, "allow {") != 0 {
		t.Errorf("deny rule must not also emit a true allow{} block:\n%s", rego)
	}
	if strings.Count(rego, "allow = false {") != 1 {
		t.Errorf("expected exactly one allow=false{} block:\n%s", rego)
	}
	if !strings.Contains(rego, `input.environment == "production"`) {
		t.Errorf("deny block must carry the rule's full condition, including environment:\n%s", rego)
	}
	if !strings.Contains(rego, "input.parameters.amount <= 500") {
		t.Errorf("deny block must carry the rule's parameter constraints:\n%s", rego)
	}
}

func TestCompile_RejectsUnknownAction(t *testing.T) {
	src := `
version: "1.0.0"
package: authgate.demo
policies:
  - name: spend
    rules:
      - id: R-001
        condition: {provider: payments, method: charge}
        action: maybe
`
	if _, err := Compile([]byte(src)); err == nil {
		t.Fatal("expected error for unknown action")
	}
}
