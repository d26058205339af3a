// Package policycompiler transforms a declarative policy source into
// the policy engine's native rule language. Compilation is
// deterministic — the same source always produces the same
// policy_version and the same compiled output — so two manifests
// evaluated against the same source always carry the same
// policy_version.
package policycompiler

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/sealgate/authgate/pkg/canonicalize"
)

// Action is the terminal verdict of a matching rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Constraint is one field's conjunctive parameter constraint.
type Constraint struct {
	Min    *float64 `yaml:"min,omitempty"`
	Max    *float64 `yaml:"max,omitempty"`
	Equals *string  `yaml:"equals,omitempty"`
	In     []string `yaml:"in,omitempty"`
	NotIn  []string `yaml:"not_in,omitempty"`
	Match  *string  `yaml:"matches,omitempty"`
}

// Condition gates whether a rule applies to a manifest.
type Condition struct {
	Provider             string                `yaml:"provider,omitempty"`
	Method               string                `yaml:"method,omitempty"`
	Environment          string                `yaml:"environment,omitempty"`
	ParameterConstraints map[string]Constraint `yaml:"parameter_constraints,omitempty"`
}

// Rule is a single named policy rule, evaluated in declared order within
// its policy. The first matching deny wins over later allows; if nothing
// matches, the policy denies by default.
type Rule struct {
	ID        string    `yaml:"id"`
	Condition Condition `yaml:"condition"`
	Action    Action    `yaml:"action"`
	Reason    string    `yaml:"reason,omitempty"`
}

// Policy groups an ordered set of rules under a name.
type Policy struct {
	Name  string `yaml:"name"`
	Rules []Rule `yaml:"rules"`
}

// Source is the parsed form of the declarative policy document.
type Source struct {
	Version  string   `yaml:"version"`
	Package  string   `yaml:"package"`
	Policies []Policy `yaml:"policies"`
}

// ValidationError carries the source location of a compile-time failure,
// e.g. a duplicate rule id or a min > max constraint.
type ValidationError struct {
	Policy  string
	Rule    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	loc := e.Policy
	if e.Rule != "" {
		loc = fmt.Sprintf("%s/%s", loc, e.Rule)
	}
	if e.Field != "" {
		loc = fmt.Sprintf("%s[%s]", loc, e.Field)
	}
	return fmt.Sprintf("policycompiler: %s: %s", loc, e.Message)
}

// Compiled is the output of compiling a Source: the engine-native rule
// text (Rego, for the OPA adapter) plus the metadata needed to upload and
// pin it.
type Compiled struct {
	Version     string
	PackageName string
	Rego        []byte
	Source      *Source
}

// Compile parses and validates raw YAML policy source, then emits the
// compiled Rego module and a content-derived policy_version.
//
// Compilation fails cleanly, with source location, on: unknown field
// names (reported by the YAML decoder with their line), conflicting
// constraints (min > max), and duplicate rule IDs. Rules that an earlier
// rule already shadows are not detected; they compile like any other rule.
func Compile(raw []byte) (*Compiled, error) {
	var src Source
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&src); err != nil {
		return nil, fmt.Errorf("policycompiler: parse: %w", err)
	}

	if src.Version == "" {
		return nil, &ValidationError{Message: "version is required"}
	}
	if _, err := semver.NewVersion(src.Version); err != nil {
		return nil, &ValidationError{Field: "version", Message: fmt.Sprintf("not a valid semver: %v", err)}
	}
	if src.Package == "" {
		return nil, &ValidationError{Message: "package is required"}
	}
	if len(src.Policies) == 0 {
		return nil, &ValidationError{Message: "at least one policy is required"}
	}

	if err := validate(&src); err != nil {
		return nil, err
	}

	rego := render(&src)

	version, err := versionID(raw)
	if err != nil {
		return nil, fmt.Errorf("policycompiler: derive version: %w", err)
	}

	return &Compiled{
		Version:     version,
		PackageName: src.Package,
		Rego:        rego,
		Source:      &src,
	}, nil
}

func validate(src *Source) error {
	for _, p := range src.Policies {
		if p.Name == "" {
			return &ValidationError{Message: "policy name is required"}
		}
		seen := make(map[string]bool, len(p.Rules))
		for _, r := range p.Rules {
			if r.ID == "" {
				return &ValidationError{Policy: p.Name, Message: "rule id is required"}
			}
			if seen[r.ID] {
				return &ValidationError{Policy: p.Name, Rule: r.ID, Message: "duplicate rule id"}
			}
			seen[r.ID] = true

			if r.Action != ActionAllow && r.Action != ActionDeny {
				return &ValidationError{Policy: p.Name, Rule: r.ID, Message: fmt.Sprintf("action must be allow or deny, got %q", r.Action)}
			}

			for field, c := range r.Condition.ParameterConstraints {
				if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
					return &ValidationError{Policy: p.Name, Rule: r.ID, Field: field, Message: "min > max"}
				}
			}
		}
	}
	return nil
}

// versionID derives a stable, content-addressed policy_version from the
// raw source bytes. Using the canonical-JSON hash (rather than a hash of
// the raw YAML bytes) means two byte-different-but-semantically-identical
// documents still land on the same version, matching the determinism
// the policy engine relies on.
func versionID(raw []byte) (string, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	normalized := normalizeYAMLTypes(generic)
	hash, err := canonicalize.CanonicalHash(normalized)
	if err != nil {
		return "", err
	}
	return "sha256:" + hash[:16], nil
}

// normalizeYAMLTypes converts the map[any]any/[]any shapes gopkg.in/yaml.v3
// produces into the map[string]any/[]any shapes canonicalize.JCS expects.
func normalizeYAMLTypes(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAMLTypes(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLTypes(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLTypes(val)
		}
		return out
	default:
		return t
	}
}

// render emits a Rego module implementing the declared rule semantics:
// rules within a policy apply in order, the first matching deny wins over
// later allows, and the default is deny. Each rule contributes exactly
// one partial definition of the allow rule — true for an allow action,
// false for a deny — over its full condition; a rule must never define
// both, since Rego raises an eval conflict when a complete rule is
// assigned two different values for the same input.
func render(src *Source) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n\n", regoPackage(src.Package))
	b.WriteString("default allow = false\n\n")

	for _, p := range src.Policies {
		for _, r := range p.Rules {
			fmt.Fprintf(&b, "# policy=%s rule=%s\n", p.Name, r.ID)
			head := "allow {\n"
			if r.Action == ActionDeny {
				head = "allow = false {\n"
			}
			fmt.Fprintf(&b, head+"\tinput.action == %q\n", fmt.Sprintf("%s.%s", r.Condition.Provider, r.Condition.Method))
			if r.Condition.Environment != "" {
				fmt.Fprintf(&b, "\tinput.environment == %q\n", r.Condition.Environment)
			}
			for field, c := range r.Condition.ParameterConstraints {
				if c.Min != nil {
					fmt.Fprintf(&b, "\tinput.parameters.%s >= %v\n", field, *c.Min)
				}
				if c.Max != nil {
					fmt.Fprintf(&b, "\tinput.parameters.%s <= %v\n", field, *c.Max)
				}
				if c.Equals != nil {
					fmt.Fprintf(&b, "\tinput.parameters.%s == %q\n", field, *c.Equals)
				}
			}
			b.WriteString("}\n\n")
		}
	}

	return []byte(b.String())
}

func regoPackage(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
