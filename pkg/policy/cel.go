package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/sealgate/authgate/pkg/policycompiler"
)

// celRule is a compiled, ready-to-evaluate form of one declarative rule.
type celRule struct {
	id       string
	action   policycompiler.Action
	reason   string
	program  cel.Program
	provider string
	method   string
}

// CELEngine is the local, in-process policy backend: it evaluates a
// compiled policy directly against the manifest without a network hop,
// using google/cel-go to compile and cache each rule's condition exactly
// as governance.CELPolicyEvaluator does for module activation checks.
// Like OPAEngine, it is strictly fail-closed: a rule that fails to
// evaluate is treated as not matching rather than as an error.
type CELEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	version  string
	rules    []celRule
	prgCache map[string]cel.Program
	compiled *policycompiler.Compiled
}

// NewCELEngine compiles every rule in compiled.Source into a cached CEL
// program. The environment exposes a single dynamic "manifest" variable
// whose fields mirror Manifest (provider, method, environment,
// parameters).
func NewCELEngine(compiled *policycompiler.Compiled) (*CELEngine, error) {
	if compiled == nil || compiled.Source == nil {
		return nil, fmt.Errorf("policy: NewCELEngine requires a compiled source")
	}

	env, err := cel.NewEnv(
		cel.Variable("manifest", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}

	e := &CELEngine{
		env:      env,
		version:  compiled.Version,
		prgCache: make(map[string]cel.Program),
		compiled: compiled,
	}

	if err := e.load(compiled); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *CELEngine) load(compiled *policycompiler.Compiled) error {
	var rules []celRule
	for _, p := range compiled.Source.Policies {
		for _, r := range p.Rules {
			expr := constraintExpr(r.Condition)
			prg, err := e.compile(expr)
			if err != nil {
				return fmt.Errorf("policy: compile rule %s/%s: %w", p.Name, r.ID, err)
			}
			rules = append(rules, celRule{
				id:       r.ID,
				action:   r.Action,
				reason:   r.Reason,
				program:  prg,
				provider: r.Condition.Provider,
				method:   r.Condition.Method,
			})
		}
	}
	e.rules = rules
	return nil
}

func (e *CELEngine) compile(expr string) (cel.Program, error) {
	if prg, ok := e.prgCache[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, err
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// constraintExpr renders a rule's condition as a CEL boolean expression
// over the "manifest" input variable. Provider/method/environment are
// required equalities; parameter constraints are a conjunction over
// manifest.parameters.
func constraintExpr(c policycompiler.Condition) string {
	terms := []string{
		fmt.Sprintf("manifest.provider == %q", c.Provider),
		fmt.Sprintf("manifest.method == %q", c.Method),
	}
	if c.Environment != "" {
		terms = append(terms, fmt.Sprintf("manifest.environment == %q", c.Environment))
	}
	for field, cons := range c.ParameterConstraints {
		ref := fmt.Sprintf("manifest.parameters[%q]", field)
		if cons.Min != nil {
			terms = append(terms, fmt.Sprintf("(%s >= %v)", ref, *cons.Min))
		}
		if cons.Max != nil {
			terms = append(terms, fmt.Sprintf("(%s <= %v)", ref, *cons.Max))
		}
		if cons.Equals != nil {
			terms = append(terms, fmt.Sprintf("(%s == %q)", ref, *cons.Equals))
		}
		if len(cons.In) > 0 {
			terms = append(terms, fmt.Sprintf("(%s in %s)", ref, stringListLiteral(cons.In)))
		}
		if len(cons.NotIn) > 0 {
			terms = append(terms, fmt.Sprintf("(!(%s in %s))", ref, stringListLiteral(cons.NotIn)))
		}
	}

	expr := terms[0]
	for _, t := range terms[1:] {
		expr += " && " + t
	}
	return expr
}

func stringListLiteral(values []string) string {
	out := "["
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", v)
	}
	return out + "]"
}

// Evaluate implements Engine. A matching deny rule always wins, even over
// an allow rule that also matched; absent any match the policy denies by
// default.
func (e *CELEngine) Evaluate(ctx context.Context, m *Manifest) (Decision, error) {
	if m == nil {
		return Decision{}, fmt.Errorf("policy: nil manifest")
	}

	e.mu.RLock()
	rules := e.rules
	version := e.version
	e.mu.RUnlock()

	return withDeadline(ctx, DefaultEvaluationDeadline, func(context.Context) (Decision, error) {
		input := map[string]any{
			"manifest": map[string]any{
				"provider":    m.Provider,
				"method":      m.Method,
				"environment": m.Environment,
				"parameters":  m.Parameters,
			},
		}

		var (
			matched      []string
			allowReason  string
			denyDecision *Decision
		)

		for _, r := range rules {
			out, _, err := r.program.Eval(input)
			if err != nil {
				// A rule that can't evaluate on this input (e.g. a missing
				// parameter field) simply doesn't match; it is not an
				// engine failure.
				continue
			}
			match, ok := out.Value().(bool)
			if !ok || !match {
				continue
			}

			matched = append(matched, r.id)
			if r.action == policycompiler.ActionDeny {
				if denyDecision == nil {
					d := Decision{
						Approved:      false,
						DenialReason:  r.reason,
						PolicyVersion: version,
						MatchedRules:  matched,
					}
					denyDecision = &d
				}
			} else if allowReason == "" {
				allowReason = r.id
			}
		}

		if denyDecision != nil {
			denyDecision.MatchedRules = matched
			return *denyDecision, nil
		}
		if allowReason != "" {
			return Decision{
				Approved:      true,
				PolicyVersion: version,
				MatchedRules:  matched,
			}, nil
		}
		return Decision{
			Approved:      false,
			DenialReason:  "no matching policy rule",
			PolicyVersion: version,
			MatchedRules:  matched,
		}, nil
	})
}

// Version implements Engine.
func (e *CELEngine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// SetCompiled replaces the policy artifact Reload will activate next. The
// currently active rules are unaffected until Reload runs, so in-flight
// evaluations always see a consistent version.
func (e *CELEngine) SetCompiled(compiled *policycompiler.Compiled) {
	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
}

// Reload implements Engine: it recompiles against the held policy
// artifact (set at construction, or by SetCompiled) and atomically
// activates the result.
func (e *CELEngine) Reload(ctx context.Context) error {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()
	if compiled == nil {
		return fmt.Errorf("policy: no compiled policy to activate")
	}

	next := &CELEngine{
		env:      e.env,
		prgCache: make(map[string]cel.Program),
	}
	if err := next.load(compiled); err != nil {
		return err
	}

	e.mu.Lock()
	e.rules = next.rules
	e.version = compiled.Version
	e.prgCache = next.prgCache
	e.mu.Unlock()
	return nil
}
