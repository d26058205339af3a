package policy_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sealgate/authgate/pkg/policy"
)

// TestCELEngine_DefaultDenyProperty checks that a manifest calling a
// provider/method pair no rule names is denied for every randomly
// generated combination, not just the handful of cases the example-based
// tests happen to cover.
func TestCELEngine_DefaultDenyProperty(t *testing.T) {
	eng, err := policy.NewCELEngine(compileTestSource(t))
	if err != nil {
		t.Fatalf("NewCELEngine: %v", err)
	}

	parameters := gopter.NewProperties(nil)
	parameters.Property("unrecognized provider/method is always denied", prop.ForAll(
		func(provider, method string) bool {
			decision, err := eng.Evaluate(context.Background(), &policy.Manifest{
				Provider: "unmatched-" + provider,
				Method:   "unmatched-" + method,
			})
			if err != nil {
				return false
			}
			return !decision.Approved && decision.DenialReason != ""
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	if !parameters.Run(gopter.ConsoleReporter(false)) {
		t.Fatal("default-deny property failed")
	}
}
