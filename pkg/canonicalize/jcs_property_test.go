package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestJCS_InjectiveOnDistinctFlatMaps checks that two maps built from
// distinct, randomly generated key/value pairs never canonicalize to the
// same byte string — the property the seal signer relies on to treat
// equal canonical bytes as equal manifests.
func TestJCS_InjectiveOnDistinctFlatMaps(t *testing.T) {
	parameters := gopter.NewProperties(nil)
	parameters.Property("distinct flat string maps canonicalize to distinct bytes", prop.ForAll(
		func(k1, v1, k2, v2 string) bool {
			m1 := map[string]string{k1: v1}
			m2 := map[string]string{k2: v2}

			b1, err1 := JCS(m1)
			b2, err2 := JCS(m2)
			if err1 != nil || err2 != nil {
				return true // malformed inputs aren't this property's concern
			}

			same := string(b1) == string(b2)
			distinctInputs := k1 != k2 || v1 != v2
			if distinctInputs && same {
				return false
			}
			return true
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	if !parameters.Run(gopter.ConsoleReporter(false)) {
		t.Fatal("injectivity property failed")
	}
}
