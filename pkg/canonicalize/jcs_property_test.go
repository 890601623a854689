package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestHashDeterminism checks that inserting the same pairs in a different
// order yields the same digest.
func TestHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash ignores construction order", prop.ForAll(
		func(keys []string, values []int64) bool {
			forward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward[keys[i]] = values[i]
			}

			backward := make(map[string]any)
			for i := len(keys) - 1; i >= 0; i-- {
				if i < len(values) {
					if _, seen := backward[keys[i]]; !seen {
						backward[keys[i]] = forward[keys[i]]
					}
				}
			}

			return Hash(forward) == Hash(backward)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64Range(-1<<40, 1<<40)),
	))

	properties.TestingRun(t)
}
