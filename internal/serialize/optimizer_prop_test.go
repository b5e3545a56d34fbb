package serialize

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCacheRoundTripPreservesValue implements spec.md §8.1's quantified
// invariant: "for every cache hit in SerializationOptimizer:
// deserialize(serialize(v)) == v (JSON equality)." Serializing the same
// value twice guarantees the second call is a cache hit.
func TestCacheRoundTripPreservesValue(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	o := New(DefaultConfig())
	defer o.Shutdown()

	properties.Property("deserialize(serialize(v)) == v on a cache hit", prop.ForAll(
		func(s string, n int64, b bool) bool {
			value := map[string]interface{}{"s": s, "n": float64(n), "b": b}

			encoded, err := o.Serialize(value)
			if err != nil {
				return false
			}
			encodedAgain, err := o.Serialize(value)
			if err != nil || encodedAgain != encoded {
				return false
			}

			decoded, err := o.Deserialize(encodedAgain)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(value, decoded)
		},
		gen.AlphaString(),
		gen.Int64Range(-1000000, 1000000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
