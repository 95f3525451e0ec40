//go:build property
// +build property

package consensus

import (
	"math"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arome3/ciel/pkg/contracts"
	"github.com/arome3/ciel/pkg/workflow"
)

// Property: the median never leaves the sample's range, no matter how
// extreme the outliers.
func TestMedianWithinSampleRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("median stays within [min, max]", prop.ForAll(
		func(sample []float64) bool {
			if len(sample) == 0 {
				return true
			}
			m := median(sample)
			sorted := append([]float64(nil), sample...)
			sort.Float64s(sorted)
			return m >= sorted[0] && m <= sorted[len(sorted)-1]
		},
		gen.SliceOf(gen.Float64Range(-1e12, 1e12)),
	))

	properties.TestingRun(t)
}

// Property: median is invariant under permutation of the sample.
func TestMedianOrderInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("median ignores submission order", prop.ForAll(
		func(sample []float64) bool {
			if len(sample) == 0 {
				return true
			}
			forward := median(sample)
			reversed := make([]float64, len(sample))
			for i, v := range sample {
				reversed[len(sample)-1-i] = v
			}
			return median(reversed) == forward
		},
		gen.SliceOf(gen.Float64Range(-1e9, 1e9)),
	))

	properties.TestingRun(t)
}

// Property: with quorum q, up to floor((q-1)/2) arbitrary outliers among
// q honest submissions of the same value cannot move the median.
func TestMedianOutlierRobustness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	spec := workflow.ConsensusSpec{
		Fields:   []string{"price"},
		ReportID: "0x01",
		Strategy: workflow.StrategyMedian,
		Quorum:   5,
	}

	properties.Property("outliers below the break point are absorbed", prop.ForAll(
		func(honest float64, outliers []float64) bool {
			if math.IsNaN(honest) {
				return true
			}
			budget := (spec.Quorum - 1) / 2
			if len(outliers) > budget {
				outliers = outliers[:budget]
			}

			var received []contracts.ResultRecord
			for i := 0; i < spec.Quorum; i++ {
				received = append(received, contracts.ResultRecord{
					NodeID:   nodeName(i),
					FiringID: "fir-1",
					Fields:   map[string]contracts.Value{"price": contracts.Number(honest)},
				})
			}
			for i, o := range outliers {
				received[i].Fields = map[string]contracts.Value{"price": contracts.Number(o)}
			}

			res, err := evaluateMedian(received, spec)
			if err != nil || !res.decided || !res.pass {
				return false
			}
			return res.values["price"].Num == honest
		},
		gen.Float64Range(-1e9, 1e9),
		gen.SliceOf(gen.Float64Range(-1e12, 1e12)),
	))

	properties.TestingRun(t)
}

// Property: the Identical strategy's verdict is a pure function of the
// received set, not of arrival order.
func TestIdenticalPermutationInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	spec := workflow.ConsensusSpec{
		Fields:   []string{"v"},
		ReportID: "0x01",
		Strategy: workflow.StrategyIdentical,
		Quorum:   3,
	}

	properties.Property("identical verdict ignores arrival order", prop.ForAll(
		func(values []int8) bool {
			if len(values) == 0 {
				return true
			}
			build := func(vals []int8) []contracts.ResultRecord {
				recs := make([]contracts.ResultRecord, len(vals))
				for i, v := range vals {
					recs[i] = contracts.ResultRecord{
						NodeID:   nodeName(i),
						FiringID: "fir-1",
						Fields:   map[string]contracts.Value{"v": contracts.Number(float64(v))},
					}
				}
				return recs
			}

			forward := build(values)
			reversed := make([]int8, len(values))
			for i, v := range values {
				reversed[len(values)-1-i] = v
			}
			// Keep node identities stable so the received sets are equal.
			backward := build(reversed)
			for i := range backward {
				backward[i].NodeID = nodeName(len(values) - 1 - i)
			}

			resA, errA := evaluateIdentical(forward, spec, len(values))
			resB, errB := evaluateIdentical(backward, spec, len(values))
			if (errA == nil) != (errB == nil) {
				return false
			}
			return resA.decided == resB.decided && resA.pass == resB.pass
		},
		gen.SliceOf(gen.Int8()),
	))

	properties.TestingRun(t)
}

func nodeName(i int) string {
	return "node-" + string(rune('a'+i%26))
}
