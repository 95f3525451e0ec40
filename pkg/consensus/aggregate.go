package consensus

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/arome3/ciel/pkg/contracts"
	"github.com/arome3/ciel/pkg/workflow"
)

// outcome of one evaluation pass over a round's received set.
type evalResult struct {
	decided bool
	pass    bool
	reason  FailReason
	values  map[string]contracts.Value
}

var keepCollecting = evalResult{}

// projectionKey returns the canonical (RFC 8785) byte encoding of the
// record's consensus-field projection. Byte-for-byte equality of these
// keys is the Identical strategy's agreement test. Fields the record did
// not produce are omitted, which makes a partial record its own group.
func projectionKey(rec contracts.ResultRecord, fields []string) (string, error) {
	proj := make(map[string]contracts.Value, len(fields))
	for _, f := range fields {
		if v, ok := rec.Fields[f]; ok {
			proj[f] = v
		}
	}
	raw, err := json.Marshal(proj)
	if err != nil {
		return "", fmt.Errorf("consensus: encode projection: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("consensus: canonicalize projection: %w", err)
	}
	return string(canon), nil
}

// evaluateIdentical looks for a quorum-sized set of byte-identical
// projections.
//
//   - exactly one projection reaches quorum: pass with that projection;
//   - two or more disjoint projections reach quorum: mismatch (no
//     tie-break is defined, so the round fails);
//   - everyone reported and nothing reached quorum: mismatch;
//   - otherwise: keep collecting.
func evaluateIdentical(received []contracts.ResultRecord, spec workflow.ConsensusSpec, participants int) (evalResult, error) {
	groups := make(map[string][]int) // projection key -> indexes into received
	for i, rec := range received {
		key, err := projectionKey(rec, spec.Fields)
		if err != nil {
			return keepCollecting, err
		}
		groups[key] = append(groups[key], i)
	}

	var winners []string
	for key, members := range groups {
		if len(members) >= spec.Quorum {
			winners = append(winners, key)
		}
	}

	switch {
	case len(winners) == 1:
		sample := received[groups[winners[0]][0]]
		values := make(map[string]contracts.Value, len(spec.Fields))
		for _, f := range spec.Fields {
			if v, ok := sample.Fields[f]; ok {
				values[f] = v
			}
		}
		// A winning projection missing a declared field means the quorum
		// agreed on a partial result; that is not agreement on the
		// declared field set.
		if len(values) != len(spec.Fields) {
			return evalResult{decided: true, reason: ReasonMismatch}, nil
		}
		return evalResult{decided: true, pass: true, values: values}, nil
	case len(winners) > 1:
		return evalResult{decided: true, reason: ReasonMismatch}, nil
	case len(received) >= participants:
		// No more submissions possible and no agreeing quorum exists.
		return evalResult{decided: true, reason: ReasonMismatch}, nil
	default:
		return keepCollecting, nil
	}
}

// evaluateMedian decides once quorum submissions are in: numeric fields
// take the per-field median across all received values (even counts
// average the two middle values), which tolerates up to
// floor((quorum-1)/2) deviating submissions without skewing the result.
// Non-numeric fields fall back to the Identical rule among received
// values and fail the round on any disagreement.
func evaluateMedian(received []contracts.ResultRecord, spec workflow.ConsensusSpec) (evalResult, error) {
	if len(received) < spec.Quorum {
		return keepCollecting, nil
	}

	values := make(map[string]contracts.Value, len(spec.Fields))
	for _, f := range spec.Fields {
		var nums []float64
		var nonNumeric []contracts.Value
		for _, rec := range received {
			v, ok := rec.Fields[f]
			if !ok {
				continue
			}
			if v.Kind == contracts.KindNumber {
				nums = append(nums, v.Num)
			} else {
				nonNumeric = append(nonNumeric, v)
			}
		}

		switch {
		case len(nums) > 0 && len(nonNumeric) > 0:
			// Nodes disagree on the field's type; nothing to aggregate.
			return evalResult{decided: true, reason: ReasonMismatch}, nil
		case len(nums) > 0:
			values[f] = contracts.Number(median(nums))
		case len(nonNumeric) > 0:
			first := nonNumeric[0]
			for _, v := range nonNumeric[1:] {
				if !v.Equal(first) {
					return evalResult{decided: true, reason: ReasonMismatch}, nil
				}
			}
			values[f] = first
		default:
			// No node produced the field at all.
			return evalResult{decided: true, reason: ReasonMismatch}, nil
		}
	}
	return evalResult{decided: true, pass: true, values: values}, nil
}

// median of a non-empty sample; even counts average the two middle
// values.
func median(sample []float64) float64 {
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
