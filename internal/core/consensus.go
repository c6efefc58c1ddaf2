package core

import (
	"math"
	"sort"
)

// ConsensusResult is derived from the revealed ledger, never stored beyond
// the round it was computed for.
type ConsensusResult struct {
	Average           int     `json:"average"`
	Median            float64 `json:"median"`
	Min               int     `json:"min"`
	Max               int     `json:"max"`
	HasConsensus      bool    `json:"has_consensus"`
	SuggestedEstimate int     `json:"suggested_estimate"`
	Voted             int     `json:"voted"`
	Passed            int     `json:"passed"`
}

// consensusSpread is the max-min distance still treated as practical
// agreement on the ordinal scale. Kept fixed regardless of vote magnitude
// pending product clarification.
const consensusSpread = 2

// Consensus computes summary statistics over the numeric votes of a round.
// Passes are excluded from every statistic but reported for participation.
// An empty value set means "no data", not agreement.
func Consensus(values []int, passed int) ConsensusResult {
	res := ConsensusResult{Voted: len(values), Passed: passed}
	if len(values) == 0 {
		return res
	}

	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)

	sum := 0
	for _, v := range sorted {
		sum += v
	}
	mean := float64(sum) / float64(len(sorted))

	res.Min = sorted[0]
	res.Max = sorted[len(sorted)-1]
	res.Median = median(sorted)
	// The scale is integral; ties round up.
	res.Average = int(math.Floor(mean + 0.5))
	res.SuggestedEstimate = res.Average
	res.HasConsensus = res.Max-res.Min <= consensusSpread
	return res
}

func median(sorted []int) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}
