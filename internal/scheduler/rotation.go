package scheduler

import (
	"math/rand"
	"sort"

	"github.com/hyperbridge/llmgateway/internal/credential"
)

// RotationMode selects how a sub-tier of otherwise-equal candidates is
// ordered.
type RotationMode string

const (
	// RotationBalanced is weighted-random biased toward least-used.
	RotationBalanced RotationMode = "balanced"
	// RotationSequential prefers the most-used (sticky) candidate.
	RotationSequential RotationMode = "sequential"
)

type candidate struct {
	rec      *credential.Record
	tier     int
	inFlight int
	usage    int64
}

// pick selects one candidate from a sub-tier according to mode. cands must
// be non-empty.
func pick(mode RotationMode, tolerance float64, rng *rand.Rand, cands []candidate) *candidate {
	switch mode {
	case RotationSequential:
		return pickSequential(cands)
	default:
		return pickBalanced(rng, tolerance, cands)
	}
}

// pickSequential prefers the most-used credential still in the candidate
// set, i.e. it stays "sticky" to whichever credential is already carrying
// the load rather than spreading requests thin.
func pickSequential(cands []candidate) *candidate {
	sorted := append([]candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].usage > sorted[j].usage })
	return &sorted[0]
}

// pickBalanced is weighted-random biased toward the least-used candidate.
// tolerance == 0 is strict least-used deterministic selection; larger
// values flatten the weighting toward uniform randomization.
func pickBalanced(rng *rand.Rand, tolerance float64, cands []candidate) *candidate {
	sorted := append([]candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].usage < sorted[j].usage })

	if tolerance <= 0 {
		return &sorted[0]
	}

	weights := make([]float64, len(sorted))
	total := 0.0
	for i, c := range sorted {
		w := 1.0/(float64(c.usage)+1.0) + tolerance
		weights[i] = w
		total += w
	}

	r := rng.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if r <= cum {
			return &sorted[i]
		}
	}
	return &sorted[len(sorted)-1]
}

func splitIdleBusy(cands []candidate) (idle, busy []candidate) {
	for _, c := range cands {
		if c.inFlight == 0 {
			idle = append(idle, c)
		} else {
			busy = append(busy, c)
		}
	}
	return idle, busy
}
