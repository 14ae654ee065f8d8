package index

import "sort"

// rrfK is the rank-smoothing constant in reciprocal rank fusion.
const rrfK = 60

// fuseRRF merges ranked lists with weighted reciprocal rank fusion:
// each document scores the sum over lists of weight/(k + rank), rank
// being its 1-based position. Documents absent from a list contribute
// nothing for it.
func fuseRRF(lists [][]ranked, weights []float64) []ranked {
	scores := make(map[int]float64)
	for li, list := range lists {
		w := 1.0
		if li < len(weights) {
			w = weights[li]
		}
		for pos, r := range list {
			scores[r.doc] += w / float64(rrfK+pos+1)
		}
	}
	out := make([]ranked, 0, len(scores))
	for doc, score := range scores {
		out = append(out, ranked{doc: doc, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].doc < out[j].doc
		}
		return out[i].score > out[j].score
	})
	return out
}

// minMaxNormalize rescales scores into [0,1] in place. A constant list
// maps to all ones so downstream ordering is untouched.
func minMaxNormalize(scores []float64) {
	if len(scores) == 0 {
		return
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if hi == lo {
		for i := range scores {
			scores[i] = 1
		}
		return
	}
	for i := range scores {
		scores[i] = (scores[i] - lo) / (hi - lo)
	}
}
