package directory

import "github.com/zeebo/xxh3"

// pickWorker chooses a claim winner among candidate workers using
// rendezvous (highest-random-weight) hashing: each worker is scored by
// hashing its id with a seed derived from the document id, and the highest
// score wins.
//
// The choice is deterministic for a given document and candidate set, so
// concurrent claimants converge on the same worker even before the
// coordination store settles the race, and a document tends to return to
// the same worker while the pool is stable.
func pickWorker(docID string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}

	seed := xxh3.HashString(docID)

	best := candidates[0]
	bestScore := xxh3.HashStringSeed(candidates[0], seed)
	for _, id := range candidates[1:] {
		score := xxh3.HashStringSeed(id, seed)
		if score > bestScore || (score == bestScore && id < best) {
			best = id
			bestScore = score
		}
	}

	return best
}
