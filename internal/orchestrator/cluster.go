package orchestrator

// clusterRepresentatives merges near-duplicate candidates, keeping only the
// highest-scoring representative of each overlap cluster. Input order is
// preserved for the survivors so the later sort stays deterministic.
func clusterRepresentatives(candidates []candidate) []candidate {
	if len(candidates) < 2 {
		return candidates
	}

	suppressed := make([]bool, len(candidates))
	for i := 0; i < len(candidates); i++ {
		if suppressed[i] {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] {
				continue
			}
			if tokenSimilarity(candidates[i].contentTokens, candidates[j].contentTokens) < clusterSimilarityCutoff {
				continue
			}
			// Same cluster: keep the stronger one.
			if candidates[j].score > candidates[i].score {
				suppressed[i] = true
				break
			}
			suppressed[j] = true
		}
	}

	out := candidates[:0]
	for i, c := range candidates {
		if !suppressed[i] {
			out = append(out, c)
		}
	}
	return out
}
