package cluster

// SinglePassOptions tunes the batch clusterer.
type SinglePassOptions struct {
	// Threshold is the maximum cosine distance to join an existing cluster.
	Threshold float64
	// MinSize drops clusters with fewer members after the pass.
	MinSize int
}

// BatchCluster is one cluster found by SinglePass. Members index into the
// input embedding slice; the centroid is the normalized mean of the members.
type BatchCluster struct {
	Members  []int
	Centroid []float64
}

// SinglePass clusters embeddings in one sequential sweep: each vector joins
// the nearest centroid within the threshold (updating that centroid to the
// normalized member mean) or starts a new cluster. Clusters smaller than
// MinSize are dropped after the pass.
//
// Input vectors are normalized internally; callers may pass raw embeddings.
func SinglePass(embeddings [][]float64, opts SinglePassOptions) []BatchCluster {
	normalized := make([][]float64, len(embeddings))
	for i, e := range embeddings {
		normalized[i] = Normalize(e)
	}

	var clusters []BatchCluster
	for idx, vec := range normalized {
		bestIdx, bestDist := -1, 0.0
		for ci := range clusters {
			d := CosineDistance(vec, clusters[ci].Centroid)
			if bestIdx < 0 || d < bestDist {
				bestIdx, bestDist = ci, d
			}
		}

		if bestIdx >= 0 && bestDist <= opts.Threshold {
			c := &clusters[bestIdx]
			c.Members = append(c.Members, idx)
			members := make([][]float64, len(c.Members))
			for i, m := range c.Members {
				members[i] = normalized[m]
			}
			c.Centroid = MeanCentroid(members)
		} else {
			clusters = append(clusters, BatchCluster{
				Members:  []int{idx},
				Centroid: append([]float64(nil), vec...),
			})
		}
	}

	minSize := opts.MinSize
	if minSize < 1 {
		minSize = 1
	}
	kept := clusters[:0]
	for _, c := range clusters {
		if len(c.Members) >= minSize {
			kept = append(kept, c)
		}
	}
	return kept
}

// NormalizedMembers returns the normalized vectors of a cluster's members.
func NormalizedMembers(c BatchCluster, embeddings [][]float64) [][]float64 {
	out := make([][]float64, len(c.Members))
	for i, m := range c.Members {
		out[i] = Normalize(embeddings[m])
	}
	return out
}
