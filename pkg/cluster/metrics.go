package cluster

import "math"

// Silhouette returns the mean silhouette score over points in clusters of
// size >= 2. For each point: a(i) is the mean distance to the rest of its
// cluster, b(i) the minimum over other clusters of the mean distance to that
// cluster's members, s = (b-a)/max(a,b) when max(a,b) > 0 else 0.
//
// Input vectors must be normalized. The result is deterministic and within
// [-1, 1]; fewer than two clusters score 0.
func Silhouette(clusters [][]int, embeddings [][]float64) float64 {
	if len(clusters) < 2 {
		return 0
	}

	total, samples := 0.0, 0
	for ci, members := range clusters {
		if len(members) < 2 {
			continue
		}
		for _, i := range members {
			a := meanDistanceTo(embeddings[i], members, embeddings, i)

			b := math.Inf(1)
			for cj, other := range clusters {
				if cj == ci || len(other) == 0 {
					continue
				}
				if d := meanDistanceTo(embeddings[i], other, embeddings, -1); d < b {
					b = d
				}
			}
			if math.IsInf(b, 1) {
				b = 0
			}

			s := 0.0
			if m := math.Max(a, b); m > 0 {
				s = (b - a) / m
			}
			total += s
			samples++
		}
	}
	if samples == 0 {
		return 0
	}
	return total / float64(samples)
}

// Cohesion is the mean pairwise intra-cluster cosine distance; lower is
// tighter.
func Cohesion(clusters [][]int, embeddings [][]float64) float64 {
	total, pairs := 0.0, 0
	for _, members := range clusters {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				total += CosineDistance(embeddings[members[i]], embeddings[members[j]])
				pairs++
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// Separation is the mean pairwise cosine distance between cluster centroids;
// higher is better separated. Fewer than two clusters score 1.
func Separation(clusters [][]int, embeddings [][]float64) float64 {
	var centroids [][]float64
	for _, members := range clusters {
		if len(members) == 0 {
			continue
		}
		vecs := make([][]float64, len(members))
		for i, m := range members {
			vecs[i] = embeddings[m]
		}
		centroids = append(centroids, MeanCentroid(vecs))
	}
	if len(centroids) < 2 {
		return 1
	}

	total, pairs := 0.0, 0
	for i := 0; i < len(centroids); i++ {
		for j := i + 1; j < len(centroids); j++ {
			total += CosineDistance(centroids[i], centroids[j])
			pairs++
		}
	}
	return total / float64(pairs)
}

func meanDistanceTo(vec []float64, members []int, embeddings [][]float64, skip int) float64 {
	total, count := 0.0, 0
	for _, m := range members {
		if m == skip {
			continue
		}
		total += CosineDistance(vec, embeddings[m])
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
