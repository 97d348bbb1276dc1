// Package cluster implements the prototype-clustering core: the single-pass
// batch clusterer, the online assign-or-create clusterer, the quality metric
// math, and the Redis-backed metrics tracker.
package cluster

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Normalize returns vec scaled to unit L2 norm. Zero-norm vectors are treated
// as already unit norm so downstream distances never divide by zero.
func Normalize(vec []float64) []float64 {
	out := append([]float64(nil), vec...)
	norm := math.Sqrt(floats.Dot(out, out))
	if norm == 0 {
		return out
	}
	floats.Scale(1/norm, out)
	return out
}

// CosineDistance is 1 - dot(a, b) for unit vectors, clamped against numeric
// drift so results stay within [0, 2].
func CosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	dot := floats.Dot(a, b)
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return 1 - dot
}

// MeanCentroid is the normalized mean of the given unit vectors.
func MeanCentroid(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	acc := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		floats.Add(acc, v)
	}
	floats.Scale(1/float64(len(vectors)), acc)
	return Normalize(acc)
}

// MedoidIndex returns the member index whose vector is closest to centroid.
func MedoidIndex(members []int, vectors [][]float64, centroid []float64) int {
	best := members[0]
	bestDist := math.Inf(1)
	for _, i := range members {
		if d := CosineDistance(vectors[i], centroid); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// Stats summarizes a sample of values.
type Stats struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// ComputeStats returns mean/std/min/max over values; zeroes for an empty set.
func ComputeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	s := Stats{Min: values[0], Max: values[0], Count: len(values)}
	for _, v := range values {
		s.Mean += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - s.Mean) * (v - s.Mean)
	}
	s.Std = math.Sqrt(variance / float64(len(values)))
	return s
}
