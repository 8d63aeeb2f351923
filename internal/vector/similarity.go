package vector

import "math"

// Dot returns the inner product of a and b accumulated in float64.
// Vectors of different length yield 0.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns sqrt(sum(x_i^2)).
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Cosine returns the cosine similarity of a and b given their precomputed norms,
// clamped to [-1, 1]. A zero norm on either side yields 0.
func Cosine(a, b []float32, normA, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	s := Dot(a, b) / (normA * normB)
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// CosineSimilarity computes cosine similarity without precomputed norms.
func CosineSimilarity(a, b []float32) float64 {
	return Cosine(a, b, L2Norm(a), L2Norm(b))
}

func finite(vec []float32) bool {
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
