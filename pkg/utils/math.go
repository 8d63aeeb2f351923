package utils

import "math"

// NormalizeL2 normalizes the slice in place to unit L2 norm.
// If the norm is zero, the slice is unchanged.
func NormalizeL2(x []float32) {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
}

// CloneVector returns a copy of x, nil for nil.
func CloneVector(x []float32) []float32 {
	if x == nil {
		return nil
	}
	out := make([]float32, len(x))
	copy(out, x)
	return out
}
