package vector

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

// MaxBits is the largest supported bucket signature width.
const MaxBits = 64

// Projection is a fixed random hyperplane set used for locality-sensitive bucketing.
// Bit i of a signature is set when dot(vec, plane_i) > 0, so vectors with a small angle
// between them share a bucket with high probability, not with certainty.
type Projection struct {
	bits   int
	dims   int
	planes []float32 // row-major: bits rows of dims
}

// NewProjection draws bits Gaussian hyperplanes of dimension dims from a seeded source.
// The same (bits, dims, seed) always yields the same projection.
func NewProjection(bits, dims int, seed uint64) (*Projection, error) {
	if bits < 1 || bits > MaxBits {
		return nil, fmt.Errorf("bucket bits must be in [1, %d], got %d", MaxBits, bits)
	}
	if dims < 1 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dims)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	planes := make([]float32, bits*dims)
	for i := range planes {
		planes[i] = float32(rng.NormFloat64())
	}
	return &Projection{bits: bits, dims: dims, planes: planes}, nil
}

func projectionFromPlanes(bits, dims int, planes []float32) (*Projection, error) {
	if len(planes) != bits*dims {
		return nil, fmt.Errorf("projection has %d values, want %d x %d", len(planes), bits, dims)
	}
	return &Projection{bits: bits, dims: dims, planes: planes}, nil
}

// Bits returns the signature width.
func (p *Projection) Bits() int { return p.bits }

// Signature returns the bucket signature of vec. vec must have the projection's dimension.
func (p *Projection) Signature(vec []float32) uint64 {
	var sig uint64
	for i := 0; i < p.bits; i++ {
		row := p.planes[i*p.dims : (i+1)*p.dims]
		if Dot(row, vec) > 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// BucketID renders a signature as a fixed-width binary string.
func BucketID(sig uint64, bits int) string {
	s := strconv.FormatUint(sig, 2)
	for len(s) < bits {
		s = "0" + s
	}
	return s
}

// neighbors returns the signatures at Hamming distance 1 from sig.
func neighbors(sig uint64, bits int) []uint64 {
	out := make([]uint64, bits)
	for i := 0; i < bits; i++ {
		out[i] = sig ^ (1 << uint(i))
	}
	return out
}
