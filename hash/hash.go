// Package hash implements the compact image hash the loop-closure engine
// ranks candidates with: a fixed set of random projection basis vectors
// mapping a variable-height descriptor matrix to a fixed-length real
// vector, invariant to keypoint count (up to a cap) and order.
//
// Adapted from go.viam.com/rdk's utils/matrix.SampleNIntegersNormal idiom
// (gonum/stat/distuv sampling with an explicit source) and grounded on
// original_source/include/libhaloc/hash.h's random-projection hash.
package hash

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Basis is the fixed set of P random unit-norm projection vectors sampled
// once on the first non-empty descriptor matrix a Hasher sees. Each row
// is one projection.
type Basis struct {
	B *mat.Dense // P x D
}

// Hasher maps descriptor matrices to fixed-length hash vectors by random
// projection, sorted-prefix summation (spec.md §4.2). It is not safe for
// concurrent use, matching the engine's single-threaded, synchronous
// model (spec.md §5).
type Hasher struct {
	numProj int
	seed    uint64

	basis    *Basis
	refRows  int // K0, the reference keypoint count fixing the prefix length L
	descDim  int // D, fixed once the basis is initialized
}

// New returns a Hasher configured for numProj projections, seeded with
// seed for reproducibility (spec.md §4.2, "Determinism").
func New(numProj int, seed uint64) *Hasher {
	return &Hasher{numProj: numProj, seed: seed}
}

// Initialized reports whether the basis has been sampled yet.
func (h *Hasher) Initialized() bool {
	return h.basis != nil
}

// DescriptorDim returns the descriptor width D captured at initialization,
// or 0 if the Hasher has not been initialized yet.
func (h *Hasher) DescriptorDim() int {
	return h.descDim
}

// Init samples the P x D basis from a standard normal distribution, each
// row normalized to unit length, and fixes the reference keypoint count
// K0 = rows(m) used to clamp the sorted-prefix length for all future
// hashes. Must be called exactly once, with the first non-empty
// descriptor matrix a Hasher will ever see.
func (h *Hasher) Init(m *mat.Dense) error {
	if h.basis != nil {
		return errors.New("hasher already initialized")
	}
	k, d := m.Dims()
	if k == 0 || d == 0 {
		return errors.New("cannot initialize hasher from an empty descriptor matrix")
	}
	if h.numProj <= 0 {
		return errors.New("num_proj must be > 0")
	}

	src := rand.NewSource(h.seed)
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	basis := mat.NewDense(h.numProj, d, nil)
	for i := 0; i < h.numProj; i++ {
		row := make([]float64, d)
		norm := 0.0
		for j := 0; j < d; j++ {
			v := dist.Rand()
			row[j] = v
			norm += v * v
		}
		norm = sqrtNonZero(norm)
		for j := range row {
			row[j] /= norm
		}
		basis.SetRow(i, row)
	}

	h.basis = &Basis{B: basis}
	h.refRows = k
	h.descDim = d
	return nil
}

// Hash computes the hash vector for descriptor matrix m (spec.md §4.2):
// for each basis row, project every descriptor row onto it, sort the
// resulting scalars descending, and sum the first L = min(K, K0) of them.
func (h *Hasher) Hash(m *mat.Dense) (*mat.VecDense, error) {
	if h.basis == nil {
		return nil, errors.New("hasher is not initialized")
	}
	k, d := m.Dims()
	if k == 0 {
		return mat.NewVecDense(h.numProj, nil), nil
	}
	if d != h.descDim {
		return nil, errors.Errorf("descriptor dimension mismatch: hasher expects %d, got %d", h.descDim, d)
	}

	l := k
	if h.refRows < l {
		l = h.refRows
	}

	out := mat.NewVecDense(h.numProj, nil)
	scalars := make([]float64, k)
	for j := 0; j < h.numProj; j++ {
		row := h.basis.B.RawRowView(j)
		for i := 0; i < k; i++ {
			scalars[i] = dot(row, m.RawRowView(i))
		}
		sorted := append([]float64(nil), scalars...)
		sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

		sum := 0.0
		for i := 0; i < l; i++ {
			sum += sorted[i]
		}
		out.SetVec(j, sum)
	}
	return out, nil
}

// Match returns the L1 distance between two hash vectors. Smaller means
// more similar; distances are not normalized (spec.md §4.2).
func Match(h1, h2 *mat.VecDense) float64 {
	n := h1.Len()
	sum := 0.0
	for i := 0; i < n; i++ {
		d := h1.AtVec(i) - h2.AtVec(i)
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func sqrtNonZero(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return math.Sqrt(v)
}
