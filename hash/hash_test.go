package hash

import (
	"math/rand"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func randomDescriptors(k, d int, seed int64) *mat.Dense {
	r := rand.New(rand.NewSource(seed))
	data := make([]float64, k*d)
	for i := range data {
		data[i] = r.NormFloat64()
	}
	return mat.NewDense(k, d, data)
}

func permuteRows(m *mat.Dense, order []int) *mat.Dense {
	k, d := m.Dims()
	out := mat.NewDense(k, d, nil)
	for i, src := range order {
		out.SetRow(i, m.RawRowView(src))
	}
	return out
}

func TestHasherInitAndHashDims(t *testing.T) {
	h := New(16, 42)
	m := randomDescriptors(50, 8, 1)
	test.That(t, h.Init(m), test.ShouldBeNil)
	test.That(t, h.Initialized(), test.ShouldBeTrue)

	hv, err := h.Hash(m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hv.Len(), test.ShouldEqual, 16)
}

func TestHasherDeterministic(t *testing.T) {
	m := randomDescriptors(30, 8, 2)

	h1 := New(10, 7)
	test.That(t, h1.Init(m), test.ShouldBeNil)
	v1, err := h1.Hash(m)
	test.That(t, err, test.ShouldBeNil)

	h2 := New(10, 7)
	test.That(t, h2.Init(m), test.ShouldBeNil)
	v2, err := h2.Hash(m)
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < v1.Len(); i++ {
		test.That(t, v1.AtVec(i), test.ShouldEqual, v2.AtVec(i))
	}
}

func TestHasherPermutationInvariance(t *testing.T) {
	m := randomDescriptors(40, 8, 3)
	h := New(12, 99)
	test.That(t, h.Init(m), test.ShouldBeNil)

	original, err := h.Hash(m)
	test.That(t, err, test.ShouldBeNil)

	order := rand.New(rand.NewSource(4)).Perm(40)
	permuted := permuteRows(m, order)
	viaPermuted, err := h.Hash(permuted)
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < original.Len(); i++ {
		test.That(t, viaPermuted.AtVec(i), test.ShouldAlmostEqual, original.AtVec(i))
	}
}

func TestHasherDimensionMismatch(t *testing.T) {
	m := randomDescriptors(20, 8, 5)
	h := New(8, 1)
	test.That(t, h.Init(m), test.ShouldBeNil)

	wrongDim := randomDescriptors(20, 16, 5)
	_, err := h.Hash(wrongDim)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestHasherFewerKeypointsThanReference(t *testing.T) {
	ref := randomDescriptors(50, 8, 6)
	h := New(8, 1)
	test.That(t, h.Init(ref), test.ShouldBeNil)

	fewer := randomDescriptors(5, 8, 7)
	hv, err := h.Hash(fewer)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hv.Len(), test.ShouldEqual, 8)
}

func TestHasherEmptyDescriptors(t *testing.T) {
	ref := randomDescriptors(50, 8, 8)
	h := New(8, 1)
	test.That(t, h.Init(ref), test.ShouldBeNil)

	empty := &mat.Dense{} // zero rows; mat.NewDense panics on a zero dimension
	hv, err := h.Hash(empty)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < hv.Len(); i++ {
		test.That(t, hv.AtVec(i), test.ShouldEqual, 0.0)
	}
}

func TestMatchL1Distance(t *testing.T) {
	h1 := mat.NewVecDense(3, []float64{1, 2, 3})
	h2 := mat.NewVecDense(3, []float64{4, 0, 3})
	test.That(t, Match(h1, h2), test.ShouldEqual, 5.0)
}

func TestInitTwiceFails(t *testing.T) {
	m := randomDescriptors(10, 4, 9)
	h := New(4, 1)
	test.That(t, h.Init(m), test.ShouldBeNil)
	test.That(t, h.Init(m), test.ShouldNotBeNil)
}

func TestInitRejectsEmptyMatrix(t *testing.T) {
	h := New(4, 1)
	empty := &mat.Dense{} // zero rows; mat.NewDense panics on a zero dimension
	test.That(t, h.Init(empty), test.ShouldNotBeNil)
}
