package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ComputeFundamentalMatrixAllPoints computes the fundamental matrix from
// all given point correspondences via the normalized 8-point algorithm
// (Hartley & Zisserman, Multiple View Geometry, Alg 11.1). Adapted from
// go.viam.com/rdk's rimage/transform.ComputeFundamentalMatrixAllPoints.
func ComputeFundamentalMatrixAllPoints(pts1, pts2 []r2.Point, normalize bool) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < 8 {
		return nil, errors.New("sets of points must have at least 8 elements")
	}
	nPoints := len(pts1)

	var points1, points2 []r2.Point
	var t1, t2 *mat.Dense
	if normalize {
		points1, t1 = normalizePoints(pts1)
		points2, t2 = normalizePoints(pts2)
	} else {
		points1 = append([]r2.Point(nil), pts1...)
		points2 = append([]r2.Point(nil), pts2...)
		t1 = eye(3)
		t2 = eye(3)
	}

	m := mat.NewDense(nPoints, 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	svd1 := performSVD(m)
	if svd1 == nil {
		return nil, errors.New("failed to factorize point correspondence matrix")
	}
	lastCol := svd1.V.ColView(8)
	fData := make([]float64, 9)
	for i := range fData {
		fData[i] = lastCol.AtVec(i)
	}
	f := mat.NewDense(3, 3, fData)

	// enforce rank 2
	svd2 := performSVD(f)
	if svd2 == nil {
		return nil, errors.New("failed to factorize candidate fundamental matrix")
	}
	s := svd2.S
	s.Set(2, 2, 0)
	fHat := mat.NewDense(3, 3, nil)
	fHat.Mul(svd2.U, s)
	f.Mul(fHat, svd2.VT)

	// denormalize: T2^T @ F @ T1
	f.Mul(transposeDense(t2), f)
	f.Mul(f, t1)

	if math.Abs(f.At(2, 2)) > 1e-12 {
		f.Scale(1/f.At(2, 2), f)
	}
	return f, nil
}

// SampsonDistance returns the Sampson distance (first-order approximation
// to the geometric reprojection error) of the correspondence (p1, p2)
// against fundamental matrix f. Used by the RANSAC inlier test in ransac.go.
func SampsonDistance(f *mat.Dense, p1, p2 r2.Point) float64 {
	x1 := mat.NewVecDense(3, []float64{p1.X, p1.Y, 1})
	x2 := mat.NewVecDense(3, []float64{p2.X, p2.Y, 1})

	var fx1 mat.VecDense
	fx1.MulVec(f, x1)
	var ftx2 mat.VecDense
	ftx2.MulVec(f.T(), x2)

	var x2tfx1 mat.Dense
	x2tfx1.Mul(x2.T(), &fx1)
	num := x2tfx1.At(0, 0)
	num *= num

	denom := fx1.AtVec(0)*fx1.AtVec(0) + fx1.AtVec(1)*fx1.AtVec(1) +
		ftx2.AtVec(0)*ftx2.AtVec(0) + ftx2.AtVec(1)*ftx2.AtVec(1)
	if denom < 1e-12 {
		return math.Inf(1)
	}
	return num / denom
}

// IsDegenerate reports whether f is unusable as a fundamental matrix: too
// close to the zero matrix, or numerically rank-deficient below 2.
// SPEC_FULL.md notes the source's own check (sum of the first row's
// entries against 1e-3) is fragile and specifies a sounder rank check.
// Here the sum of the absolute values of all nine entries is tested
// against 1e-3, and the rank check is applied after it.
func IsDegenerate(f *mat.Dense) bool {
	if f == nil {
		return true
	}
	sum := 0.0
	r, c := f.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sum += math.Abs(f.At(i, j))
		}
	}
	if sum < 1e-3 {
		return true
	}
	svd := performSVD(f)
	if svd == nil {
		return true
	}
	// rank < 2 means the two largest singular values are degenerate.
	s0, s1 := svd.S.At(0, 0), svd.S.At(1, 1)
	return s1 <= 1e-9*math.Max(s0, 1)
}

// normalizePoints normalizes points to have centroid at origin and
// average distance sqrt(2) from it (Multiple View Geometry, Alg 11.1).
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	n := len(pts)
	var mu r2.Point
	for _, pt := range pts {
		mu.X += pt.X
		mu.Y += pt.Y
	}
	mu = mu.Mul(1. / float64(n))

	d := 0.0
	for _, pt := range pts {
		dx, dy := pt.X-mu.X, pt.Y-mu.Y
		d += math.Sqrt(dx*dx+dy*dy) / float64(n)
	}
	scale := math.Sqrt2
	if d > 1e-12 {
		scale = math.Sqrt2 / d
	}

	out := make([]r2.Point, n)
	for i, pt := range pts {
		out[i] = r2.Point{X: scale * (pt.X - mu.X), Y: scale * (pt.Y - mu.Y)}
	}
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	return out, t
}

func transposeDense(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	out.Copy(m.T())
	return out
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

type svdResult struct {
	U, V, VT, S *mat.Dense
}

func performSVD(m *mat.Dense) *svdResult {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return nil
	}
	u, v, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())
	values := svd.Values(nil)
	s := mat.NewDense(len(values), len(values), nil)
	for i, val := range values {
		s.Set(i, i, val)
	}
	return &svdResult{U: u, V: v, VT: vt, S: s}
}
