package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var sqrt3 = math.Sqrt(3)

// SolvePnPDLT recovers a camera pose (rotation, translation) from at least
// 6 3-D-to-2-D correspondences via the direct linear transform: build the
// 3x4 projection matrix by solving a homogeneous linear system with SVD
// (the same null-space technique go.viam.com/rdk's
// rimage/transform.GetLinearTriangulatedPoints uses for triangulation),
// then re-orthogonalize the rotation block via a Procrustes SVD so the
// result is a valid rotation matrix.
func SolvePnPDLT(points3D []r3.Vector, points2D []r2.Point, k *mat.Dense) (*mat.Dense, r3.Vector, error) {
	if len(points3D) != len(points2D) {
		return nil, r3.Vector{}, errors.New("point sets must have equal length")
	}
	if len(points3D) < 6 {
		return nil, r3.Vector{}, errors.New("at least 6 correspondences are required for PnP")
	}

	kInv := invert3x3(k)
	if kInv == nil {
		return nil, r3.Vector{}, errors.New("camera matrix is not invertible")
	}

	n := len(points3D)
	m := mat.NewDense(2*n, 12, nil)
	for i := 0; i < n; i++ {
		// normalize the pixel coordinate by K^-1 to work in the calibrated
		// camera frame, same as ComputeFundamentalMatrixAllPoints normalizing
		// by the point-normalization transform.
		nx, ny := applyH(kInv, points2D[i].X, points2D[i].Y)
		X, Y, Z := points3D[i].X, points3D[i].Y, points3D[i].Z

		m.SetRow(2*i, []float64{
			X, Y, Z, 1, 0, 0, 0, 0, -nx * X, -nx * Y, -nx * Z, -nx,
		})
		m.SetRow(2*i+1, []float64{
			0, 0, 0, 0, X, Y, Z, 1, -ny * X, -ny * Y, -ny * Z, -ny,
		})
	}

	svd := performSVD(m)
	if svd == nil {
		return nil, r3.Vector{}, errors.New("failed to factorize PnP linear system")
	}
	sol := svd.V.ColView(11)

	p := mat.NewDense(3, 4, nil)
	idx := 0
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			p.Set(i, j, sol.AtVec(idx))
			idx++
		}
	}

	rRaw := mat.DenseCopyOf(p.Slice(0, 3, 0, 3))
	// scale so the recovered rotation block has unit-ish norm before
	// orthogonalization, matching the sign/scale ambiguity of the DLT null
	// space solution.
	scale := frobeniusNorm(rRaw) / sqrt3
	if scale < 1e-12 {
		return nil, r3.Vector{}, errors.New("degenerate PnP solution")
	}
	rRaw.Scale(1/scale, rRaw)

	rOrtho := orthogonalizeRotation(rRaw)
	if mat.Det(rOrtho) < 0 {
		rOrtho.Scale(-1, rOrtho)
		scale = -scale
	}

	tRaw := mat.NewDense(3, 1, []float64{p.At(0, 3), p.At(1, 3), p.At(2, 3)})
	tRaw.Scale(1/scale, tRaw)
	t := r3.Vector{X: tRaw.At(0, 0), Y: tRaw.At(1, 0), Z: tRaw.At(2, 0)}

	return rOrtho, t, nil
}

// ReprojectionError returns the squared pixel reprojection error of
// projecting pt3d through pose (r, t) and intrinsics k, compared to the
// observed pt2d.
func ReprojectionError(r *mat.Dense, t r3.Vector, k *mat.Dense, pt3d r3.Vector, pt2d r2.Point) float64 {
	cam := r3.Vector{
		X: r.At(0, 0)*pt3d.X + r.At(0, 1)*pt3d.Y + r.At(0, 2)*pt3d.Z + t.X,
		Y: r.At(1, 0)*pt3d.X + r.At(1, 1)*pt3d.Y + r.At(1, 2)*pt3d.Z + t.Y,
		Z: r.At(2, 0)*pt3d.X + r.At(2, 1)*pt3d.Y + r.At(2, 2)*pt3d.Z + t.Z,
	}
	if cam.Z <= 1e-9 {
		return math.Inf(1)
	}
	px := k.At(0, 0)*cam.X/cam.Z + k.At(0, 2)
	py := k.At(1, 1)*cam.Y/cam.Z + k.At(1, 2)
	dx := px - pt2d.X
	dy := py - pt2d.Y
	return dx*dx + dy*dy
}

func orthogonalizeRotation(r *mat.Dense) *mat.Dense {
	svd := performSVD(r)
	if svd == nil {
		return r
	}
	out := mat.NewDense(3, 3, nil)
	out.Mul(svd.U, svd.VT)
	return out
}

func frobeniusNorm(m *mat.Dense) float64 {
	sum := 0.0
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

func invert3x3(m *mat.Dense) *mat.Dense {
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil
	}
	return &inv
}

func applyH(h *mat.Dense, x, y float64) (float64, float64) {
	v := mat.NewVecDense(3, []float64{x, y, 1})
	var out mat.VecDense
	out.MulVec(h, v)
	w := out.AtVec(2)
	if w == 0 {
		w = 1e-12
	}
	return out.AtVec(0) / w, out.AtVec(1) / w
}
