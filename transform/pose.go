package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is the rigid transform between two camera viewpoints: candidate-to-query,
// per SPEC_FULL.md's "Transform semantics" note. Mono verification cannot
// recover metric scale and returns Identity(); stereo verification returns
// the pose recovered from PnP-RANSAC.
type Pose struct {
	Rotation    *mat.Dense // 3x3
	Translation r3.Vector
}

// Identity returns the identity pose (no rotation, no translation).
func Identity() Pose {
	return Pose{Rotation: eye(3), Translation: r3.Vector{}}
}

// RotationMatrixToRodrigues converts a 3x3 rotation matrix to its Rodrigues
// rotation vector (axis * angle), matching OpenCV's rvec convention used by
// solvePnPRansac in the source this spec was distilled from.
func RotationMatrixToRodrigues(r *mat.Dense) r3.Vector {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := (trace - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	if theta < 1e-9 {
		return r3.Vector{}
	}
	axis := r3.Vector{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}
	scale := theta / (2 * math.Sin(theta))
	return axis.Mul(scale)
}

// RodriguesToRotationMatrix converts a Rodrigues rotation vector back to a
// 3x3 rotation matrix, using the Rodrigues rotation formula
// R = I + sin(theta) K + (1-cos(theta)) K^2 where K is the cross-product
// matrix of the unit axis.
func RodriguesToRotationMatrix(rvec r3.Vector) *mat.Dense {
	theta := rvec.Norm()
	if theta < 1e-12 {
		return eye(3)
	}
	axis := rvec.Mul(1 / theta)
	k := crossProductMatrix(axis)

	var k2 mat.Dense
	k2.Mul(k, k)

	r := eye(3)
	r.Add(r, scaleDense(k, math.Sin(theta)))
	r.Add(r, scaleDense(&k2, 1-math.Cos(theta)))
	return r
}

func crossProductMatrix(v r3.Vector) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	m.Set(0, 1, -v.Z)
	m.Set(0, 2, v.Y)
	m.Set(1, 0, v.Z)
	m.Set(1, 2, -v.X)
	m.Set(2, 0, -v.Y)
	m.Set(2, 1, v.X)
	return m
}

func scaleDense(m *mat.Dense, s float64) *mat.Dense {
	var out mat.Dense
	out.Scale(s, m)
	return &out
}
