package verify

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopclosure/transform"
)

// Config holds the verifier's thresholds (spec.md §3, Configuration table).
type Config struct {
	DescThresh     float64
	EpipolarThresh float64
	MaxReprojErr   float64
	MinMatches     int
	MinInliers     int
	Metric         Metric
}

// Node is the minimal view of a stored or query node the verifier needs:
// keypoints, descriptors, and (stereo only) triangulated 3-D points.
type Node struct {
	Name        string
	KeyPoints   []r2.Point
	Descriptors *mat.Dense
	Points3D    []r3.Vector
}

// Result is the outcome of verifying a query node against one candidate.
type Result struct {
	OK        bool
	Matches   int
	Inliers   int
	Transform transform.Pose
	Name      string
}

// Verifier performs cross-checked descriptor matching and epipolar
// (mono) or PnP-RANSAC (stereo) geometric verification between a query
// node and a stored candidate (spec.md §4.4). Not safe for concurrent
// use, matching the engine's single-threaded model (spec.md §5).
type Verifier struct {
	cfg       Config
	intrinsic *mat.Dense // camera matrix, stereo only
	rng       *rand.Rand
}

// New returns a Verifier. intrinsics may be nil for mono-only use; it is
// required before the first stereo Verify call (spec.md §6, "Camera
// model (consumed, stereo only)").
func New(cfg Config, intrinsics *mat.Dense, seed uint64) *Verifier {
	return &Verifier{
		cfg:       cfg,
		intrinsic: intrinsics,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// SetCameraModel installs the intrinsic matrix used by stereo
// verification, after checking it is usable for projection
// (transform.PinholeCameraIntrinsics.CheckValid).
func (v *Verifier) SetCameraModel(k *mat.Dense) error {
	if err := transform.IntrinsicsFromCameraMatrix(k).CheckValid(); err != nil {
		return err
	}
	v.intrinsic = k
	return nil
}

// Verify tests query against candidate. Mono (candidate.Points3D empty)
// runs epipolar verification and always returns the identity transform,
// since metric scale is not recoverable from two uncalibrated views
// (spec.md §9, "Transform semantics"). Stereo (candidate.Points3D
// non-empty) runs PnP-RANSAC and returns the candidate-to-query rigid
// transform.
func (v *Verifier) Verify(query, candidate Node) Result {
	result := Result{Transform: transform.Identity(), Name: candidate.Name}

	matches := CrossCheckMatch(query.Descriptors, candidate.Descriptors, v.cfg.DescThresh, v.cfg.Metric)
	result.Matches = len(matches)
	if result.Matches < v.cfg.MinMatches {
		return result
	}

	queryPts := make([]r2.Point, len(matches))
	candidatePts := make([]r2.Point, len(matches))
	for i, m := range matches {
		queryPts[i] = query.KeyPoints[m.QueryIdx]
		candidatePts[i] = candidate.KeyPoints[m.CandidateIdx]
	}

	if len(candidate.Points3D) == 0 {
		return v.verifyMono(queryPts, candidatePts, result)
	}

	candidate3D := make([]r3.Vector, len(matches))
	for i, m := range matches {
		candidate3D[i] = candidate.Points3D[m.CandidateIdx]
	}
	return v.verifyStereo(candidate3D, queryPts, result)
}

func (v *Verifier) verifyMono(refPts, curPts []r2.Point, result Result) Result {
	const minPointsForFundamental = 8
	if len(refPts) < minPointsForFundamental {
		return result
	}

	ransac, err := transform.RANSACFundamentalMatrix(refPts, curPts, v.cfg.EpipolarThresh, 0.999, v.rng)
	if err != nil {
		return result
	}
	if transform.IsDegenerate(ransac.F) {
		return result
	}

	result.Inliers = len(ransac.Inliers)
	if result.Inliers < v.cfg.MinInliers {
		return result
	}

	result.OK = true
	result.Transform = transform.Identity()
	return result
}

func (v *Verifier) verifyStereo(points3D []r3.Vector, curPts []r2.Point, result Result) Result {
	const minPointsForPnP = 6
	const maxPnPIterations = 100
	if len(points3D) < minPointsForPnP || v.intrinsic == nil {
		return result
	}

	ransac, err := transform.RANSACPnP(points3D, curPts, v.intrinsic, v.cfg.MaxReprojErr, maxPnPIterations, v.rng)
	if err != nil {
		return result
	}

	result.Inliers = len(ransac.Inliers)
	if result.Inliers < v.cfg.MinInliers {
		return result
	}

	// Round-trip through Rodrigues to match the rvec/tvec convention the
	// source's solvePnPRansac returns (spec.md §4.4, "stereo returns...
	// built from the returned rotation vector (Rodrigues) and translation
	// vector").
	rvec := transform.RotationMatrixToRodrigues(ransac.Rotation)
	result.OK = true
	result.Transform = transform.Pose{
		Rotation:    transform.RodriguesToRotationMatrix(rvec),
		Translation: ransac.Translation,
	}
	return result
}
