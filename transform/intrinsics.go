// Package transform provides the projective-geometry primitives the
// verifier needs: fundamental matrix estimation, PnP pose recovery,
// RANSAC wrappers for both, pinhole intrinsics, and Rodrigues rotation
// conversions. It has no essential-matrix routine. It is adapted from
// go.viam.com/rdk's rimage/transform package, trimmed to the pieces a
// loop-closure verifier needs and extended with the RANSAC sampling loops
// the source (OpenCV) provided but rdk's from-scratch geometry did not.
package transform

import "gonum.org/v1/gonum/mat"

// PinholeCameraIntrinsics holds the parameters of a perspective camera:
// focal lengths, principal point, and image size. No distortion model,
// per spec.md §4.4 ("PnP-RANSAC against the engine's intrinsic camera
// matrix (no distortion)").
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px" yaml:"width_px"`
	Height int     `json:"height_px" yaml:"height_px"`
	Fx     float64 `json:"fx" yaml:"fx"`
	Fy     float64 `json:"fy" yaml:"fy"`
	Ppx    float64 `json:"ppx" yaml:"ppx"`
	Ppy    float64 `json:"ppy" yaml:"ppy"`
}

// CheckValid reports whether the intrinsics are usable for projection.
func (p *PinholeCameraIntrinsics) CheckValid() error {
	if p == nil {
		return errNoIntrinsics("intrinsics are nil")
	}
	if p.Fx <= 0 || p.Fy <= 0 {
		return errNoIntrinsics("focal lengths must be positive")
	}
	if p.Ppx < 0 || p.Ppy < 0 {
		return errNoIntrinsics("principal point must be non-negative")
	}
	return nil
}

// GetCameraMatrix builds the 3x3 camera matrix:
//
//	[[fx 0 ppx],
//	 [0 fy ppy],
//	 [0 0  1]]
func (p *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if p == nil {
		return nil
	}
	k := mat.NewDense(3, 3, nil)
	k.Set(0, 0, p.Fx)
	k.Set(1, 1, p.Fy)
	k.Set(0, 2, p.Ppx)
	k.Set(1, 2, p.Ppy)
	k.Set(2, 2, 1)
	return k
}

type intrinsicsError struct{ msg string }

func (e *intrinsicsError) Error() string { return "no intrinsics: " + e.msg }

func errNoIntrinsics(msg string) error { return &intrinsicsError{msg} }

// IntrinsicsFromCameraMatrix extracts a PinholeCameraIntrinsics view from a
// raw 3x3 camera matrix K, so a K supplied directly (spec.md §6, "Camera
// model") can still be run through CheckValid before the engine accepts
// it. Width/Height are left zero since K alone does not carry image size.
func IntrinsicsFromCameraMatrix(k *mat.Dense) *PinholeCameraIntrinsics {
	if k == nil {
		return nil
	}
	return &PinholeCameraIntrinsics{
		Fx:  k.At(0, 0),
		Fy:  k.At(1, 1),
		Ppx: k.At(0, 2),
		Ppy: k.At(1, 2),
	}
}
