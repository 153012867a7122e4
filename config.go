package loopclosure

import "github.com/pkg/errors"

// DescType names the descriptor family a caller's Extractor produces. It
// only affects which distance metric the Verifier uses for matching:
// binary families use Hamming distance, everything else uses L2.
type DescType string

// Recognized descriptor families.
const (
	DescSIFT  DescType = "SIFT"
	DescORB   DescType = "ORB"
	DescBRIEF DescType = "BRIEF"
	DescBRISK DescType = "BRISK"
)

// IsBinary reports whether d names a binary descriptor family (Hamming
// distance) as opposed to a real-valued one (L2 distance).
func (d DescType) IsBinary() bool {
	switch d {
	case DescORB, DescBRIEF, DescBRISK:
		return true
	default:
		return false
	}
}

// BucketConfig configures optional spatial bucketing of descriptors
// before hashing (SPEC_FULL.md §3, "additional recognized options").
// Bucketing is disabled (pass-through) when Rows*Cols <= 1 or MaxDesc <= 0.
type BucketConfig struct {
	Rows    int `json:"bucket_rows" yaml:"bucket_rows"`
	Cols    int `json:"bucket_cols" yaml:"bucket_cols"`
	MaxDesc int `json:"max_desc" yaml:"max_desc"`
}

// Enabled reports whether bucketing changes behavior for this config.
func (b BucketConfig) Enabled() bool {
	return b.Rows*b.Cols > 1 && b.MaxDesc > 0
}

// Config holds every recognized loop-closure engine parameter (spec.md §3).
type Config struct {
	// WorkDir is the base path under which the scratch directory is created.
	// Empty means "use an in-memory FeatureStore, no scratch directory."
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// DescType selects the distance metric used for descriptor matching.
	DescType DescType `json:"desc_type" yaml:"desc_type"`

	// NumProj (P) is the hash length: the dimensionality of the random
	// projection basis.
	NumProj int `json:"num_proj" yaml:"num_proj"`

	// DescThresh is the ratio-test threshold for cross-checked descriptor matching.
	DescThresh float64 `json:"desc_thresh" yaml:"desc_thresh"`

	// EpipolarThresh is the RANSAC inlier distance for fundamental-matrix fit (mono).
	EpipolarThresh float64 `json:"epipolar_thresh" yaml:"epipolar_thresh"`

	// MaxReprojErr is the RANSAC reprojection threshold for PnP (stereo).
	MaxReprojErr float64 `json:"max_reproj_err" yaml:"max_reproj_err"`

	// MinNeighbour is the minimum temporal gap between query and a legal candidate.
	MinNeighbour int `json:"min_neighbour" yaml:"min_neighbour"`

	// NCandidates is the maximum number of top-ranked hash candidates to verify.
	NCandidates int `json:"n_candidates" yaml:"n_candidates"`

	// MinMatches is the minimum cross-check descriptor matches required to proceed to geometry.
	MinMatches int `json:"min_matches" yaml:"min_matches"`

	// MinInliers is the minimum geometric inliers required to accept a closure.
	MinInliers int `json:"min_inliers" yaml:"min_inliers"`

	// Validate requires an additional check against an immediate temporal
	// neighbor of the accepted candidate. Named ValidateNeighbours to avoid
	// colliding with the Config.Validate method below.
	ValidateNeighbours bool `json:"validate" yaml:"validate"`

	// Bucket configures optional descriptor bucketing before hashing.
	Bucket BucketConfig `json:"bucket" yaml:"bucket"`

	// Seed fixes the pseudo-random source used for the hash basis and RANSAC
	// sampling, so runs are reproducible in tests (spec.md §4.2, "Determinism").
	Seed uint64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns a Config with the source's default values
// (original_source/src/lc.cpp's Params constructor), a sane DescThresh
// for SIFT-like descriptors, and a fixed Seed for reproducibility.
func DefaultConfig() Config {
	return Config{
		DescType:       DescSIFT,
		NumProj:        3,
		DescThresh:     0.8,
		EpipolarThresh: 1.0,
		MaxReprojErr:   2.0,
		MinNeighbour:   10,
		NCandidates:    5,
		MinMatches:     20,
		MinInliers:     12,
		Seed:           1,
	}
}

// Validate ensures every field of Config is in range, matching the
// keypoints.ORBConfig.Validate idiom: fail fast at init, name the
// offending field.
func (c *Config) Validate() error {
	if c.NumProj <= 0 {
		return newErrorf(KindConfigInvalid, "num_proj must be > 0, got %d", c.NumProj)
	}
	if c.DescThresh <= 0 || c.DescThresh >= 1 {
		return newErrorf(KindConfigInvalid, "desc_thresh must be in (0, 1), got %v", c.DescThresh)
	}
	if c.EpipolarThresh <= 0 {
		return newErrorf(KindConfigInvalid, "epipolar_thresh must be > 0, got %v", c.EpipolarThresh)
	}
	if c.MaxReprojErr <= 0 {
		return newErrorf(KindConfigInvalid, "max_reproj_err must be > 0, got %v", c.MaxReprojErr)
	}
	if c.MinNeighbour < 0 {
		return newErrorf(KindConfigInvalid, "min_neighbour must be >= 0, got %d", c.MinNeighbour)
	}
	if c.NCandidates <= 0 {
		return newErrorf(KindConfigInvalid, "n_candidates must be > 0, got %d", c.NCandidates)
	}
	if c.MinMatches < 0 {
		return newErrorf(KindConfigInvalid, "min_matches must be >= 0, got %d", c.MinMatches)
	}
	if c.MinInliers < 0 {
		return newErrorf(KindConfigInvalid, "min_inliers must be >= 0, got %d", c.MinInliers)
	}
	if c.Bucket.Rows < 0 || c.Bucket.Cols < 0 || c.Bucket.MaxDesc < 0 {
		return newError(KindConfigInvalid, errors.New("bucket rows, cols and max_desc must be >= 0"))
	}
	return nil
}
