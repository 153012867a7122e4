package hash

import (
	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// BucketSpec configures the optional spatial bucketing applied before
// hashing (SPEC_FULL.md §4.2, "Bucketed hashing"), grounded on
// original_source/include/libhaloc/hash.h's GetBucketedHash /
// BucketDescriptors. Rows*Cols<=1 or MaxDesc<=0 disables bucketing.
type BucketSpec struct {
	Rows, Cols int
	MaxDesc    int
	Width, Height float64 // image bounds the keypoints live in
}

// Enabled reports whether b changes HashBucketed's behavior relative to Hash.
func (b BucketSpec) Enabled() bool {
	return b.Rows*b.Cols > 1 && b.MaxDesc > 0
}

// HashBucketed partitions kps/descriptors into a Rows x Cols spatial grid,
// caps each bucket at MaxDesc rows (first-seen order, since no
// per-keypoint response score is part of this package's contract),
// concatenates the surviving rows in row-major bucket order, and hashes
// the result with the ordinary sorted-prefix construction. Falls back to
// Hash when bucketing is not enabled.
func (h *Hasher) HashBucketed(kps []r2.Point, descriptors *mat.Dense, spec BucketSpec) (*mat.VecDense, error) {
	if !spec.Enabled() || len(kps) == 0 {
		return h.Hash(descriptors)
	}

	buckets := make([][]int, spec.Rows*spec.Cols)
	cellW := spec.Width / float64(spec.Cols)
	cellH := spec.Height / float64(spec.Rows)
	if cellW <= 0 {
		cellW = 1
	}
	if cellH <= 0 {
		cellH = 1
	}

	for i, kp := range kps {
		col := clampBucket(int(kp.X/cellW), spec.Cols)
		row := clampBucket(int(kp.Y/cellH), spec.Rows)
		b := row*spec.Cols + col
		if len(buckets[b]) >= spec.MaxDesc {
			continue
		}
		buckets[b] = append(buckets[b], i)
	}

	kept := make([]int, 0, len(kps))
	for _, b := range buckets {
		kept = append(kept, b...)
	}

	_, d := descriptors.Dims()
	subset := mat.NewDense(len(kept), d, nil)
	for i, row := range kept {
		subset.SetRow(i, descriptors.RawRowView(row))
	}
	return h.Hash(subset)
}

func clampBucket(v, max int) int {
	if v < 0 {
		return 0
	}
	if v >= max {
		return max - 1
	}
	return v
}
