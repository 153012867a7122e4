// Package verify implements cross-checked descriptor matching and
// epipolar/PnP geometric verification between a query node and a stored
// candidate (spec.md §4.4). Matching is adapted from go.viam.com/rdk's
// vision/keypoints.MatchKeypoints cross-check idiom, generalized from
// Hamming-only to a selectable metric and from a one-sided nearest
// neighbor to Lowe's ratio test on both sides.
package verify

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Metric selects the distance function used for descriptor matching.
type Metric int

// Supported metrics.
const (
	MetricL2 Metric = iota
	MetricHamming
)

func (m Metric) distance(a, b []float64) float64 {
	switch m {
	case MetricHamming:
		return hammingDistance(a, b)
	default:
		return l2Distance(a, b)
	}
}

func l2Distance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// hammingDistance counts differing entries, treating each descriptor
// entry as a bit (zero vs non-zero). This lets binary descriptor
// families be represented as ordinary float64 rows of 0/1 values without
// a separate packed-bit type.
func hammingDistance(a, b []float64) float64 {
	count := 0.0
	for i := range a {
		if (a[i] != 0) != (b[i] != 0) {
			count++
		}
	}
	return count
}

// Match is one mutually-accepted correspondence between a row of the
// query descriptors and a row of the candidate descriptors.
type Match struct {
	QueryIdx     int
	CandidateIdx int
}

// nearestTwo returns the indices and distances of the two nearest rows of
// m to query, under metric. If m has fewer than 2 rows the second result
// is (-1, +Inf) so ratio tests against it always pass.
func nearestTwo(query []float64, m *mat.Dense, metric Metric) (bestIdx int, bestDist float64, secondIdx int, secondDist float64) {
	bestIdx, secondIdx = -1, -1
	bestDist, secondDist = math.Inf(1), math.Inf(1)
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		d := metric.distance(query, m.RawRowView(i))
		switch {
		case d < bestDist:
			secondIdx, secondDist = bestIdx, bestDist
			bestIdx, bestDist = i, d
		case d < secondDist:
			secondIdx, secondDist = i, d
		}
	}
	return
}

// CrossCheckMatch performs cross-checked, ratio-tested descriptor
// matching between query descriptors q and candidate descriptors c
// (spec.md §4.4, "Descriptor matching"): for each row, the ratio of
// nearest to second-nearest distance must be below threshold, and a
// match only survives if it is the mutual nearest neighbor in both
// directions.
func CrossCheckMatch(q, c *mat.Dense, threshold float64, metric Metric) []Match {
	if q == nil || c == nil {
		return nil
	}
	qRows, _ := q.Dims()
	cRows, _ := c.Dims()
	if qRows == 0 || cRows == 0 {
		return nil
	}

	qToC := make([]int, qRows)
	for i := 0; i < qRows; i++ {
		best, bestD, _, secondD := nearestTwo(q.RawRowView(i), c, metric)
		if best >= 0 && passesRatio(bestD, secondD, threshold) {
			qToC[i] = best
		} else {
			qToC[i] = -1
		}
	}

	cToQ := make([]int, cRows)
	for i := 0; i < cRows; i++ {
		best, bestD, _, secondD := nearestTwo(c.RawRowView(i), q, metric)
		if best >= 0 && passesRatio(bestD, secondD, threshold) {
			cToQ[i] = best
		} else {
			cToQ[i] = -1
		}
	}

	var matches []Match
	for i := 0; i < qRows; i++ {
		j := qToC[i]
		if j < 0 {
			continue
		}
		if cToQ[j] == i {
			matches = append(matches, Match{QueryIdx: i, CandidateIdx: j})
		}
	}
	return matches
}

func passesRatio(best, second, threshold float64) bool {
	if math.IsInf(second, 1) {
		return true
	}
	if second == 0 {
		return false
	}
	return best/second < threshold
}
