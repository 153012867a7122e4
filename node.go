package loopclosure

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopclosure/featurestore"
	"go.viam.com/loopclosure/verify"
)

// Node is one ingested frame: its keypoints, descriptors and (for stereo)
// triangulated 3-D points, keyed by a monotonically increasing index
// assigned in ingestion order. Nodes are immutable once created.
type Node struct {
	Index       int
	Name        string
	KeyPoints   []r2.Point
	Descriptors *mat.Dense // K x D, K == len(KeyPoints)
	Points3D    []r3.Vector // empty for mono, len == len(KeyPoints) for stereo
}

// NumKeyPoints returns the keypoint count K of the node's descriptor matrix.
func (n *Node) NumKeyPoints() int {
	if n.Descriptors == nil {
		return 0
	}
	k, _ := n.Descriptors.Dims()
	return k
}

// DescriptorDim returns the descriptor width D, or 0 if the node has no descriptors.
func (n *Node) DescriptorDim() int {
	if n.Descriptors == nil {
		return 0
	}
	_, d := n.Descriptors.Dims()
	return d
}

// record reduces n to the shape featurestore.Store persists.
func (n *Node) record() featurestore.Record {
	return featurestore.Record{
		Name:        n.Name,
		KeyPoints:   n.KeyPoints,
		Descriptors: n.Descriptors,
		Points3D:    n.Points3D,
	}
}

// nodeFromRecord rebuilds a Node from a stored record, keyed by the index
// the store retrieved it under.
func nodeFromRecord(index int, rec featurestore.Record) *Node {
	return &Node{
		Index:       index,
		Name:        rec.Name,
		KeyPoints:   rec.KeyPoints,
		Descriptors: rec.Descriptors,
		Points3D:    rec.Points3D,
	}
}

// verifierView reduces n to the shape the Verifier matches and verifies against.
func (n *Node) verifierView() verify.Node {
	return verify.Node{
		Name:        n.Name,
		KeyPoints:   n.KeyPoints,
		Descriptors: n.Descriptors,
		Points3D:    n.Points3D,
	}
}

// Extractor is the external feature-extraction collaborator: given raw
// images it yields keypoints, a descriptor matrix, and (for stereo)
// triangulated 3-D points in the left camera frame. Descriptor
// dimensionality D must be fixed for the lifetime of an Extractor
// instance. This package treats it as a black box; no implementation
// ships here.
type Extractor interface {
	// ExtractMono computes keypoints and descriptors for a single image.
	ExtractMono(img image.Image) (keyPoints []r2.Point, descriptors *mat.Dense, err error)
	// ExtractStereo computes keypoints, descriptors and triangulated 3-D
	// points (left camera frame) from a rectified stereo pair.
	ExtractStereo(left, right image.Image) (keyPoints []r2.Point, descriptors *mat.Dense, points3D []r3.Vector, err error)
}
