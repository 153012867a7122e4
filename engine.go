// Package loopclosure detects loop closures in a stream of monocular or
// stereo frames for visual SLAM / place recognition: for each ingested
// frame, it decides whether the frame revisits a previously seen
// location and, if so, identifies the prior frame index and (for stereo)
// the rigid transform between the two viewpoints.
//
// The engine is adapted from go.viam.com/rdk's vision/odometry and
// vision/keypoints packages, and from original_source's libhaloc C++
// implementation (the project this spec was distilled from): a compact
// image hash ranks candidates from history, and a cross-checked
// descriptor match plus epipolar or PnP-RANSAC geometric verification
// accepts or rejects the top-ranked ones.
package loopclosure

import (
	"image"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopclosure/featurestore"
	"go.viam.com/loopclosure/hash"
	"go.viam.com/loopclosure/transform"
	"go.viam.com/loopclosure/verify"
)

// State is the engine's lifecycle stage (spec.md §4.5, "State machine of
// the engine").
type State int

// Lifecycle stages.
const (
	// StateUninitialized means no node has been hashed yet.
	StateUninitialized State = iota
	// StateWarming means the HashIndex has fewer than min_neighbour+1 entries.
	StateWarming
	// StateActive is terminal: the engine may now report loop closures.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateWarming:
		return "Warming"
	case StateActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// Engine orchestrates ingestion, hashing, candidate ranking and
// verification (spec.md §4.5). It is not safe for concurrent use:
// SetNode and GetLoopClosure are not reentrant and callers must
// serialize them (spec.md §5).
type Engine struct {
	params    Config
	extractor Extractor
	logger    golog.Logger

	camera *mat.Dense

	initialized bool
	state       State
	store       featurestore.Store
	hasher      *hash.Hasher
	index       *hash.Index
	verifier    *verify.Verifier

	nextIndex int

	// descDim is the descriptor width fixed by the first non-empty node
	// ingested, independent of hasher initialization (which happens lazily
	// inside GetLoopClosure and so cannot be relied on to catch a
	// mismatched second SetNode before any GetLoopClosure call runs).
	// -1 means no non-empty node has been ingested yet.
	descDim int

	// lastNode is the most recently ingested node, so GetLoopClosure does
	// not need to round-trip it through the store. lastImageWidth/Height
	// are tracked alongside it (not part of Node itself) purely to drive
	// optional bucketing, which needs the source image's pixel bounds.
	lastNode        *Node
	lastImageWidth  float64
	lastImageHeight float64
}

// NewEngine returns an Engine using extractor as its feature-extraction
// collaborator and logger for diagnostics. Call SetParams (optional,
// DefaultConfig is used otherwise), SetCameraModel (stereo only), then
// Init before the first SetNode.
func NewEngine(extractor Extractor, logger golog.Logger) *Engine {
	if logger == nil {
		logger = golog.NewLogger("loopclosure")
	}
	return &Engine{
		params:    DefaultConfig(),
		extractor: extractor,
		logger:    logger,
		state:     StateUninitialized,
		descDim:   -1,
	}
}

// SetParams installs the engine's configuration. Must be called before Init.
func (e *Engine) SetParams(cfg Config) {
	e.params = cfg
}

// SetCameraModel installs the intrinsic camera matrix used by stereo PnP
// verification, after checking it is usable for projection. Required
// before the first stereo SetNode call; ignored for mono-only use
// (spec.md §6, "Camera model (consumed, stereo only)").
func (e *Engine) SetCameraModel(k *mat.Dense) error {
	if err := transform.IntrinsicsFromCameraMatrix(k).CheckValid(); err != nil {
		return newError(KindConfigInvalid, err)
	}
	e.camera = k
	if e.verifier != nil {
		if err := e.verifier.SetCameraModel(k); err != nil {
			return newError(KindConfigInvalid, err)
		}
	}
	return nil
}

// Init validates the configuration and allocates the scratch store,
// hasher and verifier. It returns configuration errors (ConfigInvalid) and
// scratch directory failures (DirectoryError). Beyond Init, SetNode returns
// DimensionMismatch for a node of the wrong descriptor width, and inside
// GetLoopClosure a missing or unverifiable candidate is absorbed into
// "reject this candidate" (spec.md §7).
func (e *Engine) Init() error {
	if err := e.params.Validate(); err != nil {
		return err
	}

	var store featurestore.Store
	if e.params.WorkDir != "" {
		fs, err := featurestore.NewFileStore(e.params.WorkDir)
		if err != nil {
			return newError(KindDirectoryError, err)
		}
		store = fs
	} else {
		store = featurestore.NewMemory()
	}

	metric := verify.MetricL2
	if e.params.DescType.IsBinary() {
		metric = verify.MetricHamming
	}

	e.store = store
	e.hasher = hash.New(e.params.NumProj, e.params.Seed)
	e.index = hash.NewIndex()
	e.verifier = verify.New(verify.Config{
		DescThresh:     e.params.DescThresh,
		EpipolarThresh: e.params.EpipolarThresh,
		MaxReprojErr:   e.params.MaxReprojErr,
		MinMatches:     e.params.MinMatches,
		MinInliers:     e.params.MinInliers,
		Metric:         metric,
	}, e.camera, e.params.Seed)
	e.state = StateUninitialized
	e.nextIndex = 0
	e.descDim = -1
	e.initialized = true
	return nil
}

// Finalize releases the scratch store, removing its backing directory if
// any. Must be called exactly once, even if Init or ingestion failed
// partway, so resources are not leaked (spec.md §5, "Resource lifecycle").
func (e *Engine) Finalize() error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Close(); err != nil {
		return newError(KindDirectoryError, err)
	}
	e.initialized = false
	return nil
}

// Reset clears the HashIndex and FeatureStore contents and returns the
// engine to StateUninitialized without releasing the scratch directory,
// so a caller can run another sequence in the same process (SPEC_FULL.md
// §4.5, "[ADDED] Reset").
func (e *Engine) Reset() error {
	if !e.initialized {
		return newErrorf(KindConfigInvalid, "engine is not initialized")
	}
	if err := e.store.Clear(); err != nil {
		return newError(KindDirectoryError, err)
	}
	e.hasher = hash.New(e.params.NumProj, e.params.Seed)
	e.index = hash.NewIndex()
	e.state = StateUninitialized
	e.nextIndex = 0
	e.descDim = -1
	e.lastNode = nil
	return nil
}

// State returns the engine's current lifecycle stage.
func (e *Engine) State() State {
	return e.state
}

// SetNode extracts and ingests one mono frame, returning its assigned
// node index (spec.md §4.5, "setNode").
func (e *Engine) SetNode(img image.Image, name string) (int, error) {
	kp, desc, err := e.extractor.ExtractMono(img)
	if err != nil {
		return 0, err
	}
	b := img.Bounds()
	return e.ingest(kp, desc, nil, name, float64(b.Dx()), float64(b.Dy()))
}

// SetNodeStereo extracts and ingests one stereo frame pair, returning its
// assigned node index.
func (e *Engine) SetNodeStereo(left, right image.Image, name string) (int, error) {
	kp, desc, pts3d, err := e.extractor.ExtractStereo(left, right)
	if err != nil {
		return 0, err
	}
	b := left.Bounds()
	return e.ingest(kp, desc, pts3d, name, float64(b.Dx()), float64(b.Dy()))
}

// SetNodeFeatures ingests a node from already-extracted features,
// bypassing the Extractor. Exposed because feature extraction is
// explicitly out of scope (spec.md §1) and callers (including this
// package's own tests) often already have keypoints/descriptors in hand.
// Bucketing is skipped on this path since it has no image bounds to grid.
func (e *Engine) SetNodeFeatures(kp []r2.Point, descriptors *mat.Dense, points3D []r3.Vector, name string) (int, error) {
	return e.ingest(kp, descriptors, points3D, name, 0, 0)
}

func (e *Engine) ingest(kp []r2.Point, descriptors *mat.Dense, points3D []r3.Vector, name string, imgWidth, imgHeight float64) (int, error) {
	if descriptors != nil {
		if _, d := descriptors.Dims(); d != 0 {
			switch {
			case e.descDim < 0:
				e.descDim = d
			case d != e.descDim:
				return 0, newErrorf(KindDimensionMismatch,
					"node descriptor dimension %d does not match prior node dimension %d", d, e.descDim)
			}
		}
	}

	node := &Node{
		Index:       e.nextIndex,
		Name:        name,
		KeyPoints:   kp,
		Descriptors: descriptors,
		Points3D:    points3D,
	}
	if err := e.store.Put(node.Index, node.record()); err != nil {
		return 0, err
	}

	e.lastNode = node
	e.lastImageWidth = imgWidth
	e.lastImageHeight = imgHeight
	e.nextIndex++

	return node.Index, nil
}

// candidate is one ranked hash match.
type candidate struct {
	index int
	dist  float64
}

// GetLoopClosure tries to find a loop closure between the most recently
// ingested node and all legal prior nodes (spec.md §4.5, "getLoopClosure").
func (e *Engine) GetLoopClosure() (valid bool, index int, name string, tr transform.Pose, err error) {
	identity := transform.Identity()

	if e.lastNode == nil || e.lastNode.Descriptors == nil || e.lastNode.NumKeyPoints() == 0 {
		// No descriptors to hash; the HashIndex invariant (length equals
		// the number of nodes with non-empty descriptors) means this node
		// contributes nothing to it.
		return false, -1, "", identity, nil
	}

	if !e.hasher.Initialized() {
		if err := e.hasher.Init(e.lastNode.Descriptors); err != nil {
			return false, -1, "", identity, err
		}
		hv, err := e.hashLastNode()
		if err != nil {
			return false, -1, "", identity, err
		}
		e.index.Append(e.lastNode.Index, hv)
		e.state = StateWarming
		return false, -1, "", identity, nil
	}

	hv, err := e.hashLastNode()
	if err != nil {
		return false, -1, "", identity, err
	}
	e.index.Append(e.lastNode.Index, hv)

	if e.index.Size() <= e.params.MinNeighbour {
		e.state = StateWarming
		return false, -1, "", identity, nil
	}
	e.state = StateActive

	var candidates []candidate
	for _, entry := range e.index.Iter() {
		if e.lastNode.Index-entry.Index > e.params.MinNeighbour {
			candidates = append(candidates, candidate{index: entry.Index, dist: hash.Match(hv, entry.Hash)})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].index < candidates[j].index
	})

	n := e.params.NCandidates
	if n > len(candidates) {
		n = len(candidates)
	}

	query := e.lastNode.verifierView()

	for r := 0; r < n; r++ {
		c := candidates[r]
		rec, getErr := e.store.Get(c.index)
		if getErr != nil {
			e.logger.Debugw("candidate node not found, skipping", "index", c.index)
			continue
		}

		res := e.verifier.Verify(query, nodeFromRecord(c.index, rec).verifierView())
		if !res.OK {
			e.logger.Debugw("candidate rejected", "index", c.index, "matches", res.Matches, "inliers", res.Inliers)
			continue
		}

		if !e.params.ValidateNeighbours {
			return true, c.index, res.Name, res.Transform, nil
		}

		if e.validateNeighbour(query, c.index-1) || e.validateNeighbour(query, c.index+1) {
			return true, c.index, res.Name, res.Transform, nil
		}
		e.logger.Debugw("candidate failed neighbour validation", "index", c.index)
	}

	return false, -1, "", identity, nil
}

// hashLastNode hashes the most recently ingested node, applying spatial
// bucketing first when the engine's Config enables it (SPEC_FULL.md
// §4.2, "Bucketed hashing").
func (e *Engine) hashLastNode() (*mat.VecDense, error) {
	spec := hash.BucketSpec{
		Rows:    e.params.Bucket.Rows,
		Cols:    e.params.Bucket.Cols,
		MaxDesc: e.params.Bucket.MaxDesc,
		Width:   e.lastImageWidth,
		Height:  e.lastImageHeight,
	}
	if !spec.Enabled() || e.lastImageWidth <= 0 || e.lastImageHeight <= 0 {
		return e.hasher.Hash(e.lastNode.Descriptors)
	}
	return e.hasher.HashBucketed(e.lastNode.KeyPoints, e.lastNode.Descriptors, spec)
}

// validateNeighbour reports whether the query verifies against the node
// at idx, used by the neighbour-validation step (spec.md §4.5, step 6d).
func (e *Engine) validateNeighbour(query verify.Node, idx int) bool {
	if idx < 0 {
		return false
	}
	rec, err := e.store.Get(idx)
	if err != nil {
		return false
	}
	res := e.verifier.Verify(query, nodeFromRecord(idx, rec).verifierView())
	return res.OK
}
