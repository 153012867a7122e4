package loopclosure

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopclosure/transform"
)

// fakeExtractor is a deterministic test double for Extractor. It ignores
// the image entirely and returns keypoints/descriptors keyed by a scene
// identity baked into the fixture, matching spec.md §1's framing that
// feature extraction is out of scope here.
type fakeExtractor struct {
	mono   func(img image.Image) ([]r2.Point, *mat.Dense, error)
	stereo func(left, right image.Image) ([]r2.Point, *mat.Dense, []r3.Vector, error)
}

func (f *fakeExtractor) ExtractMono(img image.Image) ([]r2.Point, *mat.Dense, error) {
	return f.mono(img)
}

func (f *fakeExtractor) ExtractStereo(left, right image.Image) ([]r2.Point, *mat.Dense, []r3.Vector, error) {
	return f.stereo(left, right)
}

func blankImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// randomScene returns n keypoints plus a D-dim descriptor matrix sampled
// independently of any other scene, for S1 (no loop expected).
func randomScene(rng *rand.Rand, n, d int) ([]r2.Point, *mat.Dense) {
	kp := make([]r2.Point, n)
	data := make([]float64, n*d)
	for i := 0; i < n; i++ {
		kp[i] = r2.Point{X: rng.Float64() * 640, Y: rng.Float64() * 480}
	}
	for i := range data {
		data[i] = rng.Float64()
	}
	return kp, mat.NewDense(n, d, data)
}

func newTestEngine(t *testing.T, extractor *fakeExtractor, cfg Config) *Engine {
	e := NewEngine(extractor, golog.NewTestLogger(t))
	e.SetParams(cfg)
	test.That(t, e.Init(), test.ShouldBeNil)
	return e
}

func TestEngineMonoNoLoop(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			kp, desc := randomScene(rng, 300, 32)
			return kp, desc, nil
		},
	}
	cfg := DefaultConfig()
	cfg.MinNeighbour = 5
	cfg.NCandidates = 3
	cfg.MinMatches = 20
	cfg.MinInliers = 12
	e := newTestEngine(t, extractor, cfg)
	defer e.Finalize()

	img := blankImage(640, 480)
	for i := 0; i < 50; i++ {
		_, err := e.SetNode(img, "frame")
		test.That(t, err, test.ShouldBeNil)
		valid, _, _, _, err := e.GetLoopClosure()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, valid, test.ShouldBeFalse)
	}
}

func TestEngineMonoExactRevisit(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	scenes := make([][]r2.Point, 51)
	descs := make([]*mat.Dense, 51)
	for i := 0; i < 51; i++ {
		scenes[i], descs[i] = randomScene(rng, 300, 32)
	}
	// Frame 50 byte-identical to frame 10.
	scenes[50] = scenes[10]
	descs[50] = descs[10]

	call := 0
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			kp, desc := scenes[call], descs[call]
			call++
			return kp, desc, nil
		},
	}
	cfg := DefaultConfig()
	cfg.MinNeighbour = 5
	cfg.NCandidates = 3
	cfg.MinMatches = 20
	cfg.MinInliers = 12
	cfg.DescThresh = 0.95
	e := newTestEngine(t, extractor, cfg)
	defer e.Finalize()

	img := blankImage(640, 480)
	var lastValid bool
	var lastIndex int
	for i := 0; i < 51; i++ {
		_, err := e.SetNode(img, "frame")
		test.That(t, err, test.ShouldBeNil)
		valid, idx, _, _, err := e.GetLoopClosure()
		test.That(t, err, test.ShouldBeNil)
		lastValid, lastIndex = valid, idx
	}
	test.That(t, lastValid, test.ShouldBeTrue)
	test.That(t, lastIndex, test.ShouldEqual, 10)
}

func TestEngineStereoRevisitWithKnownPose(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n = 60
	k := (&transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}).GetCameraMatrix()

	baseKp, baseDesc := randomScene(rng, n, 32)
	basePts3D := make([]r3.Vector, n)
	for i := range basePts3D {
		basePts3D[i] = r3.Vector{X: (rng.Float64() - 0.5) * 2, Y: (rng.Float64() - 0.5) * 2, Z: 4 + rng.Float64()}
	}

	rTrue := transform.RodriguesToRotationMatrix(r3.Vector{X: 0.01, Y: 0.0, Z: 0.0})
	tTrue := r3.Vector{X: 0.03, Y: 0.0, Z: 0.0}

	curKp := make([]r2.Point, n)
	for i, p := range basePts3D {
		cam := r3.Vector{
			X: rTrue.At(0, 0)*p.X + rTrue.At(0, 1)*p.Y + rTrue.At(0, 2)*p.Z + tTrue.X,
			Y: rTrue.At(1, 0)*p.X + rTrue.At(1, 1)*p.Y + rTrue.At(1, 2)*p.Z + tTrue.Y,
			Z: rTrue.At(2, 0)*p.X + rTrue.At(2, 1)*p.Y + rTrue.At(2, 2)*p.Z + tTrue.Z,
		}
		curKp[i] = r2.Point{X: k.At(0, 0)*cam.X/cam.Z + k.At(0, 2), Y: k.At(1, 1)*cam.Y/cam.Z + k.At(1, 2)}
	}

	call := 0
	extractor := &fakeExtractor{
		stereo: func(left, right image.Image) ([]r2.Point, *mat.Dense, []r3.Vector, error) {
			defer func() { call++ }()
			switch call {
			case 5:
				return baseKp, baseDesc, basePts3D, nil
			case 30:
				return curKp, baseDesc, nil, nil
			default:
				kp, desc := randomScene(rng, n, 32)
				return kp, desc, nil, nil
			}
		},
	}

	cfg := DefaultConfig()
	cfg.MinNeighbour = 5
	cfg.NCandidates = 5
	cfg.MinMatches = 20
	cfg.MinInliers = 12
	cfg.DescThresh = 0.95
	cfg.MaxReprojErr = 3.0
	e := newTestEngine(t, extractor, cfg)
	test.That(t, e.SetCameraModel(k), test.ShouldBeNil)
	defer e.Finalize()

	img := blankImage(640, 480)
	var lastValid bool
	var lastIndex int
	var lastTransform transform.Pose
	for i := 0; i < 31; i++ {
		_, err := e.SetNodeStereo(img, img, "frame")
		test.That(t, err, test.ShouldBeNil)
		valid, idx, _, tr, err := e.GetLoopClosure()
		test.That(t, err, test.ShouldBeNil)
		if i == 30 {
			lastValid, lastIndex, lastTransform = valid, idx, tr
		}
	}
	test.That(t, lastValid, test.ShouldBeTrue)
	test.That(t, lastIndex, test.ShouldEqual, 5)
	test.That(t, lastTransform.Translation.X, test.ShouldAlmostEqual, tTrue.X, 0.05)
}

func TestEngineNeighbourValidationRejectsSpurious(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const n = 30
	matchKp, matchDesc := randomScene(rng, n, 32)

	scenes := make([][]r2.Point, 41)
	descs := make([]*mat.Dense, 41)
	for i := 0; i < 41; i++ {
		scenes[i], descs[i] = randomScene(rng, n, 32)
	}
	// Frame 40 matches frame 12 only; 11 and 13 are unrelated scenes.
	scenes[40], descs[40] = matchKp, matchDesc
	scenes[12], descs[12] = matchKp, matchDesc

	call := 0
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			kp, desc := scenes[call], descs[call]
			call++
			return kp, desc, nil
		},
	}

	run := func(validate bool) (bool, int) {
		call = 0
		cfg := DefaultConfig()
		cfg.MinNeighbour = 5
		cfg.NCandidates = 3
		cfg.MinMatches = 20
		cfg.MinInliers = 12
		cfg.DescThresh = 0.95
		cfg.ValidateNeighbours = validate
		e := newTestEngine(t, extractor, cfg)
		defer e.Finalize()

		img := blankImage(640, 480)
		var valid bool
		var idx int
		for i := 0; i < 41; i++ {
			_, err := e.SetNode(img, "frame")
			test.That(t, err, test.ShouldBeNil)
			v, ix, _, _, err := e.GetLoopClosure()
			test.That(t, err, test.ShouldBeNil)
			valid, idx = v, ix
		}
		return valid, idx
	}

	validOn, _ := run(true)
	test.That(t, validOn, test.ShouldBeFalse)

	validOff, idxOff := run(false)
	test.That(t, validOff, test.ShouldBeTrue)
	test.That(t, idxOff, test.ShouldEqual, 12)
}

func TestEngineNeighbourGuard(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	kp, desc := randomScene(rng, 100, 32)
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			return kp, desc, nil
		},
	}
	cfg := DefaultConfig()
	cfg.MinNeighbour = 5
	cfg.NCandidates = 3
	cfg.MinMatches = 20
	cfg.MinInliers = 12
	e := newTestEngine(t, extractor, cfg)
	defer e.Finalize()

	img := blankImage(640, 480)
	for i := 0; i < 10; i++ {
		curIdx, err := e.SetNode(img, "frame")
		test.That(t, err, test.ShouldBeNil)
		valid, idx, _, _, err := e.GetLoopClosure()
		test.That(t, err, test.ShouldBeNil)
		if valid {
			test.That(t, curIdx-idx, test.ShouldBeGreaterThan, cfg.MinNeighbour)
		}
	}
}

func TestEngineFinalizeRemovesScratchDir(t *testing.T) {
	base := t.TempDir()
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			rng := rand.New(rand.NewSource(6))
			kp, desc := randomScene(rng, 50, 16)
			return kp, desc, nil
		},
	}
	cfg := DefaultConfig()
	cfg.WorkDir = base
	e := newTestEngine(t, extractor, cfg)

	_, err := e.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldBeNil)

	entries, err := os.ReadDir(base)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 1)
	scratchDir := filepath.Join(base, entries[0].Name())

	_, statErr := os.Stat(scratchDir)
	test.That(t, statErr, test.ShouldBeNil)

	test.That(t, e.Finalize(), test.ShouldBeNil)

	_, statErr = os.Stat(scratchDir)
	test.That(t, os.IsNotExist(statErr), test.ShouldBeTrue)
}

func TestEngineBucketedHashIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kp, desc := randomScene(rng, 200, 32)
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			return kp, desc, nil
		},
	}
	cfg := DefaultConfig()
	cfg.Bucket = BucketConfig{Rows: 2, Cols: 2, MaxDesc: 20}

	e1 := newTestEngine(t, extractor, cfg)
	defer e1.Finalize()
	_, err := e1.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldBeNil)
	_, _, _, _, err = e1.GetLoopClosure()
	test.That(t, err, test.ShouldBeNil)
	h1 := e1.index.Iter()[0].Hash

	e2 := newTestEngine(t, extractor, cfg)
	defer e2.Finalize()
	_, err = e2.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldBeNil)
	_, _, _, _, err = e2.GetLoopClosure()
	test.That(t, err, test.ShouldBeNil)
	h2 := e2.index.Iter()[0].Hash

	test.That(t, h1.RawVector().Data, test.ShouldResemble, h2.RawVector().Data)
}

func TestEngineResetStartsFreshSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	kp, desc := randomScene(rng, 50, 16)
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			return kp, desc, nil
		},
	}
	e := newTestEngine(t, extractor, DefaultConfig())
	defer e.Finalize()

	_, err := e.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldBeNil)
	_, _, _, _, err = e.GetLoopClosure()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.State(), test.ShouldEqual, StateWarming)

	test.That(t, e.Reset(), test.ShouldBeNil)
	test.That(t, e.State(), test.ShouldEqual, StateUninitialized)

	idx, err := e.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldEqual, 0)
}

func TestEngineDimensionMismatchRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	call := 0
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			defer func() { call++ }()
			if call == 0 {
				kp, desc := randomScene(rng, 50, 32)
				return kp, desc, nil
			}
			kp, desc := randomScene(rng, 50, 16)
			return kp, desc, nil
		},
	}
	e := newTestEngine(t, extractor, DefaultConfig())
	defer e.Finalize()

	_, err := e.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldBeNil)
	_, _, _, _, err = e.GetLoopClosure()
	test.That(t, err, test.ShouldBeNil)

	_, err = e.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errIsKind(err, KindDimensionMismatch), test.ShouldBeTrue)
}

func TestEngineDimensionMismatchRejectedBeforeFirstGetLoopClosure(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	call := 0
	extractor := &fakeExtractor{
		mono: func(img image.Image) ([]r2.Point, *mat.Dense, error) {
			defer func() { call++ }()
			if call == 0 {
				kp, desc := randomScene(rng, 50, 32)
				return kp, desc, nil
			}
			kp, desc := randomScene(rng, 50, 16)
			return kp, desc, nil
		},
	}
	e := newTestEngine(t, extractor, DefaultConfig())
	defer e.Finalize()

	_, err := e.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldBeNil)

	// No GetLoopClosure call in between: the hash basis is still
	// uninitialized, so the mismatch must be caught independently of it.
	_, err = e.SetNode(blankImage(640, 480), "frame")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errIsKind(err, KindDimensionMismatch), test.ShouldBeTrue)
}

func errIsKind(err error, k Kind) bool {
	lcErr, ok := err.(*Error)
	return ok && lcErr.Kind == k
}
