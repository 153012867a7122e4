package featurestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// FileStore persists one YAML file per node under a scratch directory
// named with a process-unique suffix, matching spec.md §4.1's note that
// "the source uses one file per node in a scratch directory named with a
// process-unique suffix." The suffix is a github.com/google/uuid value
// rather than the source's time(0)-derived string (original_source/src/lc.cpp),
// grounded on sanonone-kektordb's use of google/uuid for identifiers.
type FileStore struct {
	dir string
}

// fileRecord is the on-disk shape of a Record: mat.Dense has no YAML
// marshaling of its own, so the descriptor matrix is flattened to its
// dimensions and row-major data.
type fileRecord struct {
	Name        string      `yaml:"name"`
	KeyPoints   []r2.Point  `yaml:"kp"`
	DescRows    int         `yaml:"desc_rows"`
	DescCols    int         `yaml:"desc_cols"`
	DescData    []float64   `yaml:"desc"`
	Points3D    []r3.Vector `yaml:"threed"`
}

// NewFileStore creates a fresh scratch directory under baseDir and
// returns a FileStore backed by it. baseDir is created if it does not
// already exist (spec.md §6, "Scratch directory": "created under a
// caller-supplied base path, with a unique suffix per engine instance").
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New("base directory must not be empty")
	}
	dir := filepath.Join(baseDir, "lc_"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create scratch directory")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the scratch directory path, for tests that want to assert
// it exists before Close and does not after (spec.md §8, S6).
func (fs *FileStore) Dir() string {
	return fs.dir
}

func (fs *FileStore) path(index int) string {
	return filepath.Join(fs.dir, strconv.Itoa(index)+".yml")
}

// Put writes one node's record as a YAML file named <index>.yml.
func (fs *FileStore) Put(index int, rec Record) error {
	fr := fileRecord{
		Name:      rec.Name,
		KeyPoints: rec.KeyPoints,
		Points3D:  rec.Points3D,
	}
	if rec.Descriptors != nil {
		fr.DescRows, fr.DescCols = rec.Descriptors.Dims()
		fr.DescData = append([]float64(nil), rec.Descriptors.RawMatrix().Data...)
	}

	data, err := yaml.Marshal(fr)
	if err != nil {
		return errors.Wrap(err, "failed to marshal node record")
	}
	if err := os.WriteFile(fs.path(index), data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write node record")
	}
	return nil
}

// Get reads back the record stored under index, or a NotFound error if no
// file exists for it.
func (fs *FileStore) Get(index int) (Record, error) {
	data, err := os.ReadFile(fs.path(index))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, &notFoundError{index: index}
		}
		return Record{}, errors.Wrap(err, "failed to read node record")
	}

	var fr fileRecord
	if err := yaml.Unmarshal(data, &fr); err != nil {
		return Record{}, errors.Wrap(err, "failed to unmarshal node record")
	}

	rec := Record{
		Name:      fr.Name,
		KeyPoints: fr.KeyPoints,
		Points3D:  fr.Points3D,
	}
	if fr.DescRows > 0 && fr.DescCols > 0 {
		rec.Descriptors = mat.NewDense(fr.DescRows, fr.DescCols, fr.DescData)
	}
	return rec, nil
}

// Close removes the scratch directory and everything under it (spec.md
// §7, DirectoryError policy: failures here are surfaced, not swallowed).
func (fs *FileStore) Close() error {
	if err := os.RemoveAll(fs.dir); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to remove scratch directory %s", fs.dir))
	}
	return nil
}

// Clear removes every node file but keeps the scratch directory itself,
// so Engine.Reset can start a fresh sequence without re-creating it.
func (fs *FileStore) Clear() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return errors.Wrap(err, "failed to list scratch directory")
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(fs.dir, entry.Name())); err != nil {
			return errors.Wrap(err, "failed to remove node record")
		}
	}
	return nil
}
