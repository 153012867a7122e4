// Package featurestore persists per-node keypoints, descriptors, optional
// 3-D points, and a human-readable name, keyed by node index (spec.md
// §4.1). It is adapted from go.viam.com/rdk's artifact.Cache/Store split:
// a small interface with two implementations, one in-memory and one
// file-backed.
package featurestore

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Record is one persisted node: its name, keypoints, descriptor matrix,
// and (for stereo) triangulated 3-D points.
type Record struct {
	Name        string      `yaml:"name"`
	KeyPoints   []r2.Point  `yaml:"kp"`
	Descriptors *mat.Dense  `yaml:"-"`
	Points3D    []r3.Vector `yaml:"threed"`
}

// Store is the FeatureStore contract (spec.md §4.1): put persists one
// node durably for the engine's lifetime, get fails with NotFound if the
// index was never stored.
type Store interface {
	// Put persists one node. Must be durable across the engine's lifetime.
	Put(index int, rec Record) error
	// Get retrieves a previously stored node, or a NotFound error.
	Get(index int) (Record, error)
	// Close releases any resources the store holds (e.g. a scratch directory).
	Close() error
	// Clear removes every stored record without releasing the store's
	// resources, so a caller (Engine.Reset) can run a fresh sequence
	// without re-creating the scratch directory.
	Clear() error
}
