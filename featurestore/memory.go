package featurestore

import "github.com/pkg/errors"

// notFoundError marks a NotFound condition without this package importing
// the engine's error Kind type; callers recognize it with IsNotFound.
type notFoundError struct {
	index int
}

func (e *notFoundError) Error() string {
	return errors.Errorf("node %d not found", e.index).Error()
}

// IsNotFound reports whether err is (or wraps) a not-found condition from this store.
func IsNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

// Memory is an in-memory Store, for tests and non-durable callers
// (spec.md §4.1, "Implementation freedom: in-memory map or per-node file").
type Memory struct {
	records map[int]Record
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{records: make(map[int]Record)}
}

// Put stores rec under index, overwriting any previous value.
func (m *Memory) Put(index int, rec Record) error {
	m.records[index] = rec
	return nil
}

// Get retrieves the record stored under index.
func (m *Memory) Get(index int) (Record, error) {
	rec, ok := m.records[index]
	if !ok {
		return Record{}, &notFoundError{index: index}
	}
	return rec, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// Clear removes every stored record.
func (m *Memory) Clear() error {
	m.records = make(map[int]Record)
	return nil
}
