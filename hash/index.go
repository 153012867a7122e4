package hash

import "gonum.org/v1/gonum/mat"

// Entry is one (node index, hash vector) pair in a HashIndex.
type Entry struct {
	Index int
	Hash  *mat.VecDense
}

// Index is the append-only, insertion-ordered sequence of hashes computed
// for every ingested node (spec.md §4.3).
type Index struct {
	entries []Entry
}

// NewIndex returns an empty HashIndex.
func NewIndex() *Index {
	return &Index{}
}

// Append records (index, h) at the end of the sequence.
func (idx *Index) Append(index int, h *mat.VecDense) {
	idx.entries = append(idx.entries, Entry{Index: index, Hash: h})
}

// Size returns the number of entries appended so far.
func (idx *Index) Size() int {
	return len(idx.entries)
}

// Iter returns the entries in insertion order. The caller must not
// mutate the returned slice.
func (idx *Index) Iter() []Entry {
	return idx.entries
}
