// Package data defines the dataset abstractions consumed by the training
// loop: an indexable batch source, an epoch iterator with optional per-epoch
// shuffling, and a parallel prefetching wrapper.
//
// The contents of a batch are opaque to this package: images, score maps and
// geometry maps are produced and consumed by the model backend. This package
// only owns ordering and delivery.
package data

import (
	"github.com/pkg/errors"
)

// Box is a quadrilateral word box, four (x, y) vertices in clockwise order.
// Ground-truth boxes ride along validation batches so the evaluator can score
// detections against them.
type Box [4][2]float64

// Batch is one unit of work for the model's train step.
type Batch struct {
	// Spec is the payload interpreted by the model backend (images plus
	// score/geometry maps for training splits).
	Spec any

	// Truth holds the ground-truth word boxes. Only set for validation
	// splits.
	Truth []Box
}

// Indexed is a random-access batch source, typically provided by the model
// backend. It is the equivalent of a map-style dataset: the Loader decides
// the visiting order.
type Indexed interface {
	// Name identifies the source, used for logging.
	Name() string

	// Len returns the number of batches available.
	Len() int

	// BatchAt materializes the i-th batch, 0 <= i < Len().
	// Implementations must be safe for concurrent calls if the source is
	// wrapped in a Parallel dataset.
	BatchAt(i int) (Batch, error)
}

// Dataset is a sequential view over batches for one epoch.
//
// Yield returns io.EOF when the epoch is exhausted. Reset starts a new epoch.
type Dataset interface {
	Name() string

	// Yield returns the next batch, or io.EOF at the end of the epoch.
	Yield() (Batch, error)

	// Reset restarts the dataset for a new epoch.
	Reset()

	// NumBatches returns the number of batches per epoch.
	NumBatches() int
}

// Slice is an Indexed backed by a slice of pre-built batches.
// Used in tests and by small in-memory backends.
type Slice struct {
	name    string
	batches []Batch
}

// NewSlice creates an Indexed source from a slice of batches.
func NewSlice(name string, batches []Batch) *Slice {
	return &Slice{name: name, batches: batches}
}

// Name implements Indexed.
func (s *Slice) Name() string { return s.name }

// Len implements Indexed.
func (s *Slice) Len() int { return len(s.batches) }

// BatchAt implements Indexed.
func (s *Slice) BatchAt(i int) (Batch, error) {
	if i < 0 || i >= len(s.batches) {
		return Batch{}, errors.Errorf("dataset %q: batch index %d out of range [0, %d)", s.name, i, len(s.batches))
	}
	return s.batches[i], nil
}

var (
	_ Indexed = (*Slice)(nil)
	_ Dataset = (*Loader)(nil)
)
