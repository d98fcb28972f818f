package data

import (
	"io"
	"math/rand"
	"sync"
)

// Loader iterates an Indexed source one epoch at a time, optionally
// reshuffling the visiting order on every Reset.
//
// With a seeded rng the sequence of epoch orders is deterministic, so runs
// are reproducible given the same seed.
//
// Yield is safe for concurrent calls: the next index is taken under a lock
// while the batch itself is materialized outside of it, so a Parallel wrapper
// can fan out the expensive part.
type Loader struct {
	src     Indexed
	rng     *rand.Rand
	shuffle bool

	mu    sync.Mutex
	order []int
	next  int
}

// NewLoader creates a Loader over src in sequential order.
func NewLoader(src Indexed) *Loader {
	l := &Loader{src: src}
	l.buildOrderLocked()
	return l
}

// Shuffle makes the loader visit batches in a random order, reshuffled at
// every Reset. The rng is owned by the caller (usually the run's seeded rng).
//
// It returns the Loader so calls can be cascaded.
func (l *Loader) Shuffle(rng *rand.Rand) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rng = rng
	l.shuffle = true
	l.buildOrderLocked()
	return l
}

func (l *Loader) buildOrderLocked() {
	n := l.src.Len()
	if cap(l.order) < n {
		l.order = make([]int, n)
	}
	l.order = l.order[:n]
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(n, func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	l.next = 0
}

// Name implements Dataset.
func (l *Loader) Name() string { return l.src.Name() }

// NumBatches implements Dataset.
func (l *Loader) NumBatches() int { return l.src.Len() }

// Yield implements Dataset. It returns io.EOF at the end of the epoch.
func (l *Loader) Yield() (Batch, error) {
	l.mu.Lock()
	if l.next >= len(l.order) {
		l.mu.Unlock()
		return Batch{}, io.EOF
	}
	idx := l.order[l.next]
	l.next++
	l.mu.Unlock()
	return l.src.BatchAt(idx)
}

// Reset implements Dataset, starting a new epoch. If shuffling is enabled the
// order is redrawn.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buildOrderLocked()
}
