package data

import (
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedBatches(n int) []Batch {
	batches := make([]Batch, n)
	for i := range batches {
		batches[i] = Batch{Spec: i}
	}
	return batches
}

// drain collects the Spec values of one epoch.
func drain(t *testing.T, ds Dataset) []int {
	t.Helper()
	var got []int
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			return got
		}
		require.NoError(t, err)
		got = append(got, batch.Spec.(int))
	}
}

func TestLoaderSequential(t *testing.T) {
	ds := NewLoader(NewSlice("test", numberedBatches(5)))
	assert.Equal(t, 5, ds.NumBatches())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, drain(t, ds))

	// Exhausted until Reset.
	_, err := ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, drain(t, ds))
}

func TestLoaderShuffleDeterministic(t *testing.T) {
	epochs := func(seed int64) [][]int {
		ds := NewLoader(NewSlice("test", numberedBatches(20))).Shuffle(rand.New(rand.NewSource(seed)))
		var orders [][]int
		for i := 0; i < 3; i++ {
			orders = append(orders, drain(t, ds))
			ds.Reset()
		}
		return orders
	}

	first := epochs(42)
	second := epochs(42)
	assert.Equal(t, first, second, "same seed must give the same epoch orders")

	// Each epoch covers every batch exactly once.
	for _, order := range first {
		assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, order)
	}

	// Orders are reshuffled between epochs (20! makes a collision absurd).
	assert.NotEqual(t, first[0], first[1])
}

func TestSliceBatchAtOutOfRange(t *testing.T) {
	s := NewSlice("test", numberedBatches(2))
	_, err := s.BatchAt(2)
	assert.Error(t, err)
	_, err = s.BatchAt(-1)
	assert.Error(t, err)
}
