package data

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelYieldsFullEpochs(t *testing.T) {
	ds := NewParallel(NewLoader(NewSlice("test", numberedBatches(50)))).Workers(4).Start()
	defer ds.Cancel()
	assert.Equal(t, 50, ds.NumBatches())
	assert.Contains(t, ds.Name(), "parallel")

	for epoch := 0; epoch < 3; epoch++ {
		var got []int
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			got = append(got, batch.Spec.(int))
		}
		assert.Lenf(t, got, 50, "epoch %d", epoch)
		want := make([]int, 50)
		for i := range want {
			want[i] = i
		}
		assert.ElementsMatchf(t, want, got, "epoch %d", epoch)
		ds.Reset()
	}
}

// failingSource fails materializing one batch; the error must surface on the
// consumer's Yield.
type failingSource struct{}

func (failingSource) Name() string { return "failing" }
func (failingSource) Len() int     { return 10 }
func (failingSource) BatchAt(i int) (Batch, error) {
	if i == 7 {
		return Batch{}, errors.New("corrupted image")
	}
	return Batch{Spec: i}, nil
}

func TestParallelPropagatesWorkerError(t *testing.T) {
	ds := NewParallel(NewLoader(failingSource{})).Workers(2).Start()
	defer ds.Cancel()

	var err error
	for i := 0; i < 10; i++ {
		_, err = ds.Yield()
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	assert.Contains(t, err.Error(), "corrupted image")
}

func TestParallelYieldBeforeStart(t *testing.T) {
	ds := NewParallel(NewLoader(NewSlice("test", numberedBatches(1))))
	_, err := ds.Yield()
	assert.Error(t, err)
}
