package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinLossTracker(t *testing.T) {
	tracker := MinLoss(2)

	// Any finite loss beats the initial sentinel.
	assert.True(t, tracker.Observe(5000))
	assert.Equal(t, 5000.0, tracker.Best())
	assert.Equal(t, 0, tracker.Stall())

	assert.True(t, tracker.Observe(4.0))
	assert.False(t, tracker.Observe(4.0), "equal is not an improvement")
	assert.Equal(t, 1, tracker.Stall())
	assert.False(t, tracker.Observe(6.0))
	assert.Equal(t, 2, tracker.Stall())
	assert.False(t, tracker.Stalled())
	assert.False(t, tracker.Observe(7.0))
	assert.True(t, tracker.Stalled(), "stops only once the count exceeds patience")
	assert.Equal(t, 4.0, tracker.Best(), "best is non-increasing")
}

// The loss policy counts total non-improving epochs over the whole run: an
// improvement does not reset the counter.
func TestMinLossStallNeverResets(t *testing.T) {
	tracker := MinLoss(10)
	assert.True(t, tracker.Observe(5.0))
	assert.False(t, tracker.Observe(6.0))
	assert.False(t, tracker.Observe(7.0))
	assert.Equal(t, 2, tracker.Stall())

	assert.True(t, tracker.Observe(4.0))
	assert.Equal(t, 2, tracker.Stall(), "improvement leaves the counter in place")
	assert.False(t, tracker.Observe(4.5))
	assert.Equal(t, 3, tracker.Stall())
}

func TestMaxF1Tracker(t *testing.T) {
	tracker := MaxF1(1)

	assert.False(t, tracker.Observe(0.0), "the initial best of 0 is not beaten by 0")
	assert.Equal(t, 1, tracker.Stall())
	assert.True(t, tracker.Observe(0.5))
	assert.Equal(t, 0, tracker.Stall(), "improvement resets the counter")
	assert.False(t, tracker.Observe(0.4))
	assert.False(t, tracker.Stalled())
	assert.False(t, tracker.Observe(0.3))
	assert.True(t, tracker.Stalled())
	assert.Equal(t, 0.5, tracker.Best())
}

func TestNewBestTrackerCustomPolicy(t *testing.T) {
	// Maximize with a one-way counter.
	tracker := NewBestTracker(-1, func(current, best float64) bool { return current > best }, false, 0)
	assert.True(t, tracker.Observe(0.0))
	assert.False(t, tracker.Observe(-0.5))
	assert.True(t, tracker.Observe(1.0))
	assert.Equal(t, 1, tracker.Stall())
	assert.True(t, tracker.Stalled())
}
