package train

import (
	"sort"
)

// This file implements learning rate schedules.

// Schedule maps an epoch index to the learning rate in effect during it.
type Schedule interface {
	At(epoch int) float64
}

// MultiStepLR multiplies the base learning rate by Gamma at every milestone
// epoch, a step decay.
type MultiStepLR struct {
	base       float64
	milestones []int
	gamma      float64
}

// NewMultiStepLR creates a step-decay schedule over the given milestone
// epochs.
func NewMultiStepLR(base float64, milestones []int, gamma float64) *MultiStepLR {
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	return &MultiStepLR{base: base, milestones: ms, gamma: gamma}
}

// MidpointDecay is the schedule of the training drivers: a one-time decay by
// 0.1 at the midpoint epoch.
func MidpointDecay(base float64, maxEpoch int) *MultiStepLR {
	return NewMultiStepLR(base, []int{maxEpoch / 2}, 0.1)
}

// At implements Schedule.
func (s *MultiStepLR) At(epoch int) float64 {
	lr := s.base
	for _, m := range s.milestones {
		if epoch < m {
			break
		}
		lr *= s.gamma
	}
	return lr
}
