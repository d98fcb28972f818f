package train

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// EveryNEpochs registers an OnEpochEnd hook that is only called on epochs
// where (epoch+1) % n == 0. This is the cadence used for periodic
// checkpointing and validation.
func EveryNEpochs(loop *Loop, n int, name string, priority Priority, fn OnEpochEndFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNEpochs(%d): interval must be positive", n)
	}
	fullName := fmt.Sprintf("EveryNEpochs(%d): %s", n, name)
	loop.OnEpochEnd(fullName, priority, func(loop *Loop, res EpochResult) error {
		if (res.Epoch+1)%n != 0 {
			return nil
		}
		return fn(loop, res)
	})
}
