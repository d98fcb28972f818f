package train

import (
	"github.com/gomlx/exceptions"
	"github.com/lightobserver/east/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BestTrackerKey is the SharedData key under which the early-stopping
// attachments publish their BestTracker, for UIs that want to display the
// stall count.
const BestTrackerKey = "best_tracker"

// BestTracker is the best-score state machine shared by both early-stopping
// policies: a comparator defining the improvement direction, a stall counter
// and a reset policy for it.
type BestTracker struct {
	better          func(current, best float64) bool
	resetsOnImprove bool
	patience        int

	best  float64
	stall int
}

// NewBestTracker creates a tracker starting from the given initial best
// score. better defines the improvement direction. When resetsOnImprove is
// false the stall counter counts every non-improving observation over the
// whole run instead of observations since the last improvement.
func NewBestTracker(initial float64, better func(current, best float64) bool, resetsOnImprove bool, patience int) *BestTracker {
	return &BestTracker{
		better:          better,
		resetsOnImprove: resetsOnImprove,
		patience:        patience,
		best:            initial,
	}
}

// MinLoss is the policy of the loss-based driver: lower cumulative epoch
// loss is better. The stall counter is one-way: it increments on every
// non-improving epoch and is never reset, so it counts total non-improving
// epochs rather than epochs since the last improvement.
func MinLoss(patience int) *BestTracker {
	return NewBestTracker(9999, func(current, best float64) bool { return current < best }, false, patience)
}

// MaxF1 is the policy of the validation-aware driver: higher F1 is better,
// and the stall counter resets to zero on every improvement.
func MaxF1(patience int) *BestTracker {
	return NewBestTracker(0, func(current, best float64) bool { return current > best }, true, patience)
}

// Observe feeds one score to the tracker. It returns whether the score
// improved on the best seen so far.
func (t *BestTracker) Observe(score float64) bool {
	if t.better(score, t.best) {
		t.best = score
		if t.resetsOnImprove {
			t.stall = 0
		}
		return true
	}
	t.stall++
	return false
}

// Best returns the best score observed (or the initial sentinel if none
// improved on it yet).
func (t *BestTracker) Best() float64 { return t.best }

// Stall returns the current stall count.
func (t *BestTracker) Stall() int { return t.stall }

// Stalled reports whether the stall count exceeded the patience.
func (t *BestTracker) Stalled() bool { return t.stall > t.patience }

// AttachLossEarlyStop drives the loss-based best/early-stop policy: every
// epoch's cumulative loss is scored against the tracker; onBest is called on
// improving epochs (typically to save a best checkpoint) and the loop is
// stopped once the tracker stalls.
func AttachLossEarlyStop(loop *Loop, tracker *BestTracker, priority Priority, onBest OnEpochEndFn) {
	loop.SharedData[BestTrackerKey] = tracker
	loop.OnEpochEnd("loss early stopping", priority, func(loop *Loop, res EpochResult) error {
		if tracker.Observe(res.SumLoss) {
			klog.Infof("New best model at epoch %d, best score %.4f", res.Epoch+1, tracker.Best())
			if onBest != nil {
				if err := onBest(loop, res); err != nil {
					return err
				}
			}
		}
		if tracker.Stalled() {
			loop.Stop("no more best model")
		}
		return nil
	})
}

// ValidateFn runs one validation pass and returns its detection metrics.
type ValidateFn func(m model.Model) (model.Metrics, error)

// OnValidationFn is called after every validation pass with its metrics and
// whether the pass improved on the best F1.
type OnValidationFn func(loop *Loop, res EpochResult, metrics model.Metrics, improved bool) error

// AttachValidation drives the metric-based best/early-stop policy of the
// validation-aware driver: every interval epochs it runs validate, scores
// the F1 against the tracker and calls onValidation. The early-stop check
// only happens inside the validation branch, so epochs in between cannot
// terminate the run.
func AttachValidation(loop *Loop, interval int, tracker *BestTracker, priority Priority,
	validate ValidateFn, onValidation OnValidationFn) {
	if interval <= 0 {
		exceptions.Panicf("AttachValidation: interval must be positive, got %d", interval)
	}
	loop.SharedData[BestTrackerKey] = tracker
	EveryNEpochs(loop, interval, "validation", priority, func(loop *Loop, res EpochResult) error {
		metrics, err := validate(loop.Model)
		if err != nil {
			return errors.WithMessagef(err, "validation at epoch %d", res.Epoch+1)
		}
		improved := tracker.Observe(metrics.F1)
		if improved {
			klog.Infof("New best model at epoch %d, best score %.4f", res.Epoch+1, tracker.Best())
		}
		if onValidation != nil {
			if err := onValidation(loop, res, metrics, improved); err != nil {
				return err
			}
		}
		if tracker.Stalled() {
			loop.Stop("no more best model, training is over")
		}
		return nil
	})
}
