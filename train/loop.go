// Package train implements the epoch training loop and its attachments:
// progress reporting hooks, checkpoint cadence, learning-rate schedules and
// best-score / early-stopping policies.
package train

import (
	"io"
	"math"
	"sort"
	"time"

	"github.com/lightobserver/east/data"
	"github.com/lightobserver/east/model"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but
// negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds data.Dataset) error

// OnBatchFn is the type of OnBatch hooks, called after every train step.
type OnBatchFn func(loop *Loop, step model.StepResult) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called after a full pass
// over the dataset.
type OnEpochEndFn func(loop *Loop, res EpochResult) error

// OnEndFn is the type of OnEnd hooks, called once when the loop terminates.
type OnEndFn func(loop *Loop) error

// EpochResult is the transient record of one finished epoch. It is handed to
// OnEpochEnd hooks and not retained.
type EpochResult struct {
	// Epoch index, starting from 0.
	Epoch int

	// SumLoss is the cumulative batch loss over the epoch, MeanLoss its
	// mean over the number of batches run.
	SumLoss, MeanLoss float64

	Elapsed time.Duration
}

// Loop runs a fixed-epoch training loop, invoking Model.TrainStep for every
// batch and calling the appropriate hooks.
//
// In itself it doesn't do much, but one can attach functionality to it:
// checkpointing, progress bars, early-stopping policies, telemetry. The
// public attributes are meant for reading only.
type Loop struct {
	// Model being trained.
	Model model.Model

	// Schedule maps epochs to learning rates. May be nil, in which case
	// the backend's current rate is left untouched.
	Schedule Schedule

	// Epoch currently being executed, in [0, MaxEpoch).
	Epoch int

	// MaxEpoch of the current run.
	MaxEpoch int

	// BatchStep is the batch index within the current epoch.
	BatchStep int

	// NumBatches per epoch of the dataset being run.
	NumBatches int

	// SharedData allows cross-attachments to publish and consume
	// information. Keys and the semantics of their values are not
	// specified by the loop.
	SharedData map[string]any

	stopReason string
	stopped    bool

	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onBatch    *priorityHooks[*hookWithName[OnBatchFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop for the given model and schedule.
func NewLoop(m model.Model, schedule Schedule) *Loop {
	return &Loop{
		Model:      m,
		Schedule:   schedule,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onBatch:    newPriorityHooks[*hookWithName[OnBatchFn]](),
		onEpochEnd: newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// Stop requests early termination. It takes effect after all OnEpochEnd
// hooks of the current epoch have run, so a periodic checkpoint scheduled
// for the stopping epoch is still written.
func (loop *Loop) Stop(reason string) {
	loop.stopped = true
	loop.stopReason = reason
}

// Stopped reports whether the loop terminated early, and why.
func (loop *Loop) Stopped() (bool, string) {
	return loop.stopped, loop.stopReason
}

// RunEpochs trains for maxEpoch epochs over ds, or until a hook calls Stop.
// Dataset.Reset is called after each epoch.
//
// Any error from the model, the dataset or a hook aborts the run: there are
// no retries and no partial-state recovery.
func (loop *Loop) RunEpochs(ds data.Dataset, maxEpoch int) error {
	loop.MaxEpoch = maxEpoch
	loop.NumBatches = ds.NumBatches()
	loop.stopped = false
	loop.stopReason = ""
	if err := loop.start(ds); err != nil {
		return err
	}
	for loop.Epoch = 0; loop.Epoch < maxEpoch; loop.Epoch++ {
		loop.Model.Train()
		if loop.Schedule != nil {
			loop.Model.SetLearningRate(loop.Schedule.At(loop.Epoch))
		}
		epochStart := time.Now()
		var sumLoss float64
		loop.BatchStep = 0
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "epoch %d: failed reading from dataset %q", loop.Epoch, ds.Name())
			}
			step, err := loop.Model.TrainStep(batch)
			if err != nil {
				return errors.WithMessagef(err, "epoch %d: train step %d failed", loop.Epoch, loop.BatchStep)
			}
			if math.IsNaN(step.Loss) || math.IsInf(step.Loss, 0) {
				return errors.Errorf("batch loss is %f at epoch %d, step %d: training interrupted",
					step.Loss, loop.Epoch, loop.BatchStep)
			}
			sumLoss += step.Loss
			if err = loop.batch(step); err != nil {
				return err
			}
			loop.BatchStep++
		}
		ds.Reset()

		res := EpochResult{
			Epoch:   loop.Epoch,
			SumLoss: sumLoss,
			Elapsed: time.Since(epochStart),
		}
		if loop.BatchStep > 0 {
			res.MeanLoss = sumLoss / float64(loop.BatchStep)
		}
		if err := loop.epochEnd(res); err != nil {
			return err
		}
		if loop.stopped {
			break
		}
	}
	return loop.end()
}

// start of loop: calls the OnStart hooks.
func (loop *Loop) start(ds data.Dataset) (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, ds)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// batch calls the OnBatch hooks after one train step.
func (loop *Loop) batch(step model.StepResult) (err error) {
	loop.onBatch.Enumerate(func(hook *hookWithName[OnBatchFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, step)
		if err != nil {
			err = errors.WithMessagef(err, "OnBatch(hook %q)", hook.name)
		}
	})
	return
}

// epochEnd calls the OnEpochEnd hooks after one full pass over the dataset.
func (loop *Loop) epochEnd(res EpochResult) (err error) {
	loop.onEpochEnd.Enumerate(func(hook *hookWithName[OnEpochEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, res)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	})
	return
}

// end of loop: calls the OnEnd hooks.
func (loop *Loop) end() (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// OnStart adds a hook with given priority and name (for error reporting) to
// the start of the loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnBatch adds a hook called after every Model.TrainStep.
func (loop *Loop) OnBatch(name string, priority Priority, fn OnBatchFn) {
	loop.onBatch.Add(priority, &hookWithName[OnBatchFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook called after every full pass over the dataset.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook called once when the loop terminates, whether by
// exhausting the epoch budget or by early stop.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
