package data

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Parallel wraps a Dataset and prefetches batches with a pool of worker
// goroutines. The wrapped dataset must be safe for concurrent Yield calls
// (Loader is).
//
// The workers are fire-and-forget: they run until the epoch is exhausted, the
// dataset is cancelled, or one of them fails. A worker failure surfaces on
// the consumer's next Yield.
type Parallel struct {
	ds Dataset

	// workers is the number of goroutines prefetching batches.
	workers int

	// bufferSize is the capacity of the prefetched batch cache.
	bufferSize int

	impl *parallelImpl
}

// parallelImpl is kept separate from Parallel so that garbage collecting the
// wrapper also stops the worker goroutines (mirrors the finalizer below).
type parallelImpl struct {
	config Parallel // copy taken at Start

	err   error
	muErr sync.Mutex

	cache                                 chan Batch
	epochFinished, stopEpoch, stopDataset chan struct{}
}

// NewParallel wraps ds with a prefetching worker pool. Configure with
// Workers and Buffer, then call Start before use.
//
// Call Cancel when done with the dataset to release the goroutines early.
func NewParallel(ds Dataset) *Parallel {
	p := &Parallel{ds: ds}
	p.Workers(0)
	return p
}

// Workers sets the number of prefetching goroutines (the `num_workers` of the
// run configuration). If n is 0 it defaults to the number of CPUs plus one.
//
// Must be called before Start. It returns the updated Parallel, so calls can
// be cascaded.
func (p *Parallel) Workers(n int) *Parallel {
	if p.impl != nil {
		klog.Errorf("Parallel dataset configuration change after Start, ignored")
		return p
	}
	if n <= 0 {
		n = runtime.NumCPU() + 1
	}
	p.workers = n
	if p.bufferSize == 0 {
		p.bufferSize = n
	}
	return p
}

// Buffer sets the capacity of the prefetched batch cache.
//
// Must be called before Start. It returns the updated Parallel, so calls can
// be cascaded.
func (p *Parallel) Buffer(n int) *Parallel {
	if p.impl != nil {
		klog.Errorf("Parallel dataset configuration change after Start, ignored")
		return p
	}
	p.bufferSize = n
	return p
}

// Start launches the worker pool. After Start the configuration can no
// longer be changed. It returns the updated Parallel, so calls can be
// cascaded.
func (p *Parallel) Start() *Parallel {
	if p.impl != nil {
		klog.Errorf("Parallel.Start called more than once")
		return p
	}
	impl := &parallelImpl{
		cache:       make(chan Batch, p.bufferSize),
		stopDataset: make(chan struct{}),
		config:      *p,
	}
	p.impl = impl
	runtime.SetFinalizer(p, func(p *Parallel) {
		p.Cancel()
	})
	impl.startWorkers()
	return p
}

// Cancel stops the worker goroutines. The dataset must not be used after.
func (p *Parallel) Cancel() {
	impl := p.impl
	if impl == nil {
		return
	}
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	select {
	case <-impl.stopDataset:
	default:
		close(impl.stopDataset)
	}
}

func (impl *parallelImpl) startWorkers() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	var wg sync.WaitGroup
	for n := 0; n < impl.config.workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-impl.stopEpoch:
					return
				case <-impl.stopDataset:
					return
				default:
				}
				batch, err := impl.config.ds.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					// Fatal: record the first error and stop everything.
					impl.muErr.Lock()
					if impl.err == nil {
						impl.err = err
					}
					select {
					case <-impl.stopEpoch:
					default:
						close(impl.stopEpoch)
					}
					select {
					case <-impl.stopDataset:
					default:
						close(impl.stopDataset)
					}
					impl.muErr.Unlock()
					return
				}
				select {
				case <-impl.stopEpoch:
					return
				case <-impl.stopDataset:
					return
				case impl.cache <- batch:
				}
			}
		}()
	}

	// Controller: once all workers returned, mark the epoch finished.
	go func() {
		wg.Wait()
		impl.muErr.Lock()
		defer impl.muErr.Unlock()
		select {
		case <-impl.stopDataset:
			return
		default:
		}
		close(impl.epochFinished)
	}()
}

// Name implements Dataset.
func (p *Parallel) Name() string {
	return fmt.Sprintf("%s [parallel]", p.ds.Name())
}

// NumBatches implements Dataset.
func (p *Parallel) NumBatches() int { return p.ds.NumBatches() }

// Yield implements Dataset.
func (p *Parallel) Yield() (Batch, error) {
	impl := p.impl
	if impl == nil {
		return Batch{}, errors.Errorf("Parallel.Yield called before Start")
	}
	select {
	case <-impl.stopDataset:
		impl.muErr.Lock()
		err := impl.err
		impl.muErr.Unlock()
		if err == nil {
			err = errors.Errorf("parallel dataset %q was cancelled", p.Name())
		}
		return Batch{}, err
	case batch := <-impl.cache:
		return batch, nil
	case <-impl.epochFinished:
		// Workers are done, but the cache may still hold batches.
		select {
		case batch := <-impl.cache:
			return batch, nil
		default:
			return Batch{}, io.EOF
		}
	}
}

// Reset implements Dataset: drains the current epoch, resets the wrapped
// dataset and restarts the workers.
func (p *Parallel) Reset() {
	impl := p.impl
	if impl == nil {
		klog.Errorf("Parallel.Reset called before Start")
		return
	}
	impl.muErr.Lock()
	select {
	case <-impl.stopEpoch:
	default:
		close(impl.stopEpoch)
	}
	impl.muErr.Unlock()

	select {
	case <-impl.stopDataset:
		return
	case <-impl.epochFinished:
	}
	// Discard batches left over from the previous epoch.
	for {
		select {
		case <-impl.cache:
			continue
		default:
		}
		break
	}

	impl.config.ds.Reset()
	impl.startWorkers()
}
