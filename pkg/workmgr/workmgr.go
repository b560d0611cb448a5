// Package workmgr provides concrete work-manager adapters (C7): the
// capability set the iteration driver requires to dispatch propagation,
// abstracted so the driver never branches on which variant it holds, per
// the work-manager polymorphism design note. Serial runs propagation
// in-process; Threads fans a batch out across a fixed worker pool, grounded
// on the leaf-worker channel pattern used for per-commit parallel work.
package workmgr

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/weensemble/wedriver/pkg/particle"
)

// Propagator advances one segment from its current status to COMPLETE or
// FAILED, producing the remaining pcoord elements, cputime, and walltime.
type Propagator interface {
	Propagate(ctx context.Context, seg particle.Segment) (particle.Segment, error)
}

// Serial runs every segment's propagation on the calling goroutine. It is
// the simplest WorkManager implementation and the default for small runs or
// debugging.
type Serial struct {
	Prop Propagator
}

// NewSerial builds a Serial work manager over prop.
func NewSerial(prop Propagator) *Serial {
	return &Serial{Prop: prop}
}

func (s *Serial) PrepareWorkers(context.Context) error { return nil }

func (s *Serial) IsServer() bool { return true }

func (s *Serial) PrepareIteration(context.Context, int, []particle.Segment) error { return nil }

// Propagate runs every segment through the propagator sequentially. A
// per-segment error marks that segment FAILED rather than aborting the
// batch; VERIFY in the driver decides the run's fate.
func (s *Serial) Propagate(ctx context.Context, segs []particle.Segment) ([]particle.Segment, error) {
	out := make([]particle.Segment, len(segs))

	for i, seg := range segs {
		result, err := s.Prop.Propagate(ctx, seg)
		if err != nil {
			seg.Status = particle.StatusFailed
			out[i] = seg

			continue
		}

		out[i] = result
	}

	return out, nil
}

func (s *Serial) FinalizeIteration(context.Context, int, []particle.Segment) error { return nil }

func (s *Serial) Shutdown(context.Context, int) error { return nil }

// Threads runs propagation across a fixed-size worker pool, grounded on the
// same fan-out/fan-in channel pattern used for per-commit leaf workers.
type Threads struct {
	Prop    Propagator
	Workers int
}

// NewThreads builds a Threads work manager with the given worker count.
// A non-positive count defaults to runtime.NumCPU.
func NewThreads(prop Propagator, workers int) *Threads {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Threads{Prop: prop, Workers: workers}
}

func (t *Threads) PrepareWorkers(context.Context) error { return nil }

func (t *Threads) IsServer() bool { return true }

func (t *Threads) PrepareIteration(context.Context, int, []particle.Segment) error { return nil }

type job struct {
	idx int
	seg particle.Segment
}

// Propagate dispatches segs across t.Workers goroutines and blocks until
// every job has produced a result, per spec §4.4's synchronous contract.
func (t *Threads) Propagate(ctx context.Context, segs []particle.Segment) ([]particle.Segment, error) {
	out := make([]particle.Segment, len(segs))

	jobs := make(chan job, len(segs))
	for i, seg := range segs {
		jobs <- job{idx: i, seg: seg}
	}
	close(jobs)

	var wg sync.WaitGroup

	workers := t.Workers
	if workers > len(segs) && len(segs) > 0 {
		workers = len(segs)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := range jobs {
				result, err := t.Prop.Propagate(ctx, j.seg)
				if err != nil {
					j.seg.Status = particle.StatusFailed
					out[j.idx] = j.seg

					continue
				}

				out[j.idx] = result
			}
		}()
	}

	wg.Wait()

	return out, nil
}

func (t *Threads) FinalizeIteration(context.Context, int, []particle.Segment) error { return nil }

func (t *Threads) Shutdown(context.Context, int) error { return nil }

// ErrNoPropagator reports a nil Propagator. NewSerial and NewThreads do not
// check for nil and never return it.
var ErrNoPropagator = fmt.Errorf("workmgr: propagator must not be nil")
