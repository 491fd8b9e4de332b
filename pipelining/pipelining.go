// Package pipelining implements the row-level pipelining interface (spec
// §5): a transform-owned worker pool that may process submitted rows
// concurrently while preserving FIFO output order regardless of
// completion order. The Row Processor itself stays single-threaded at
// the row-dispatch level; this package is for transforms that opt into
// internal parallelism (e.g. a batch of concurrent LLM calls) without
// breaking the runtime's ordering guarantees.
package pipelining

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Work processes one accepted row and returns its replacement row or a
// permanent failure.
type Work func(ctx context.Context, row json.RawMessage) (json.RawMessage, error)

// Output is one completed unit of work, tagged with the sequence number
// Accept assigned it so callers can recover submission order if they
// bypass Results.
type Output struct {
	Seq int64
	Row json.RawMessage
	Err error
}

// Stage is a connected output port (spec §5 "connectOutput"): a bounded
// worker pool over Work, with a FIFO reorder buffer in front of Results so
// consumers always see outputs in the order rows were Accepted.
type Stage struct {
	sem  *semaphore.Weighted
	work Work

	mu      sync.Mutex
	nextIn  int64
	nextOut int64
	buffer  map[int64]Output
	out     chan Output
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// ConnectOutput configures a Stage's backpressure and worker fan-out
// (spec §5): maxPending bounds how many rows may be in flight at once,
// capped by the caller's own max_workers policy if configured.
func ConnectOutput(maxPending int, work Work) *Stage {
	if maxPending <= 0 {
		maxPending = 1
	}
	return &Stage{
		sem:    semaphore.NewWeighted(int64(maxPending)),
		work:   work,
		buffer: make(map[int64]Output),
		out:    make(chan Output, maxPending),
	}
}

// Accept submits row for processing, blocking until a worker slot is free
// (spec §5 "accept(row, ctx): blocks when the in-flight buffer is full").
// It returns once the row has been admitted, not once it has completed;
// completions arrive on Results in submission order.
func (s *Stage) Accept(ctx context.Context, row json.RawMessage) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	s.mu.Lock()
	seq := s.nextIn
	s.nextIn++
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, seq, row)
	return nil
}

func (s *Stage) run(ctx context.Context, seq int64, row json.RawMessage) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	out, err := s.work(ctx, row)
	s.deliver(Output{Seq: seq, Row: out, Err: err})
}

// deliver buffers a completed unit and emits every contiguous run starting
// at nextOut, preserving FIFO order even though workers finish out of
// order.
func (s *Stage) deliver(o Output) {
	s.mu.Lock()
	s.buffer[o.Seq] = o
	var ready []Output
	for {
		next, ok := s.buffer[s.nextOut]
		if !ok {
			break
		}
		delete(s.buffer, s.nextOut)
		ready = append(ready, next)
		s.nextOut++
	}
	s.mu.Unlock()

	for _, r := range ready {
		s.out <- r
	}
}

// Results returns the channel consumers read completed outputs from, in
// submission order.
func (s *Stage) Results() <-chan Output { return s.out }

// Flush waits for every in-flight unit of work to complete and be
// delivered to Results (spec §5 "flush(): drain ... worker resources").
// It does not close Results; callers may continue submitting afterward.
func (s *Stage) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains remaining work and releases the Stage's resources,
// closing Results. Idempotent.
func (s *Stage) Close() error {
	s.closeOnce.Do(func() {
		s.wg.Wait()
		close(s.out)
	})
	return nil
}
