package main

import (
	"context"
	"sync"
	"time"

	"evapi/pkg/ledger"
)

// outcome of one ledger invocation, waiting to be audited and published.
type outcomeJob struct {
	ctx      context.Context
	inv      ledger.Invocation
	identity string
	recordID string
	err      error
	elapsed  time.Duration
}

// recorder runs outcome jobs on a fixed set of workers behind a bounded
// queue. Submit never blocks; a full queue drops the job.
type recorder struct {
	jobs   chan outcomeJob
	handle func(outcomeJob)
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newRecorder(queue, workers int, handle func(outcomeJob)) *recorder {
	if queue <= 0 {
		queue = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	r := &recorder{jobs: make(chan outcomeJob, queue), handle: handle}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for job := range r.jobs {
				r.handle(job)
			}
		}()
	}
	return r
}

func (r *recorder) Submit(job outcomeJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (r *recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
