// Package worker provides the cooperative loop shared by all Conveyor
// services. A worker runs one iteration at a time on its own goroutine;
// everything external talks to it through Trigger, Cancel and Query.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is the unit of work a Worker drives. Work must honor ctx
// cancellation at blocking calls; Cleanup runs exactly once when the
// worker exits.
type Job interface {
	Work(ctx context.Context, payload any)
	Cleanup()
}

type query struct {
	fn     func() any
	result chan any
}

// Worker owns one goroutine that alternates between running the job
// and waiting for a wakeup. Multiple triggers while the job is busy
// coalesce into a single pending wakeup; the most recent non-nil
// payload wins.
type Worker struct {
	name string
	job  Job

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	payload any
	wake    chan struct{}

	// sem is held by the worker while an iteration is in flight.
	// TryPause takes it to observe quiescence.
	sem     chan struct{}
	paused  bool
	pauseMu sync.Mutex

	queries chan query
	done    chan struct{}
}

// New creates a worker for job and starts its loop. The first
// iteration runs immediately with a nil payload.
func New(name string, job Job) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		name:    name,
		job:     job,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		sem:     make(chan struct{}, 1),
		queries: make(chan query),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Trigger enqueues one wakeup. It is safe from any goroutine and after
// the worker has exited.
func (w *Worker) Trigger(payload any) {
	w.mu.Lock()
	if payload != nil {
		w.payload = payload
	}
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Reschedule arranges a wakeup after delay, as if Trigger had been
// called then.
func (w *Worker) Reschedule(delay time.Duration, payload any) {
	time.AfterFunc(delay, func() { w.Trigger(payload) })
}

// Cancel stops the worker: the in-flight iteration sees its context
// cancelled, Cleanup runs, and the loop exits. A paused worker is
// resumed first so it can observe the cancellation.
func (w *Worker) Cancel() {
	w.cancel()
	w.Resume()
	w.Trigger(nil)
}

// Done is closed once the loop has exited and Cleanup has run.
func (w *Worker) Done() <-chan struct{} { return w.done }

// TryPause blocks until the worker is between iterations, then holds it
// there. It returns false if the worker did not reach quiescence within
// timeout. This is the only supported way for tests to observe a
// worker going idle.
func (w *Worker) TryPause(timeout time.Duration) bool {
	select {
	case <-w.sem:
		w.pauseMu.Lock()
		w.paused = true
		w.pauseMu.Unlock()
		return true
	case <-time.After(timeout):
		return false
	}
}

// Resume releases a pause taken with TryPause. Calling Resume on a
// worker that is not paused is a no-op.
func (w *Worker) Resume() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	if w.paused {
		w.paused = false
		w.sem <- struct{}{}
	}
}

// Query runs fn on the worker goroutine between iterations and returns
// its result, for race-free inspection of job state.
func (w *Worker) Query(fn func() any) any {
	q := query{fn: fn, result: make(chan any, 1)}
	select {
	case w.queries <- q:
		return <-q.result
	case <-w.done:
		return nil
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	defer w.job.Cleanup()

	slog.Debug("Worker started", "worker", w.name)
	var payload any
	for {
		if w.ctx.Err() != nil {
			slog.Debug("Worker cancelled", "worker", w.name)
			return
		}

		w.job.Work(w.ctx, payload)

		// Release the iteration semaphore while idle.
		w.sem <- struct{}{}
		payload = w.await()
		select {
		case <-w.sem:
		case <-w.ctx.Done():
			slog.Debug("Worker cancelled", "worker", w.name)
			return
		}
	}
}

// await blocks until the next wakeup, serving queries meanwhile.
func (w *Worker) await() any {
	for {
		select {
		case <-w.wake:
			w.mu.Lock()
			p := w.payload
			w.payload = nil
			w.mu.Unlock()
			return p
		case q := <-w.queries:
			q.result <- q.fn()
		case <-w.ctx.Done():
			return nil
		}
	}
}
