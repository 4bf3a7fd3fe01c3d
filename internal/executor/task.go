package executor

import (
	"context"
	"sync"
)

// Job is a unit of work submitted to the executor's worker slots.
type Job struct {
	Name string
	Run  func(ctx context.Context) Result
	// OnDone runs on the worker after Run, whether or not anyone waits.
	OnDone func(Result)
}

// Task is the future of a submitted Job.
type Task struct {
	done   chan struct{}
	result Result
}

// Done is closed when the job has finished and OnDone has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the job finishes or ctx ends. Giving up on the wait
// does not cancel the job.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type jobGroup struct {
	wg sync.WaitGroup
}

// Submit runs job on a bounded worker slot. The job keeps the values of
// ctx but not its cancellation; the script timeout still applies.
func (e *Executor) Submit(ctx context.Context, job Job) *Task {
	t := &Task{done: make(chan struct{})}
	jctx := context.WithoutCancel(ctx)

	e.jobs.wg.Add(1)
	go func() {
		defer e.jobs.wg.Done()
		defer close(t.done)

		// Acquire cannot fail on a context that is never cancelled.
		_ = e.sem.Acquire(jctx, 1)
		defer e.sem.Release(1)

		t.result = job.Run(jctx)
		if job.OnDone != nil {
			job.OnDone(t.result)
		}
		e.log.Debug("job finished", "job", job.Name, "success", t.result.Success)
	}()
	return t
}

// Drain waits for submitted jobs to finish or ctx to end.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.jobs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
