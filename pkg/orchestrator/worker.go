package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rlmrs/rlmrs/pkg/budget"
)

// Dispatcher runs answerer executions on a bounded worker pool. Submissions
// beyond the worker count block until a slot frees.
type Dispatcher struct {
	o       *Orchestrator
	baseCtx context.Context
	sem     *semaphore.Weighted
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. baseCtx bounds the lifetime of every
// dispatched run; cancelling it stops in-flight executions at their next
// suspension point.
func NewDispatcher(baseCtx context.Context, o *Orchestrator, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		o:       o,
		baseCtx: baseCtx,
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  o.logger,
	}
}

// Submit schedules an execution run. ctx bounds only the wait for a worker
// slot; the run itself lives on the dispatcher's base context so the
// submitting request can return immediately.
func (d *Dispatcher) Submit(ctx context.Context, executionID string) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		err := d.o.Run(d.baseCtx, executionID)
		switch {
		case err == nil:
		case errors.Is(err, budget.ErrLeaseHeld):
			d.logger.Info("execution already driven elsewhere", "execution", executionID)
		case errors.Is(err, context.Canceled):
			d.logger.Info("execution run interrupted by shutdown", "execution", executionID)
		default:
			d.logger.Error("execution run failed", "execution", executionID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
