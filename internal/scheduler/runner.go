package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticerun/scheduler/internal/executorgw"
	"github.com/latticerun/scheduler/internal/platform/logger"
	"github.com/latticerun/scheduler/internal/queue"
)

/*
Runner is the dispatch loop of spec.md §4.5: it marries pending work to
available executor capacity. It holds no mutex of its own and never takes
BatchSingleJobScheduler's mutex directly — the pending queue and the
scheduling policy it drives through AssignExecutor are each independently
synchronized, per spec.md §5's locking discipline.

Fairness is strict FIFO within schedule-group order: the runner always
retries the same head-of-line task group when no executor is currently
eligible for it, rather than skipping ahead to a later one.
*/
type Runner struct {
	log     *logger.Logger
	pending *queue.PendingTaskGroupQueue
	sched   *BatchSingleJobScheduler
	gateway executorgw.Gateway

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewRunner constructs a Runner bound to one scheduler's pending queue and
// executor gateway.
func NewRunner(log *logger.Logger, pending *queue.PendingTaskGroupQueue, sched *BatchSingleJobScheduler, gateway executorgw.Gateway) *Runner {
	return &Runner{
		log:        log,
		pending:    pending,
		sched:      sched,
		gateway:    gateway,
		minBackoff: 10 * time.Millisecond,
		maxBackoff: 250 * time.Millisecond,
	}
}

/*
Start launches the dispatch loop on its own goroutine, supervised by an
errgroup so a fatal error in the loop is observable by the caller without
the submitting (user-application) thread ever blocking on it — spec.md §9's
"thread-per-task application runner" note, generalized: whatever goroutine
calls ScheduleJob returns immediately, and dispatch runs independently.
The returned group's Wait unblocks once the job reaches a terminal state
or the queue is closed via Stop. ctx cancellation is observed between
iterations and during a backoff wait, but not while the loop is parked in
Peek on an empty queue; only Stop unblocks that.
*/
func (r *Runner) Start(ctx context.Context) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.dispatchLoop(gctx)
	})
	return g
}

// Stop closes the pending queue, unblocking any goroutine parked in
// Peek/Dequeue and causing the dispatch loop to exit on its next iteration.
func (r *Runner) Stop() {
	r.pending.Close()
}

// WithBackoff overrides the default no-executor-eligible retry backoff
// bounds, returning the receiver for chaining at construction time.
func (r *Runner) WithBackoff(min, max time.Duration) *Runner {
	if min > 0 {
		r.minBackoff = min
	}
	if max > 0 {
		r.maxBackoff = max
	}
	return r
}

func (r *Runner) dispatchLoop(ctx context.Context) error {
	backoff := r.minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if stateMgr := r.sched.currentStateMgr(); stateMgr != nil {
			if terminal, _ := stateMgr.CheckJobTermination(); terminal {
				return nil
			}
		}

		head, ok := r.pending.Peek()
		if !ok {
			// Queue closed and drained: nothing left to dispatch, ever.
			return nil
		}

		executorID, placed := r.sched.AssignExecutor(head)
		if !placed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < r.maxBackoff {
				backoff *= 2
				if backoff > r.maxBackoff {
					backoff = r.maxBackoff
				}
			}
			continue
		}
		backoff = r.minBackoff

		// AssignExecutor already transitioned the task group to EXECUTING
		// and recorded the placement with the policy; Dequeue removes the
		// entry we just committed to from the head of its schedule group.
		// Single-consumer discipline (only this loop calls Peek/Dequeue)
		// guarantees the head has not changed since the Peek above.
		r.pending.Dequeue()

		if err := r.gateway.LaunchTaskGroup(ctx, executorID, *head); err != nil && r.log != nil {
			r.log.Warn("launch task group rpc failed",
				"executor_id", executorID, "task_group_id", head.TaskGroup.ID, "error", err)
			// The RPC failure is not handled here: the cluster-resource
			// provider is expected to detect the dead executor and deliver
			// ExecutorRemoved, which drives CONTAINER_FAILURE recovery for
			// every task group it was running, this one included.
		}
	}
}
