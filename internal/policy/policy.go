// Package policy implements the pluggable executor-selection strategy used
// by BatchSingleJobScheduler when dispatching a ScheduledTaskGroup (spec.md
// §4.4).
package policy

import "github.com/latticerun/scheduler/internal/domain"

// ExecutorInfo is the scheduling-relevant view of an executor the policy
// chooses among: its remaining capacity and its labels.
type ExecutorInfo struct {
	ID       domain.ExecutorID
	Capacity int
	Used     int
	Labels   map[string]bool
}

// Remaining returns the executor's free slot count.
func (e ExecutorInfo) Remaining() int {
	r := e.Capacity - e.Used
	if r < 0 {
		return 0
	}
	return r
}

// SchedulingPolicy selects an executor for a task group and is notified of
// executor membership changes so it can maintain whatever internal index it
// needs (spec.md §4.4).
type SchedulingPolicy interface {
	// SelectExecutor returns the executor id that should run the given
	// stage's task group, or ok=false if none currently qualifies.
	SelectExecutor(stage *domain.PhysicalStage) (domain.ExecutorID, bool)
	// OnExecutorAdded registers a newly available executor.
	OnExecutorAdded(info ExecutorInfo)
	// OnExecutorRemoved unregisters an executor, e.g. after a
	// CONTAINER_FAILURE.
	OnExecutorRemoved(id domain.ExecutorID)
	// OnTaskGroupScheduled records that a task group was placed on an
	// executor, consuming one capacity slot.
	OnTaskGroupScheduled(id domain.ExecutorID)
	// OnTaskGroupFreed releases the capacity slot a completed or failed
	// task group was holding.
	OnTaskGroupFreed(id domain.ExecutorID)
}
