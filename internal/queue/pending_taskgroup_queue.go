package queue

import (
	"sync"

	"github.com/latticerun/scheduler/internal/domain"
)

// PendingTaskGroupQueue holds ScheduledTaskGroups awaiting dispatch,
// ordered by schedule-group index (spec.md §4.3). It cannot reuse
// ClosableQueue[T] directly because RemoveTaskGroupsAndDescendants needs to
// pull arbitrary entries out of the middle of the queue when a recovery
// routine invalidates an entire downstream subtree, a capability a plain
// FIFO does not expose.
type PendingTaskGroupQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	groups map[int][]*domain.ScheduledTaskGroup
	closed bool
}

// NewPendingTaskGroupQueue constructs an empty, open queue.
func NewPendingTaskGroupQueue() *PendingTaskGroupQueue {
	q := &PendingTaskGroupQueue{groups: make(map[int][]*domain.ScheduledTaskGroup)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds the task groups of one stage to the given schedule-group
// bucket. Callers (BatchSingleJobScheduler.selectNextStagesToSchedule) are
// responsible for presenting stages within a group in reverse-topological
// (children-first) order; Enqueue preserves whatever order it is called in.
func (q *PendingTaskGroupQueue) Enqueue(scheduleGroupIdx int, entries []*domain.ScheduledTaskGroup) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.groups[scheduleGroupIdx] = append(q.groups[scheduleGroupIdx], entries...)
	q.cond.Signal()
}

// lowestNonEmptyGroup returns the smallest schedule-group index that
// currently has queued entries, and whether one exists. Caller must hold q.mu.
func (q *PendingTaskGroupQueue) lowestNonEmptyGroup() (int, bool) {
	found := false
	best := 0
	for idx, entries := range q.groups {
		if len(entries) == 0 {
			continue
		}
		if !found || idx < best {
			best = idx
			found = true
		}
	}
	return best, found
}

// Dequeue blocks until a task group is available from the lowest-indexed
// non-empty schedule group, or the queue is closed. ok is false only once
// the queue is closed and fully drained.
func (q *PendingTaskGroupQueue) Dequeue() (entry *domain.ScheduledTaskGroup, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		idx, found := q.lowestNonEmptyGroup()
		if found {
			bucket := q.groups[idx]
			entry = bucket[0]
			q.groups[idx] = bucket[1:]
			return entry, true
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Peek blocks until a task group is available from the lowest-indexed
// non-empty schedule group, or the queue is closed, returning it without
// removing it. SchedulerRunner uses Peek rather than Dequeue to test
// placement before committing to a head-of-line task group, per spec.md
// §4.5 step 3: if no executor is eligible it must retry the same head, not
// skip ahead of it.
func (q *PendingTaskGroupQueue) Peek() (entry *domain.ScheduledTaskGroup, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		idx, found := q.lowestNonEmptyGroup()
		if found {
			return q.groups[idx][0], true
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// RemoveTaskGroupsAndDescendants removes every queued entry whose stage is
// in the given set of stage ids (typically a failed stage plus its
// descendants, per spec.md §4.6's INPUT_READ_FAILURE recovery), returning
// how many entries were discarded.
func (q *PendingTaskGroupQueue) RemoveTaskGroupsAndDescendants(stageIDs map[domain.StageID]bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for idx, bucket := range q.groups {
		filtered := bucket[:0:0]
		for _, entry := range bucket {
			if stageIDs[entry.TaskGroup.StageID] {
				removed++
				continue
			}
			filtered = append(filtered, entry)
		}
		q.groups[idx] = filtered
	}
	return removed
}

// OnJobScheduled resets the queue's bookkeeping for a freshly (re)scheduled
// job, discarding any stale entries left from a prior plan generation.
// Called by BatchSingleJobScheduler.ScheduleJob before the first
// selectNextStagesToSchedule pass.
func (q *PendingTaskGroupQueue) OnJobScheduled() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.groups = make(map[int][]*domain.ScheduledTaskGroup)
}

// Len reports the total number of queued entries across all schedule
// groups.
func (q *PendingTaskGroupQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, bucket := range q.groups {
		n += len(bucket)
	}
	return n
}

// Close marks the queue closed and wakes every blocked Dequeue call.
func (q *PendingTaskGroupQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
