// Package blockmgr fixes the contract for the block/shuffle data-manager
// master collaborator (spec.md §1, §6): the scheduler notifies it of
// producer task-group lifecycle events so it can route consumers to the
// right shuffle blocks, and asks it to forget an executor's blocks on
// eviction. Its real implementation (block replication, disk spill) is out
// of scope; this package ships the interface plus a minimal in-memory
// stub sufficient to exercise OnExecutorRemoved end-to-end in tests.
package blockmgr

import (
	"sync"

	"github.com/latticerun/scheduler/internal/domain"
)

// Master is the fixed contract the scheduler depends on.
type Master interface {
	// OnProducerTaskGroupScheduled records that a task group producing
	// shuffle blocks has been placed on an executor.
	OnProducerTaskGroupScheduled(executorID domain.ExecutorID, tgID domain.TaskGroupID)
	// OnProducerTaskGroupFailed invalidates any blocks a now-failed
	// producer task group may have partially written.
	OnProducerTaskGroupFailed(tgID domain.TaskGroupID)
	// RemoveWorker discards all block location records for an executor
	// that has been evicted and returns the ids of every task group whose
	// blocks were only known to live there (CONTAINER_FAILURE recovery,
	// spec.md §4.6, §6: "removeWorker(executorId) -> Set<taskGroupId>").
	// These must be re-executed even if the scheduler never recorded them
	// as running on that executor: a producer's blocks can outlive the
	// producer's own task group once it completes.
	RemoveWorker(executorID domain.ExecutorID) map[domain.TaskGroupID]bool
}

// InMemory is a minimal Master sufficient for tests and local
// demonstrations: it tracks, per executor, the set of task groups last
// known to have produced blocks there.
type InMemory struct {
	mu              sync.Mutex
	producedOn      map[domain.ExecutorID]map[domain.TaskGroupID]bool
	executorOfGroup map[domain.TaskGroupID]domain.ExecutorID
	failedProducers map[domain.TaskGroupID]bool
}

// NewInMemory constructs an empty InMemory block manager master.
func NewInMemory() *InMemory {
	return &InMemory{
		producedOn:      make(map[domain.ExecutorID]map[domain.TaskGroupID]bool),
		executorOfGroup: make(map[domain.TaskGroupID]domain.ExecutorID),
		failedProducers: make(map[domain.TaskGroupID]bool),
	}
}

func (m *InMemory) OnProducerTaskGroupScheduled(executorID domain.ExecutorID, tgID domain.TaskGroupID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.producedOn[executorID] == nil {
		m.producedOn[executorID] = make(map[domain.TaskGroupID]bool)
	}
	m.producedOn[executorID][tgID] = true
	m.executorOfGroup[tgID] = executorID
	delete(m.failedProducers, tgID)
}

func (m *InMemory) OnProducerTaskGroupFailed(tgID domain.TaskGroupID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedProducers[tgID] = true
	if ex, ok := m.executorOfGroup[tgID]; ok {
		delete(m.producedOn[ex], tgID)
	}
}

func (m *InMemory) RemoveWorker(executorID domain.ExecutorID) map[domain.TaskGroupID]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lost := make(map[domain.TaskGroupID]bool, len(m.producedOn[executorID]))
	for tgID := range m.producedOn[executorID] {
		lost[tgID] = true
		delete(m.executorOfGroup, tgID)
	}
	delete(m.producedOn, executorID)
	return lost
}

// IsFailedProducer reports whether a task group was last marked failed as
// a producer. Exposed for tests.
func (m *InMemory) IsFailedProducer(tgID domain.TaskGroupID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedProducers[tgID]
}
