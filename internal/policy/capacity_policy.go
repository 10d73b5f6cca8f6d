package policy

import (
	"sort"
	"sync"

	"github.com/latticerun/scheduler/internal/domain"
)

// CapacityPolicy is the "Pado-like" concrete scheduling policy: it places a
// stage's task group on the least-loaded executor whose labels satisfy the
// stage's PlacementHint: PlacementReserved requires a "reserved" label,
// PlacementTransient requires a "transient" label, and PlacementAny accepts
// any executor, transient-labeled ones first.
type CapacityPolicy struct {
	mu        sync.Mutex
	executors map[domain.ExecutorID]*ExecutorInfo
}

// NewCapacityPolicy constructs an empty CapacityPolicy with no registered
// executors.
func NewCapacityPolicy() *CapacityPolicy {
	return &CapacityPolicy{executors: make(map[domain.ExecutorID]*ExecutorInfo)}
}

func (p *CapacityPolicy) OnExecutorAdded(info ExecutorInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info.Labels == nil {
		info.Labels = map[string]bool{}
	}
	cp := info
	p.executors[info.ID] = &cp
}

func (p *CapacityPolicy) OnExecutorRemoved(id domain.ExecutorID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.executors, id)
}

func (p *CapacityPolicy) OnTaskGroupScheduled(id domain.ExecutorID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.executors[id]; ok {
		e.Used++
	}
}

func (p *CapacityPolicy) OnTaskGroupFreed(id domain.ExecutorID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.executors[id]; ok && e.Used > 0 {
		e.Used--
	}
}

func (p *CapacityPolicy) matchesPlacement(e *ExecutorInfo, hint domain.PlacementHint) bool {
	switch hint {
	case domain.PlacementAny:
		return true
	case domain.PlacementTransient:
		return e.Labels["transient"]
	case domain.PlacementReserved:
		return e.Labels["reserved"]
	default:
		return false
	}
}

// SelectExecutor returns the id of the least-loaded executor among those
// matching the stage's placement hint, breaking ties by executor id for
// determinism. For PlacementAny, transient executors are preferred first to
// maximize opportunistic use, falling back to the other eligible executors
// (reserved or unlabeled) only when no transient slot is free (spec.md §4.4's
// "Pado-like" policy).
func (p *CapacityPolicy) SelectExecutor(stage *domain.PhysicalStage) (domain.ExecutorID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var eligible []*ExecutorInfo
	for _, e := range p.executors {
		if e.Remaining() <= 0 {
			continue
		}
		if p.matchesPlacement(e, stage.ExecutorPlacement) {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}

	if stage.ExecutorPlacement == domain.PlacementAny || stage.ExecutorPlacement == "" {
		var transient []*ExecutorInfo
		for _, e := range eligible {
			if e.Labels["transient"] {
				transient = append(transient, e)
			}
		}
		if len(transient) > 0 {
			eligible = transient
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Used != eligible[j].Used {
			return eligible[i].Used < eligible[j].Used
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0].ID, true
}
