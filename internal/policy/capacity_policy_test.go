package policy

import (
	"testing"

	"github.com/latticerun/scheduler/internal/domain"
)

func TestCapacityPolicyPrefersLeastLoaded(t *testing.T) {
	p := NewCapacityPolicy()
	p.OnExecutorAdded(ExecutorInfo{ID: "e1", Capacity: 2})
	p.OnExecutorAdded(ExecutorInfo{ID: "e2", Capacity: 2})

	p.OnTaskGroupScheduled("e1")

	stage := &domain.PhysicalStage{ID: "s0", ExecutorPlacement: domain.PlacementAny}
	id, ok := p.SelectExecutor(stage)
	if !ok || id != "e2" {
		t.Fatalf("SelectExecutor() = %v, %v; want e2 (less loaded)", id, ok)
	}
}

func TestCapacityPolicyHonorsPlacementHint(t *testing.T) {
	p := NewCapacityPolicy()
	p.OnExecutorAdded(ExecutorInfo{ID: "transient-1", Capacity: 4, Labels: map[string]bool{"transient": true}})
	p.OnExecutorAdded(ExecutorInfo{ID: "reserved-1", Capacity: 4, Labels: map[string]bool{"reserved": true}})

	stage := &domain.PhysicalStage{ID: "s0", ExecutorPlacement: domain.PlacementReserved}
	id, ok := p.SelectExecutor(stage)
	if !ok || id != "reserved-1" {
		t.Fatalf("SelectExecutor() = %v, %v; want reserved-1", id, ok)
	}
}

func TestCapacityPolicyNoCandidateWhenFull(t *testing.T) {
	p := NewCapacityPolicy()
	p.OnExecutorAdded(ExecutorInfo{ID: "e1", Capacity: 1})
	p.OnTaskGroupScheduled("e1")

	stage := &domain.PhysicalStage{ID: "s0"}
	_, ok := p.SelectExecutor(stage)
	if ok {
		t.Fatal("SelectExecutor() returned ok=true with no free capacity")
	}
}

func TestCapacityPolicyOnExecutorRemovedFreesNoCandidates(t *testing.T) {
	p := NewCapacityPolicy()
	p.OnExecutorAdded(ExecutorInfo{ID: "e1", Capacity: 4})
	p.OnExecutorRemoved("e1")

	stage := &domain.PhysicalStage{ID: "s0"}
	_, ok := p.SelectExecutor(stage)
	if ok {
		t.Fatal("SelectExecutor() found a removed executor")
	}
}

func TestCapacityPolicyOnTaskGroupFreedRestoresCapacity(t *testing.T) {
	p := NewCapacityPolicy()
	p.OnExecutorAdded(ExecutorInfo{ID: "e1", Capacity: 1})
	p.OnTaskGroupScheduled("e1")
	p.OnTaskGroupFreed("e1")

	stage := &domain.PhysicalStage{ID: "s0"}
	id, ok := p.SelectExecutor(stage)
	if !ok || id != "e1" {
		t.Fatalf("SelectExecutor() = %v, %v; want e1 after capacity freed", id, ok)
	}
}
