package domain

import "fmt"

// PlacementHint is the stage-level executor affinity consumed by the
// scheduling policy. It replaces what a physical-plan compiler would
// otherwise express as a sealed placement-strategy variant.
type PlacementHint string

const (
	PlacementAny       PlacementHint = ""
	PlacementTransient PlacementHint = "transient"
	PlacementReserved  PlacementHint = "reserved"
)

// Task is a single unit of work inside a TaskGroup. IsMetricCollectionBarrier
// marks a task whose completion triggers dynamic-optimization metric
// collection (spec.md §9's MetricCollectionBarrierTask), expressed here as a
// plain field rather than a variant type.
type Task struct {
	ID                        TaskID
	IRVertexID                string
	IsMetricCollectionBarrier bool
}

// TaskGroup is the atomic scheduling unit: a set of tasks launched together
// on a single executor.
type TaskGroup struct {
	ID      TaskGroupID
	StageID StageID
	Tasks   []*Task
}

// PhysicalStage is one stage of a PhysicalPlan, holding one or more
// TaskGroups that are scheduled together.
type PhysicalStage struct {
	ID                 StageID
	ScheduleGroupIndex int
	TaskGroups         []*TaskGroup
	ExecutorPlacement  PlacementHint
}

// PhysicalStageEdge connects two stages. IsPushEdge marks an edge whose
// producer must run concurrently with its consumer (as opposed to a pull
// edge, where the consumer can start only once the producer has finished).
type PhysicalStageEdge struct {
	FromStageID StageID
	ToStageID   StageID
	IsPushEdge  bool
}

// PhysicalPlan is the full DAG of stages for one job. A job may have more
// than one PhysicalPlan over its lifetime when a DynamicOptimizationEvent
// triggers an UpdatePhysicalPlanEvent (spec.md §4.6, §9).
type PhysicalPlan struct {
	ID     PlanID
	Stages []*PhysicalStage
	Edges  []PhysicalStageEdge
}

// ScheduledTaskGroup is the payload handed to the executor gateway: a task
// group plus the edge context it needs to wire up its data channels, and the
// attempt index used to suppress stale state-change messages (spec.md §3
// invariant on attempt counters).
type ScheduledTaskGroup struct {
	PlanID        PlanID
	TaskGroup     *TaskGroup
	IncomingEdges []PhysicalStageEdge
	OutgoingEdges []PhysicalStageEdge
	AttemptIdx    int
}

// StageByID returns the stage with the given id, or nil if absent.
func (p *PhysicalPlan) StageByID(id StageID) *PhysicalStage {
	if p == nil {
		return nil
	}
	for _, s := range p.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// TaskGroupByID returns the task group with the given id and the stage it
// belongs to, or (nil, nil) if absent.
func (p *PhysicalPlan) TaskGroupByID(id TaskGroupID) (*TaskGroup, *PhysicalStage) {
	if p == nil {
		return nil, nil
	}
	for _, s := range p.Stages {
		for _, tg := range s.TaskGroups {
			if tg.ID == id {
				return tg, s
			}
		}
	}
	return nil, nil
}

// TaskByID searches every task group's task list for a task with the given
// id, returning it and the task group it belongs to, or (nil, nil) if
// absent. Used to locate the MetricCollectionBarrierVertex among a set of
// TasksOnHold ids (spec.md §4.6).
func (p *PhysicalPlan) TaskByID(id TaskID) (*Task, *TaskGroup) {
	if p == nil {
		return nil, nil
	}
	for _, s := range p.Stages {
		for _, tg := range s.TaskGroups {
			for _, t := range tg.Tasks {
				if t.ID == id {
					return t, tg
				}
			}
		}
	}
	return nil, nil
}

// IncomingEdges returns every edge whose ToStageID is the given stage.
func (p *PhysicalPlan) IncomingEdges(id StageID) []PhysicalStageEdge {
	var out []PhysicalStageEdge
	for _, e := range p.Edges {
		if e.ToStageID == id {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingEdges returns every edge whose FromStageID is the given stage.
func (p *PhysicalPlan) OutgoingEdges(id StageID) []PhysicalStageEdge {
	var out []PhysicalStageEdge
	for _, e := range p.Edges {
		if e.FromStageID == id {
			out = append(out, e)
		}
	}
	return out
}

// ScheduleGroupIndices returns the distinct schedule-group indices present
// in the plan, sorted ascending.
func (p *PhysicalPlan) ScheduleGroupIndices() []int {
	seen := map[int]bool{}
	var out []int
	for _, s := range p.Stages {
		if !seen[s.ScheduleGroupIndex] {
			seen[s.ScheduleGroupIndex] = true
			out = append(out, s.ScheduleGroupIndex)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// StagesAtScheduleGroup returns the stages at the given schedule-group
// index, in plan order.
func (p *PhysicalPlan) StagesAtScheduleGroup(idx int) []*PhysicalStage {
	var out []*PhysicalStage
	for _, s := range p.Stages {
		if s.ScheduleGroupIndex == idx {
			out = append(out, s)
		}
	}
	return out
}

// TopologicalStageOrder returns stage ids in producer-before-consumer order
// using Kahn's algorithm, stable on input order for ties. It returns an
// error if the plan's edges contain a cycle, which would violate the DAG
// invariant (spec.md §3 invariant 1).
func (p *PhysicalPlan) TopologicalStageOrder() ([]StageID, error) {
	indegree := make(map[StageID]int, len(p.Stages))
	order := make([]StageID, 0, len(p.Stages))
	for _, s := range p.Stages {
		indegree[s.ID] = 0
	}
	for _, e := range p.Edges {
		indegree[e.ToStageID]++
	}

	var ready []StageID
	for _, s := range p.Stages {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	remaining := indegree
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, e := range p.OutgoingEdges(id) {
			remaining[e.ToStageID]--
			if remaining[e.ToStageID] == 0 {
				ready = append(ready, e.ToStageID)
			}
		}
	}

	if len(order) != len(p.Stages) {
		return nil, fmt.Errorf("%w: physical plan %s has a cycle", ErrSchedulingFault, p.ID)
	}
	return order, nil
}

// ReverseTopologicalWithinGroup returns the stage ids at the given
// schedule-group index ordered children-first, i.e. the reverse of their
// position in the plan's overall topological order. This is the order
// spec.md §4.6 requires when scheduling stages connected only by push
// edges within the same schedule group.
func (p *PhysicalPlan) ReverseTopologicalWithinGroup(idx int) ([]StageID, error) {
	full, err := p.TopologicalStageOrder()
	if err != nil {
		return nil, err
	}
	inGroup := map[StageID]bool{}
	for _, s := range p.StagesAtScheduleGroup(idx) {
		inGroup[s.ID] = true
	}
	var filtered []StageID
	for i := len(full) - 1; i >= 0; i-- {
		if inGroup[full[i]] {
			filtered = append(filtered, full[i])
		}
	}
	return filtered, nil
}

// Descendants returns the set of stage ids reachable from id by following
// outgoing edges, not including id itself. Used by recovery routines to
// find every downstream stage that must be rolled back alongside a failed
// one (spec.md §4.6 recoverByInputReadFailure).
func (p *PhysicalPlan) Descendants(id StageID) map[StageID]bool {
	out := map[StageID]bool{}
	var visit func(StageID)
	visit = func(cur StageID) {
		for _, e := range p.OutgoingEdges(cur) {
			if !out[e.ToStageID] {
				out[e.ToStageID] = true
				visit(e.ToStageID)
			}
		}
	}
	visit(id)
	return out
}
