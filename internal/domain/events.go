package domain

// TaskGroupStateChanged is the inbound message reporting an executor-side
// task group transition (spec.md §4.2, §4.6). AttemptIdx lets the state
// manager drop stale messages from a superseded attempt.
type TaskGroupStateChanged struct {
	ExecutorID    ExecutorID
	TaskGroupID   TaskGroupID
	StageID       StageID
	NewState      TaskGroupState
	AttemptIdx    int
	TasksOnHold   []TaskID
	FailureCause  *FailureCause
}

// ExecutorAdded is published when a new executor registers with the
// scheduler (spec.md §4.6 OnExecutorAdded).
type ExecutorAdded struct {
	ExecutorID ExecutorID
	Capacity   int
	Labels     []string
}

// ExecutorRemoved is published when an executor is evicted or disconnects
// (spec.md §4.6 OnExecutorRemoved, CONTAINER_FAILURE recovery).
type ExecutorRemoved struct {
	ExecutorID ExecutorID
}

// DynamicOptimizationOrigin identifies the task group/executor whose metric
// collection barrier triggered a DynamicOptimizationEvent.
type DynamicOptimizationOrigin struct {
	ExecutorID ExecutorID
	TaskGroup  *TaskGroup
}

// DynamicOptimizationEvent is published outbound (to whatever external
// optimizer consumes the event bus) when a task group reports ON_HOLD with
// a metric collection barrier task among its held tasks and every other
// task group of its stage is COMPLETE (spec.md §9). Barrier identifies the specific
// MetricCollectionBarrierVertex task whose hold triggered the event, per
// spec.md §4.6's DynamicOptimizationEvent(plan, barrier, (executorId,
// taskGroup)) triple.
type DynamicOptimizationEvent struct {
	Plan    *PhysicalPlan
	Barrier *Task
	Origin  DynamicOptimizationOrigin
}

// TaskGroupCompletionInfo identifies which task group's completion a
// received UpdatePhysicalPlanEvent is attached to.
type TaskGroupCompletionInfo struct {
	ExecutorID ExecutorID
	TaskGroup  *TaskGroup
}

// UpdatePhysicalPlanEvent is received inbound from the event bus in
// response to a DynamicOptimizationEvent, carrying a revised plan for the
// scheduler to adopt (spec.md §4.6 UpdateJob). TaskInfo is non-nil exactly
// when this update resumes a task group that was ON_HOLD completing the
// optimization barrier; the scheduler synthesizes a COMPLETE transition for
// it.
type UpdatePhysicalPlanEvent struct {
	NewPlan  *PhysicalPlan
	TaskInfo *TaskGroupCompletionInfo
}
