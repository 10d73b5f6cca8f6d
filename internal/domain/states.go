package domain

// JobState is the lifecycle state of an entire job.
type JobState string

const (
	JobReady     JobState = "READY"
	JobExecuting JobState = "EXECUTING"
	JobComplete  JobState = "COMPLETE"
	JobFailed    JobState = "FAILED"
)

// StageState is the lifecycle state of a single PhysicalStage.
type StageState string

const (
	StageReady               StageState = "READY"
	StageExecuting           StageState = "EXECUTING"
	StageComplete            StageState = "COMPLETE"
	StageFailedRecoverable   StageState = "FAILED_RECOVERABLE"
	StageFailedUnrecoverable StageState = "FAILED_UNRECOVERABLE"
)

// TaskGroupState is the lifecycle state of a single TaskGroup.
type TaskGroupState string

const (
	TaskGroupReady               TaskGroupState = "READY"
	TaskGroupExecuting           TaskGroupState = "EXECUTING"
	TaskGroupComplete            TaskGroupState = "COMPLETE"
	TaskGroupOnHold              TaskGroupState = "ON_HOLD"
	TaskGroupFailedRecoverable   TaskGroupState = "FAILED_RECOVERABLE"
	TaskGroupFailedUnrecoverable TaskGroupState = "FAILED_UNRECOVERABLE"
)

// FailureCause distinguishes why a task group reported a failed state, and
// drives which recovery routine BatchSingleJobScheduler runs (spec.md §4.6).
type FailureCause string

const (
	InputReadFailure  FailureCause = "INPUT_READ_FAILURE"
	OutputWriteFailure FailureCause = "OUTPUT_WRITE_FAILURE"
	ContainerFailure  FailureCause = "CONTAINER_FAILURE"
)

var jobTransitions = map[JobState]map[JobState]bool{
	JobReady:     {JobExecuting: true},
	JobExecuting: {JobComplete: true, JobFailed: true},
}

var stageTransitions = map[StageState]map[StageState]bool{
	StageReady:             {StageExecuting: true},
	StageExecuting:         {StageComplete: true, StageFailedRecoverable: true, StageFailedUnrecoverable: true},
	StageFailedRecoverable: {StageReady: true},
}

var taskGroupTransitions = map[TaskGroupState]map[TaskGroupState]bool{
	TaskGroupReady:             {TaskGroupExecuting: true},
	TaskGroupExecuting:         {TaskGroupComplete: true, TaskGroupOnHold: true, TaskGroupFailedRecoverable: true, TaskGroupFailedUnrecoverable: true},
	TaskGroupOnHold:            {TaskGroupComplete: true, TaskGroupExecuting: true},
	TaskGroupFailedRecoverable: {TaskGroupReady: true},
}

// IsLegalJobTransition reports whether from -> to is an allowed job state
// transition.
func IsLegalJobTransition(from, to JobState) bool {
	return jobTransitions[from][to]
}

// IsLegalStageTransition reports whether from -> to is an allowed stage
// state transition.
func IsLegalStageTransition(from, to StageState) bool {
	return stageTransitions[from][to]
}

// IsLegalTaskGroupTransition reports whether from -> to is an allowed task
// group state transition.
func IsLegalTaskGroupTransition(from, to TaskGroupState) bool {
	return taskGroupTransitions[from][to]
}

// IsTerminalForAttempt reports whether a task group state is one that the scheduler no
// longer expects further transitions out of via normal execution (COMPLETE,
// or either failed-unrecoverable/recoverable state prior to rescheduling).
func (s TaskGroupState) IsTerminalForAttempt() bool {
	switch s {
	case TaskGroupComplete, TaskGroupFailedRecoverable, TaskGroupFailedUnrecoverable:
		return true
	default:
		return false
	}
}
