package domain

// PlanID identifies a PhysicalPlan within a single job's lifetime.
type PlanID string

// StageID identifies a PhysicalStage within a PhysicalPlan.
type StageID string

// TaskGroupID identifies a TaskGroup within a PhysicalStage.
type TaskGroupID string

// TaskID identifies a Task within a TaskGroup.
type TaskID string

// ExecutorID identifies an executor process registered with the scheduler.
type ExecutorID string
