// Package idgen provides an explicitly-constructed id allocator for plan,
// stage, task-group, and task ids, in place of a package-level global
// generator (spec.md §9 Design Notes: "Global mutable state" is called out
// as something to avoid; the allocator is constructed once by
// internal/app and threaded through every caller that mints ids).
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/latticerun/scheduler/internal/domain"
)

// Allocator mints unique, monotonically-labeled ids for a single scheduler
// process's lifetime.
type Allocator struct {
	prefix  string
	counter atomic.Uint64
}

// New constructs an Allocator. prefix is included in every minted id so ids
// from different scheduler instances (e.g. in tests run in parallel) never
// collide even if their counters happen to line up.
func New(prefix string) *Allocator {
	if prefix == "" {
		prefix = uuid.NewString()[:8]
	}
	return &Allocator{prefix: prefix}
}

func (a *Allocator) next() uint64 {
	return a.counter.Add(1)
}

// NewPlanID mints a PlanID.
func (a *Allocator) NewPlanID() domain.PlanID {
	return domain.PlanID(fmt.Sprintf("%s-plan-%d", a.prefix, a.next()))
}

// NewStageID mints a StageID.
func (a *Allocator) NewStageID() domain.StageID {
	return domain.StageID(fmt.Sprintf("%s-stage-%d", a.prefix, a.next()))
}

// NewTaskGroupID mints a TaskGroupID.
func (a *Allocator) NewTaskGroupID() domain.TaskGroupID {
	return domain.TaskGroupID(fmt.Sprintf("%s-tg-%d", a.prefix, a.next()))
}

// NewTaskID mints a TaskID.
func (a *Allocator) NewTaskID() domain.TaskID {
	return domain.TaskID(fmt.Sprintf("%s-task-%d", a.prefix, a.next()))
}

// NewExecutorID mints an ExecutorID.
func (a *Allocator) NewExecutorID() domain.ExecutorID {
	return domain.ExecutorID(fmt.Sprintf("%s-exec-%d", a.prefix, a.next()))
}
