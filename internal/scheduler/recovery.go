package scheduler

import (
	"fmt"

	"github.com/latticerun/scheduler/internal/domain"
)

// recoverFromFailure routes a failed TaskGroupStateChanged message to the
// recovery routine matching its FailureCause (spec.md §4.6).
func (s *BatchSingleJobScheduler) recoverFromFailure(ev domain.TaskGroupStateChanged) error {
	if ev.NewState == domain.TaskGroupFailedUnrecoverable {
		return fmt.Errorf("%w: task group %s", domain.ErrUnrecoverableFailure, ev.TaskGroupID)
	}
	if ev.FailureCause == nil {
		return fmt.Errorf("%w: task group %s reported FAILED_RECOVERABLE with no cause", domain.ErrUnknownFailureCause, ev.TaskGroupID)
	}

	switch *ev.FailureCause {
	case domain.InputReadFailure:
		return s.recoverByInputReadFailure(ev.StageID)
	case domain.OutputWriteFailure:
		return s.recoverByOutputWriteFailure(ev.TaskGroupID, ev.StageID)
	case domain.ContainerFailure:
		return s.recoverByContainerFailure([]domain.TaskGroupID{ev.TaskGroupID})
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnknownFailureCause, *ev.FailureCause)
	}
}

// recoverByInputReadFailure rolls the failed stage and every downstream
// stage back to READY: an input-read failure means the upstream data the
// whole subtree depends on must be reproduced, so partial downstream
// progress cannot be trusted (spec.md §4.6).
func (s *BatchSingleJobScheduler) recoverByInputReadFailure(stageID domain.StageID) error {
	plan := s.currentPlan()
	stateMgr := s.currentStateMgr()

	affected := plan.Descendants(stageID)
	affected[stageID] = true

	s.pending.RemoveTaskGroupsAndDescendants(affected)

	for id := range affected {
		state, ok := stateMgr.GetStageState(id)
		if !ok || state == domain.StageReady {
			// Never started: nothing to roll back.
			continue
		}
		wasExecuting, err := stateMgr.ResetStageForRetry(id)
		if err != nil {
			return err
		}
		// A same-stage sibling or downstream task group can still be
		// EXECUTING on a perfectly healthy executor when the cascade forces
		// its stage back to READY; free that capacity slot now, or the
		// policy's occupancy accounting permanently diverges from what is
		// actually running (spec.md §8 invariant 4).
		for _, tgID := range wasExecuting {
			s.freeExecutor(tgID)
		}
	}

	if s.log != nil {
		s.log.Warn("recovering from input read failure", "stage_id", stageID, "affected_stages", len(affected))
	}
	return s.selectNextStagesToSchedule()
}

// recoverByOutputWriteFailure reschedules only the task group that failed
// to write its output; sibling task groups in the same stage, and the
// stage itself, are unaffected (spec.md §4.6).
func (s *BatchSingleJobScheduler) recoverByOutputWriteFailure(tgID domain.TaskGroupID, stageID domain.StageID) error {
	stateMgr := s.currentStateMgr()
	if err := stateMgr.ResetTaskGroupForRetry(tgID); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Warn("recovering from output write failure", "task_group_id", tgID, "stage_id", stageID)
	}
	return s.reenqueueTaskGroup(stageID, tgID)
}

// recoverByContainerFailure reschedules every task group in affected: those
// that were running on an evicted executor and, when called from
// OnExecutorRemoved, those whose blocks were lost with it. It does not
// preemptively roll back downstream
// consumers: if their shuffle input is now missing, they will themselves
// report INPUT_READ_FAILURE and trigger recoverByInputReadFailure (spec.md
// §4.6).
func (s *BatchSingleJobScheduler) recoverByContainerFailure(affected []domain.TaskGroupID) error {
	if len(affected) == 0 {
		return nil
	}
	stateMgr := s.currentStateMgr()
	plan := s.currentPlan()

	for _, tgID := range affected {
		if err := stateMgr.ResetTaskGroupForRetry(tgID); err != nil {
			return err
		}
		tg, stage := plan.TaskGroupByID(tgID)
		if tg == nil || stage == nil {
			continue
		}
		if err := s.reenqueueTaskGroup(stage.ID, tgID); err != nil {
			return err
		}
	}
	if s.log != nil {
		s.log.Warn("recovering from container failure", "task_groups", len(affected))
	}
	return nil
}

// reenqueueTaskGroup re-enters a single task group (already reset to READY)
// into the pending queue at its stage's schedule group, with the stage's
// current attempt index.
func (s *BatchSingleJobScheduler) reenqueueTaskGroup(stageID domain.StageID, tgID domain.TaskGroupID) error {
	plan := s.currentPlan()
	stateMgr := s.currentStateMgr()

	stage := plan.StageByID(stageID)
	if stage == nil {
		return fmt.Errorf("%w: stage %s", domain.ErrNotFound, stageID)
	}
	var tg *domain.TaskGroup
	for _, candidate := range stage.TaskGroups {
		if candidate.ID == tgID {
			tg = candidate
			break
		}
	}
	if tg == nil {
		return fmt.Errorf("%w: task group %s", domain.ErrNotFound, tgID)
	}

	attempt := stateMgr.GetAttemptCountForStage(stageID)
	entry := &domain.ScheduledTaskGroup{
		PlanID:        plan.ID,
		TaskGroup:     tg,
		IncomingEdges: plan.IncomingEdges(stageID),
		OutgoingEdges: plan.OutgoingEdges(stageID),
		AttemptIdx:    attempt,
	}
	s.pending.Enqueue(stage.ScheduleGroupIndex, []*domain.ScheduledTaskGroup{entry})
	return nil
}
