// Package statemgr tracks the authoritative in-memory lifecycle state of a
// single job's stages and task groups (spec.md §4.2). It is the only
// component allowed to mutate job/stage/task-group state; every transition
// is validated against the legal-transition tables in internal/domain
// before being applied, mirroring the single-writer discipline the teacher
// applies to its job-run repo.
package statemgr

import (
	"fmt"
	"sync"

	"github.com/latticerun/scheduler/internal/domain"
	"github.com/latticerun/scheduler/internal/ledger"
	"github.com/latticerun/scheduler/internal/platform/logger"
)

// JobStateManager holds the current state of a job, its stages, and its
// task groups, plus per-stage attempt counters used to suppress stale
// TaskGroupStateChanged messages from a superseded attempt.
type JobStateManager struct {
	mu  sync.RWMutex
	log *logger.Logger

	jobID domain.PlanID
	job   domain.JobState

	stageStates     map[domain.StageID]domain.StageState
	taskGroupStates map[domain.TaskGroupID]domain.TaskGroupState
	stageOfGroup    map[domain.TaskGroupID]domain.StageID
	groupsOfStage   map[domain.StageID][]domain.TaskGroupID
	attemptOfStage  map[domain.StageID]int

	// ledger is an optional, purely observational audit sink (spec.md §1
	// Non-goals: never read back to reconstruct state). Nil unless SetLedger
	// is called.
	ledger ledger.Store
}

// SetLedger attaches an operational audit sink; every legal transition
// applied after this call is appended to it on a best-effort basis. A nil
// or unset ledger is equivalent to ledger.Noop{}.
func (m *JobStateManager) SetLedger(store ledger.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = store
}

func (m *JobStateManager) appendLedger(ev ledger.SchedulerEvent) {
	if m.ledger == nil {
		return
	}
	ev.PlanID = string(m.jobID)
	if err := m.ledger.Append(ev); err != nil && m.log != nil {
		m.log.Warn("failed to append scheduler ledger event", "error", err)
	}
}

// New constructs a JobStateManager for a newly scheduled plan. Every stage
// starts READY; every task group starts READY; the job itself starts READY
// until ScheduleJob transitions it to EXECUTING.
func New(log *logger.Logger, planID domain.PlanID, plan *domain.PhysicalPlan) *JobStateManager {
	m := &JobStateManager{
		log:             log,
		jobID:           planID,
		job:             domain.JobReady,
		stageStates:     make(map[domain.StageID]domain.StageState),
		taskGroupStates: make(map[domain.TaskGroupID]domain.TaskGroupState),
		stageOfGroup:    make(map[domain.TaskGroupID]domain.StageID),
		groupsOfStage:   make(map[domain.StageID][]domain.TaskGroupID),
		attemptOfStage:  make(map[domain.StageID]int),
	}
	for _, s := range plan.Stages {
		m.stageStates[s.ID] = domain.StageReady
		m.attemptOfStage[s.ID] = 0
		for _, tg := range s.TaskGroups {
			m.taskGroupStates[tg.ID] = domain.TaskGroupReady
			m.stageOfGroup[tg.ID] = s.ID
			m.groupsOfStage[s.ID] = append(m.groupsOfStage[s.ID], tg.ID)
		}
	}
	return m
}

// OnJobStateChanged transitions the job itself, validating legality.
func (m *JobStateManager) OnJobStateChanged(to domain.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !domain.IsLegalJobTransition(m.job, to) {
		return fmt.Errorf("%w: job %s %s -> %s", domain.ErrIllegalStateTransition, m.jobID, m.job, to)
	}
	from := m.job
	m.job = to
	m.appendLedger(ledger.SchedulerEvent{
		EntityKind: string(ledger.EntityJob),
		EntityID:   string(m.jobID),
		FromState:  string(from),
		ToState:    string(to),
	})
	return nil
}

// OnStageStateChanged transitions a stage, validating legality and, for a
// FAILED_RECOVERABLE -> READY transition, bumping the stage's attempt
// counter so late messages from the prior attempt are recognized as stale.
func (m *JobStateManager) OnStageStateChanged(stageID domain.StageID, to domain.StageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, known := m.stageStates[stageID]
	if !known {
		return fmt.Errorf("%w: stage %s", domain.ErrNotFound, stageID)
	}
	if !domain.IsLegalStageTransition(cur, to) {
		return fmt.Errorf("%w: stage %s %s -> %s", domain.ErrIllegalStateTransition, stageID, cur, to)
	}
	m.stageStates[stageID] = to
	if cur == domain.StageFailedRecoverable && to == domain.StageReady {
		m.attemptOfStage[stageID]++
	}
	if m.log != nil {
		m.log.Debug("stage state changed", "job_id", m.jobID, "stage_id", stageID, "from", cur, "to", to)
	}
	m.appendLedger(ledger.SchedulerEvent{
		EntityKind: string(ledger.EntityStage),
		EntityID:   string(stageID),
		FromState:  string(cur),
		ToState:    string(to),
		AttemptIdx: m.attemptOfStage[stageID],
	})
	return nil
}

// OnTaskGroupStateChanged applies a TaskGroupStateChanged event. It returns
// applied=false (with a nil error) when the event's AttemptIdx does not
// match the task group's stage's current attempt, meaning the message
// arrived from a superseded attempt and must be silently dropped (spec.md
// §7: a late message is not an error).
func (m *JobStateManager) OnTaskGroupStateChanged(ev domain.TaskGroupStateChanged) (applied bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stageID, known := m.stageOfGroup[ev.TaskGroupID]
	if !known {
		return false, fmt.Errorf("%w: task group %s", domain.ErrNotFound, ev.TaskGroupID)
	}
	if ev.AttemptIdx != m.attemptOfStage[stageID] {
		if m.log != nil {
			m.log.Debug("dropping stale task group state change",
				"task_group_id", ev.TaskGroupID, "event_attempt", ev.AttemptIdx, "current_attempt", m.attemptOfStage[stageID])
		}
		return false, nil
	}

	cur, known := m.taskGroupStates[ev.TaskGroupID]
	if !known {
		return false, fmt.Errorf("%w: task group %s", domain.ErrNotFound, ev.TaskGroupID)
	}
	if !domain.IsLegalTaskGroupTransition(cur, ev.NewState) {
		return false, fmt.Errorf("%w: task group %s %s -> %s", domain.ErrIllegalStateTransition, ev.TaskGroupID, cur, ev.NewState)
	}
	m.taskGroupStates[ev.TaskGroupID] = ev.NewState
	if m.log != nil {
		m.log.Debug("task group state changed",
			"task_group_id", ev.TaskGroupID, "from", cur, "to", ev.NewState, "attempt", ev.AttemptIdx)
	}
	cause := ""
	if ev.FailureCause != nil {
		cause = string(*ev.FailureCause)
	}
	m.appendLedger(ledger.SchedulerEvent{
		EntityKind: string(ledger.EntityTaskGroup),
		EntityID:   string(ev.TaskGroupID),
		FromState:  string(cur),
		ToState:    string(ev.NewState),
		AttemptIdx: ev.AttemptIdx,
		Cause:      cause,
	})
	return true, nil
}

// CheckStageCompletion reports whether every task group belonging to the
// given stage is COMPLETE.
func (m *JobStateManager) CheckStageCompletion(stageID domain.StageID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	groups, ok := m.groupsOfStage[stageID]
	if !ok || len(groups) == 0 {
		return false
	}
	for _, tgID := range groups {
		if m.taskGroupStates[tgID] != domain.TaskGroupComplete {
			return false
		}
	}
	return true
}

// CheckStageCompletionExcept reports whether every task group of stageID
// other than exclude is COMPLETE. Used when a task group reports ON_HOLD:
// that task group itself cannot count toward stage completion (invariant 1
// requires every task group literally COMPLETE), but its siblings finishing
// is what tells the scheduler the stage's active computation is otherwise
// done and it is time to check for a metric-collection barrier (spec.md
// §4.6).
func (m *JobStateManager) CheckStageCompletionExcept(stageID domain.StageID, exclude domain.TaskGroupID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	groups, ok := m.groupsOfStage[stageID]
	if !ok || len(groups) == 0 {
		return false
	}
	for _, tgID := range groups {
		if tgID == exclude {
			continue
		}
		if m.taskGroupStates[tgID] != domain.TaskGroupComplete {
			return false
		}
	}
	return true
}

// CheckJobTermination reports the job as terminal if every stage is
// COMPLETE (job done) or any stage is FAILED_UNRECOVERABLE (job failed).
// The bool return is whether the job is terminal; the JobState says which
// way.
func (m *JobStateManager) CheckJobTermination() (terminal bool, state domain.JobState) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allComplete := true
	for _, s := range m.stageStates {
		if s == domain.StageFailedUnrecoverable {
			return true, domain.JobFailed
		}
		if s != domain.StageComplete {
			allComplete = false
		}
	}
	if allComplete {
		return true, domain.JobComplete
	}
	return false, m.job
}

// GetAttemptCountForStage returns the current attempt index for a stage
// (incremented each time the stage is rescheduled after a recoverable
// failure).
func (m *JobStateManager) GetAttemptCountForStage(stageID domain.StageID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attemptOfStage[stageID]
}

// GetStageState returns the current state of a stage.
func (m *JobStateManager) GetStageState(stageID domain.StageID) (domain.StageState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stageStates[stageID]
	return s, ok
}

// GetTaskGroupState returns the current state of a task group.
func (m *JobStateManager) GetTaskGroupState(tgID domain.TaskGroupID) (domain.TaskGroupState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.taskGroupStates[tgID]
	return s, ok
}

// GetJobState returns the current job-level state.
func (m *JobStateManager) GetJobState() domain.JobState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.job
}

// ResetStageForRetry sets a stage that is EXECUTING, FAILED_RECOVERABLE or
// COMPLETE directly to READY (bumping its attempt counter, without passing
// through the transition table) and force-resets every task group
// belonging to it back to READY, regardless of their current state. It is
// the administrative counterpart to the normal state-change path, used by
// the INPUT_READ_FAILURE recovery routine to roll back a whole stage
// (spec.md §4.6) rather than rejecting the reset as an illegal transition.
//
// It returns the ids of every task group that was still EXECUTING at the
// moment of reset. A same-stage sibling (or a downstream task group) can be
// mid-flight on a perfectly healthy executor when an INPUT_READ_FAILURE
// cascade forces its stage back to READY; the caller must free that
// executor's capacity slot for each returned id, or the scheduling policy's
// occupancy accounting permanently diverges from reality (spec.md §8
// invariant 4).
func (m *JobStateManager) ResetStageForRetry(stageID domain.StageID) ([]domain.TaskGroupID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, known := m.stageStates[stageID]
	if !known {
		return nil, fmt.Errorf("%w: stage %s", domain.ErrNotFound, stageID)
	}
	// A downstream stage may already be COMPLETE when an upstream
	// INPUT_READ_FAILURE forces it to be redone; that is an administrative
	// override of the normal transition table, not a bug.
	if cur != domain.StageExecuting && cur != domain.StageFailedRecoverable && cur != domain.StageComplete {
		return nil, fmt.Errorf("%w: stage %s cannot be reset from %s", domain.ErrIllegalStateTransition, stageID, cur)
	}
	m.stageStates[stageID] = domain.StageReady
	m.attemptOfStage[stageID]++

	var wasExecuting []domain.TaskGroupID
	for _, tgID := range m.groupsOfStage[stageID] {
		if m.taskGroupStates[tgID] == domain.TaskGroupExecuting {
			wasExecuting = append(wasExecuting, tgID)
		}
		m.taskGroupStates[tgID] = domain.TaskGroupReady
	}
	return wasExecuting, nil
}

// ResetTaskGroupForRetry force-resets a single task group back to READY
// without touching its stage's state, used by OUTPUT_WRITE_FAILURE and
// CONTAINER_FAILURE recovery, which reschedule only the affected task
// group (spec.md §4.6).
func (m *JobStateManager) ResetTaskGroupForRetry(tgID domain.TaskGroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.taskGroupStates[tgID]; !known {
		return fmt.Errorf("%w: task group %s", domain.ErrNotFound, tgID)
	}
	m.taskGroupStates[tgID] = domain.TaskGroupReady
	return nil
}

// RegisterStage adds a newly-introduced stage (e.g. from an
// UpdatePhysicalPlanEvent) as READY with a fresh attempt counter, and its
// task groups as READY.
func (m *JobStateManager) RegisterStage(stage *domain.PhysicalStage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.stageStates[stage.ID]; exists {
		return
	}
	m.stageStates[stage.ID] = domain.StageReady
	m.attemptOfStage[stage.ID] = 0
	for _, tg := range stage.TaskGroups {
		m.taskGroupStates[tg.ID] = domain.TaskGroupReady
		m.stageOfGroup[tg.ID] = stage.ID
		m.groupsOfStage[stage.ID] = append(m.groupsOfStage[stage.ID], tg.ID)
	}
}
