// Package scheduler implements BatchSingleJobScheduler, the orchestrator
// that turns a PhysicalPlan into a stream of ScheduledTaskGroups, reacts to
// TaskGroupStateChanged messages, and drives recovery on failure (spec.md
// §4.6).
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/latticerun/scheduler/internal/blockmgr"
	"github.com/latticerun/scheduler/internal/domain"
	"github.com/latticerun/scheduler/internal/eventbus"
	"github.com/latticerun/scheduler/internal/idgen"
	"github.com/latticerun/scheduler/internal/ledger"
	"github.com/latticerun/scheduler/internal/platform/ctxutil"
	"github.com/latticerun/scheduler/internal/platform/logger"
	"github.com/latticerun/scheduler/internal/platform/tracing"
	"github.com/latticerun/scheduler/internal/policy"
	"github.com/latticerun/scheduler/internal/queue"
	"github.com/latticerun/scheduler/internal/statemgr"
)

// BatchSingleJobScheduler owns the single mutable source of truth for one
// job's physical plan and drives it to completion. Per spec.md §5, its
// mutex guards the plan, the state manager's access coordination, and the
// current schedule-group frontier; the pending-task-group queue and the
// scheduling policy are independently synchronized and may be touched by
// the dispatcher without taking this mutex.
type BatchSingleJobScheduler struct {
	mu sync.Mutex

	log      *logger.Logger
	idAlloc  *idgen.Allocator
	pending  *queue.PendingTaskGroupQueue
	schedPol policy.SchedulingPolicy
	blockMgr blockmgr.Master
	bus      eventbus.Bus
	ledger   ledger.Store

	plan     *domain.PhysicalPlan
	stateMgr *statemgr.JobStateManager

	// initialScheduleGroupIdx is the lowest schedule-group index
	// selectNextStagesToSchedule considers. ScheduleJob sets it to 0 and
	// nothing advances it afterwards.
	initialScheduleGroupIdx int

	executorOfTaskGroup  map[domain.TaskGroupID]domain.ExecutorID
	taskGroupsOnExecutor map[domain.ExecutorID]map[domain.TaskGroupID]bool

	updateHandler *PlanUpdateHandler
}

// New constructs a BatchSingleJobScheduler. The plan-update handler is
// wired separately via Bind (see update_handler.go) to break the cyclic
// scheduler <-> handler dependency without a package-level global.
func New(
	log *logger.Logger,
	idAlloc *idgen.Allocator,
	pending *queue.PendingTaskGroupQueue,
	schedPol policy.SchedulingPolicy,
	blockMgr blockmgr.Master,
	bus eventbus.Bus,
) *BatchSingleJobScheduler {
	return &BatchSingleJobScheduler{
		log:                  log,
		idAlloc:              idAlloc,
		pending:              pending,
		schedPol:             schedPol,
		blockMgr:             blockMgr,
		bus:                  bus,
		executorOfTaskGroup:  make(map[domain.TaskGroupID]domain.ExecutorID),
		taskGroupsOnExecutor: make(map[domain.ExecutorID]map[domain.TaskGroupID]bool),
		ledger:               ledger.Noop{},
	}
}

// SetLedger installs the audit-trail Store every subsequently scheduled job's
// JobStateManager will write transitions to. Safe to call before the first
// ScheduleJob; defaults to a no-op Store so callers that never configure a
// real ledger (e.g. unit tests) don't need a nil check.
func (s *BatchSingleJobScheduler) SetLedger(store ledger.Store) {
	if store == nil {
		store = ledger.Noop{}
	}
	s.mu.Lock()
	s.ledger = store
	s.mu.Unlock()
}

// ScheduleJob adopts a freshly compiled physical plan, resets the pending
// queue, transitions the job to EXECUTING, and enqueues the first
// schedulable schedule group.
func (s *BatchSingleJobScheduler) ScheduleJob(plan *domain.PhysicalPlan) error {
	if plan == nil {
		return fmt.Errorf("%w: nil physical plan", domain.ErrSchedulingFault)
	}
	_, span := tracing.StartSpan(context.Background(), "scheduler.ScheduleJob",
		attribute.String("plan_id", string(plan.ID)))
	defer span.End()

	if _, err := plan.TopologicalStageOrder(); err != nil {
		return err
	}

	s.mu.Lock()
	s.plan = plan
	s.stateMgr = statemgr.New(s.log, plan.ID, plan)
	s.stateMgr.SetLedger(s.ledger)
	s.initialScheduleGroupIdx = 0
	s.mu.Unlock()

	s.pending.OnJobScheduled()

	if err := s.stateMgr.OnJobStateChanged(domain.JobExecuting); err != nil {
		return err
	}
	return s.selectNextStagesToSchedule()
}

// selectNextStagesToSchedule finds the lowest schedule-group index with at
// least one READY stage whose dependencies are satisfied, transitions those
// stages to EXECUTING, and enqueues their task groups in reverse
// topological (children-first) order within the group, per spec.md §4.6.
func (s *BatchSingleJobScheduler) selectNextStagesToSchedule() error {
	s.mu.Lock()
	plan := s.plan
	stateMgr := s.stateMgr
	startIdx := s.initialScheduleGroupIdx
	s.mu.Unlock()

	if plan == nil || stateMgr == nil {
		return fmt.Errorf("%w: job not scheduled yet", domain.ErrSchedulingFault)
	}

	for _, idx := range plan.ScheduleGroupIndices() {
		if idx < startIdx {
			continue
		}
		stages := plan.StagesAtScheduleGroup(idx)
		var ready []*domain.PhysicalStage
		for _, stage := range stages {
			state, ok := stateMgr.GetStageState(stage.ID)
			if !ok || state != domain.StageReady {
				continue
			}
			if s.dependenciesSatisfied(plan, stateMgr, stage.ID) {
				ready = append(ready, stage)
			}
		}
		if len(ready) == 0 {
			continue
		}

		order, err := plan.ReverseTopologicalWithinGroup(idx)
		if err != nil {
			return err
		}
		readySet := map[domain.StageID]bool{}
		for _, st := range ready {
			readySet[st.ID] = true
		}

		for _, stageID := range order {
			if !readySet[stageID] {
				continue
			}
			if err := s.dispatchStage(plan, stateMgr, stageID); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (s *BatchSingleJobScheduler) dependenciesSatisfied(plan *domain.PhysicalPlan, stateMgr *statemgr.JobStateManager, stageID domain.StageID) bool {
	for _, e := range plan.IncomingEdges(stageID) {
		if e.IsPushEdge {
			// Push-edge producers run concurrently with this stage; they
			// need not be COMPLETE, only already EXECUTING or COMPLETE.
			st, ok := stateMgr.GetStageState(e.FromStageID)
			if !ok || (st != domain.StageExecuting && st != domain.StageComplete) {
				return false
			}
			continue
		}
		st, ok := stateMgr.GetStageState(e.FromStageID)
		if !ok || st != domain.StageComplete {
			return false
		}
	}
	return true
}

func (s *BatchSingleJobScheduler) dispatchStage(plan *domain.PhysicalPlan, stateMgr *statemgr.JobStateManager, stageID domain.StageID) error {
	_, span := tracing.StartSpan(context.Background(), "scheduler.dispatchStage",
		attribute.String("plan_id", string(plan.ID)), attribute.String("stage_id", string(stageID)))
	defer span.End()

	stage := plan.StageByID(stageID)
	if stage == nil {
		return fmt.Errorf("%w: stage %s", domain.ErrNotFound, stageID)
	}
	if err := stateMgr.OnStageStateChanged(stageID, domain.StageExecuting); err != nil {
		return err
	}

	attempt := stateMgr.GetAttemptCountForStage(stageID)
	in := plan.IncomingEdges(stageID)
	out := plan.OutgoingEdges(stageID)

	entries := make([]*domain.ScheduledTaskGroup, 0, len(stage.TaskGroups))
	for _, tg := range stage.TaskGroups {
		entries = append(entries, &domain.ScheduledTaskGroup{
			PlanID:        plan.ID,
			TaskGroup:     tg,
			IncomingEdges: in,
			OutgoingEdges: out,
			AttemptIdx:    attempt,
		})
	}
	s.pending.Enqueue(stage.ScheduleGroupIndex, entries)
	if s.log != nil {
		s.log.Info("stage dispatched", "stage_id", stageID, "schedule_group", stage.ScheduleGroupIndex, "task_groups", len(entries), "attempt", attempt)
	}
	return nil
}

// AssignExecutor is called by SchedulerRunner to pick an executor for a
// pending task group and record the assignment. The caller need not hold
// any lock: the policy is independently synchronized, and AssignExecutor
// takes the scheduler's mutex itself, only briefly, to read the plan and
// state manager and to record the placement in its tracking maps.
func (s *BatchSingleJobScheduler) AssignExecutor(sched *domain.ScheduledTaskGroup) (domain.ExecutorID, bool) {
	stage := s.currentPlan().StageByID(sched.TaskGroup.StageID)
	if stage == nil {
		return "", false
	}
	executorID, ok := s.schedPol.SelectExecutor(stage)
	if !ok {
		return "", false
	}
	s.schedPol.OnTaskGroupScheduled(executorID)

	s.mu.Lock()
	s.executorOfTaskGroup[sched.TaskGroup.ID] = executorID
	if s.taskGroupsOnExecutor[executorID] == nil {
		s.taskGroupsOnExecutor[executorID] = make(map[domain.TaskGroupID]bool)
	}
	s.taskGroupsOnExecutor[executorID][sched.TaskGroup.ID] = true
	s.mu.Unlock()

	s.blockMgr.OnProducerTaskGroupScheduled(executorID, sched.TaskGroup.ID)

	if _, err := s.currentStateMgr().OnTaskGroupStateChanged(domain.TaskGroupStateChanged{
		ExecutorID:  executorID,
		TaskGroupID: sched.TaskGroup.ID,
		StageID:     sched.TaskGroup.StageID,
		NewState:    domain.TaskGroupExecuting,
		AttemptIdx:  sched.AttemptIdx,
	}); err != nil && s.log != nil {
		s.log.Warn("failed to mark task group executing", "task_group_id", sched.TaskGroup.ID, "error", err)
	}
	return executorID, true
}

func (s *BatchSingleJobScheduler) currentPlan() *domain.PhysicalPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

func (s *BatchSingleJobScheduler) currentStateMgr() *statemgr.JobStateManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateMgr
}

// logFor returns a Logger enriched with whatever trace/request identifiers
// ctxutil finds on ctx, so a single TaskGroupStateChanged notification's log
// lines can be correlated back to the originating request across the
// dispatch and event-handling threads. Falls back to the unenriched logger
// (or nil) when ctx carries no trace data.
func (s *BatchSingleJobScheduler) logFor(ctx context.Context) *logger.Logger {
	if s.log == nil {
		return nil
	}
	td := ctxutil.GetTraceData(ctx)
	if td == nil {
		return s.log
	}
	return s.log.With("trace_id", td.TraceID, "request_id", td.RequestID)
}

// OnTaskGroupStateChanged applies an inbound state-change message, then
// reacts: COMPLETE triggers stage-completion checks; ON_HOLD, once every
// other task group of the stage is COMPLETE, publishes a
// DynamicOptimizationEvent for the metric collection barrier among
// TasksOnHold; FAILED_* routes into the corresponding recovery routine.
func (s *BatchSingleJobScheduler) OnTaskGroupStateChanged(ctx context.Context, ev domain.TaskGroupStateChanged) error {
	ctx, span := tracing.StartSpan(ctx, "scheduler.OnTaskGroupStateChanged",
		attribute.String("task_group_id", string(ev.TaskGroupID)),
		attribute.String("stage_id", string(ev.StageID)),
		attribute.String("new_state", string(ev.NewState)))
	defer span.End()

	log := s.logFor(ctx)
	stateMgr := s.currentStateMgr()
	if stateMgr == nil {
		return fmt.Errorf("%w: job not scheduled yet", domain.ErrSchedulingFault)
	}

	applied, err := stateMgr.OnTaskGroupStateChanged(ev)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if log != nil {
		log.Debug("task group notification applied", "task_group_id", ev.TaskGroupID, "new_state", ev.NewState)
	}

	switch ev.NewState {
	case domain.TaskGroupComplete:
		s.freeExecutor(ev.TaskGroupID)
		if err := s.maybeCompleteStage(ctx, ev.StageID); err != nil {
			return err
		}
	case domain.TaskGroupOnHold:
		// An ON_HOLD task group still occupies its executor slot until the
		// dynamic-optimization round trip resumes it to COMPLETE via
		// UpdateJob, so unlike TaskGroupComplete it is not freed here. Once
		// every sibling task group in the stage has finished, the stage's
		// active computation is done except for this hold: locate the
		// metric-collection barrier among TasksOnHold and publish the
		// optimization event (spec.md §4.6).
		if stateMgr.CheckStageCompletionExcept(ev.StageID, ev.TaskGroupID) {
			s.publishDynamicOptimizationEvent(ctx, ev)
		}
	case domain.TaskGroupFailedRecoverable, domain.TaskGroupFailedUnrecoverable:
		s.freeExecutor(ev.TaskGroupID)
		s.blockMgr.OnProducerTaskGroupFailed(ev.TaskGroupID)
		if err := s.recoverFromFailure(ev); err != nil {
			return err
		}
	case domain.TaskGroupReady, domain.TaskGroupExecuting:
		return fmt.Errorf("%w: task group %s reported %s as a notification", domain.ErrIllegalStateTransition, ev.TaskGroupID, ev.NewState)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnknownExecutionState, ev.NewState)
	}
	return nil
}

func (s *BatchSingleJobScheduler) freeExecutor(tgID domain.TaskGroupID) {
	s.mu.Lock()
	executorID, ok := s.executorOfTaskGroup[tgID]
	if ok {
		delete(s.executorOfTaskGroup, tgID)
		delete(s.taskGroupsOnExecutor[executorID], tgID)
	}
	s.mu.Unlock()
	if ok {
		s.schedPol.OnTaskGroupFreed(executorID)
	}
}

func (s *BatchSingleJobScheduler) maybeCompleteStage(ctx context.Context, stageID domain.StageID) error {
	stateMgr := s.currentStateMgr()
	if !stateMgr.CheckStageCompletion(stageID) {
		return nil
	}
	if err := stateMgr.OnStageStateChanged(stageID, domain.StageComplete); err != nil {
		return err
	}

	if terminal, state := stateMgr.CheckJobTermination(); terminal {
		if state == domain.JobComplete {
			return stateMgr.OnJobStateChanged(domain.JobComplete)
		}
	}
	return s.selectNextStagesToSchedule()
}

// publishDynamicOptimizationEvent locates the MetricCollectionBarrierVertex
// among the ON_HOLD notification's TasksOnHold and publishes a
// DynamicOptimizationEvent naming it, the plan, and the (executor, task
// group) origin (spec.md §4.6). If no task in TasksOnHold is a barrier, the
// notification is logged and dropped: there is nothing for an external
// optimizer to act on.
func (s *BatchSingleJobScheduler) publishDynamicOptimizationEvent(ctx context.Context, ev domain.TaskGroupStateChanged) {
	log := s.logFor(ctx)
	plan := s.currentPlan()
	var barrier *domain.Task
	for _, taskID := range ev.TasksOnHold {
		if t, _ := plan.TaskByID(taskID); t != nil && t.IsMetricCollectionBarrier {
			barrier = t
			break
		}
	}
	if barrier == nil {
		if log != nil {
			log.Warn("task group went ON_HOLD with no metric collection barrier among tasksOnHold", "task_group_id", ev.TaskGroupID)
		}
		return
	}
	if s.bus == nil {
		return
	}

	tg, _ := plan.TaskGroupByID(ev.TaskGroupID)
	optEv := domain.DynamicOptimizationEvent{
		Plan:    plan,
		Barrier: barrier,
		Origin:  domain.DynamicOptimizationOrigin{ExecutorID: ev.ExecutorID, TaskGroup: tg},
	}
	if err := s.bus.PublishOptimizationEvent(ctx, optEv); err != nil && log != nil {
		log.Warn("failed to publish dynamic optimization event", "task_group_id", ev.TaskGroupID, "error", err)
	}
}

// OnExecutorAdded registers a new executor with the scheduling policy.
func (s *BatchSingleJobScheduler) OnExecutorAdded(ev domain.ExecutorAdded) {
	labels := make(map[string]bool, len(ev.Labels))
	for _, l := range ev.Labels {
		labels[l] = true
	}
	s.schedPol.OnExecutorAdded(policy.ExecutorInfo{ID: ev.ExecutorID, Capacity: ev.Capacity, Labels: labels})
}

// OnExecutorRemoved unregisters an executor and triggers CONTAINER_FAILURE
// recovery for the union of (a) the task groups whose blocks the block
// manager master reports as lost with the evicted executor and (b) the task
// groups the scheduler itself had recorded as executing there (spec.md
// §4.6). (a) and (b) usually coincide, but a producer task group can have
// already reported COMPLETE — freeing its executor slot and dropping out of
// taskGroupsOnExecutor — while its blocks still live only on the now-dead
// executor; without the block manager's half of the union that producer
// would never be re-scheduled.
func (s *BatchSingleJobScheduler) OnExecutorRemoved(ev domain.ExecutorRemoved) error {
	_, span := tracing.StartSpan(context.Background(), "scheduler.OnExecutorRemoved",
		attribute.String("executor_id", string(ev.ExecutorID)))
	defer span.End()

	s.schedPol.OnExecutorRemoved(ev.ExecutorID)
	blocksLost := s.blockMgr.RemoveWorker(ev.ExecutorID)

	s.mu.Lock()
	affectedSet := make(map[domain.TaskGroupID]bool, len(s.taskGroupsOnExecutor[ev.ExecutorID])+len(blocksLost))
	for tgID := range s.taskGroupsOnExecutor[ev.ExecutorID] {
		affectedSet[tgID] = true
	}
	for tgID := range blocksLost {
		affectedSet[tgID] = true
	}
	delete(s.taskGroupsOnExecutor, ev.ExecutorID)
	for tgID := range affectedSet {
		delete(s.executorOfTaskGroup, tgID)
	}
	s.mu.Unlock()

	affected := make([]domain.TaskGroupID, 0, len(affectedSet))
	for tgID := range affectedSet {
		affected = append(affected, tgID)
	}
	return s.recoverByContainerFailure(affected)
}

// UpdateJob adopts a revised physical plan delivered via
// UpdatePhysicalPlanEvent (spec.md §4.6), registering any newly introduced
// stages with the state manager. When TaskInfo is present, it names the
// task group that was ON_HOLD completing the metric-collection barrier;
// UpdateJob synthesizes its ON_HOLD -> COMPLETE transition before resuming
// scheduling, since the executor never sends that completion on its own.
func (s *BatchSingleJobScheduler) UpdateJob(ctx context.Context, ev domain.UpdatePhysicalPlanEvent) error {
	if ev.NewPlan == nil {
		return fmt.Errorf("%w: nil plan in UpdatePhysicalPlanEvent", domain.ErrSchedulingFault)
	}
	s.mu.Lock()
	stateMgr := s.stateMgr
	s.plan = ev.NewPlan
	s.mu.Unlock()

	if stateMgr == nil {
		return fmt.Errorf("%w: job not scheduled yet", domain.ErrSchedulingFault)
	}
	for _, stage := range ev.NewPlan.Stages {
		stateMgr.RegisterStage(stage)
	}

	if ev.TaskInfo != nil && ev.TaskInfo.TaskGroup != nil {
		tgID := ev.TaskInfo.TaskGroup.ID
		_, stage := ev.NewPlan.TaskGroupByID(tgID)
		if stage == nil {
			return fmt.Errorf("%w: task group %s from UpdatePhysicalPlanEvent.TaskInfo not found in new plan", domain.ErrNotFound, tgID)
		}
		attempt := stateMgr.GetAttemptCountForStage(stage.ID)
		resumed := domain.TaskGroupStateChanged{
			ExecutorID:  ev.TaskInfo.ExecutorID,
			TaskGroupID: tgID,
			StageID:     stage.ID,
			NewState:    domain.TaskGroupComplete,
			AttemptIdx:  attempt,
		}
		applied, err := stateMgr.OnTaskGroupStateChanged(resumed)
		if err != nil {
			return err
		}
		if applied {
			s.freeExecutor(tgID)
			if err := s.maybeCompleteStage(ctx, stage.ID); err != nil {
				return err
			}
		}
	}

	return s.selectNextStagesToSchedule()
}
