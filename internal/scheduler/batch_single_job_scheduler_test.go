package scheduler

import (
	"context"
	"testing"

	"github.com/latticerun/scheduler/internal/blockmgr"
	"github.com/latticerun/scheduler/internal/domain"
	"github.com/latticerun/scheduler/internal/eventbus"
	"github.com/latticerun/scheduler/internal/idgen"
	"github.com/latticerun/scheduler/internal/pkg/pointers"
	"github.com/latticerun/scheduler/internal/platform/logger"
	"github.com/latticerun/scheduler/internal/policy"
	"github.com/latticerun/scheduler/internal/queue"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// twoStageTwoGroupPlan builds a producer stage (schedule group 0, two task
// groups) feeding a consumer stage (schedule group 1, one task group) over a
// pull edge, the simplest plan that exercises schedule-group ordering.
func twoStageTwoGroupPlan() *domain.PhysicalPlan {
	return &domain.PhysicalPlan{
		ID: "plan-1",
		Stages: []*domain.PhysicalStage{
			{
				ID:                 "s0",
				ScheduleGroupIndex: 0,
				ExecutorPlacement:  domain.PlacementAny,
				TaskGroups: []*domain.TaskGroup{
					{ID: "s0-tg0", StageID: "s0", Tasks: []*domain.Task{{ID: "s0-tg0-t0"}}},
					{ID: "s0-tg1", StageID: "s0", Tasks: []*domain.Task{{ID: "s0-tg1-t0"}}},
				},
			},
			{
				ID:                 "s1",
				ScheduleGroupIndex: 1,
				ExecutorPlacement:  domain.PlacementAny,
				TaskGroups: []*domain.TaskGroup{
					{ID: "s1-tg0", StageID: "s1", Tasks: []*domain.Task{{ID: "s1-tg0-t0"}}},
				},
			},
		},
		Edges: []domain.PhysicalStageEdge{{FromStageID: "s0", ToStageID: "s1"}},
	}
}

type harness struct {
	log     *logger.Logger
	pending *queue.PendingTaskGroupQueue
	pol     *policy.CapacityPolicy
	bm      *blockmgr.InMemory
	bus     *eventbus.LocalBus
	sched   *BatchSingleJobScheduler
}

func newHarness(t *testing.T, executorCapacity int) *harness {
	t.Helper()
	h := &harness{
		log:     testLogger(t),
		pending: queue.NewPendingTaskGroupQueue(),
		pol:     policy.NewCapacityPolicy(),
		bm:      blockmgr.NewInMemory(),
		bus:     eventbus.NewLocalBus(),
	}
	h.sched = New(h.log, idgen.New("t"), h.pending, h.pol, h.bm, h.bus)
	h.sched.OnExecutorAdded(domain.ExecutorAdded{ExecutorID: domain.ExecutorID("exec-1"), Capacity: executorCapacity})
	return h
}

// drainAssign pops every currently-pending task group by Peek+AssignExecutor
// (mirroring what Runner.dispatchLoop does), returning them in dispatch
// order. It fails the test instead of calling Peek on an empty queue, and
// fails it if an entry cannot be placed, so callers must only use it when
// capacity is known to satisfy every pending entry.
func drainAssign(t *testing.T, h *harness, want int) []*domain.ScheduledTaskGroup {
	t.Helper()
	var out []*domain.ScheduledTaskGroup
	for i := 0; i < want; i++ {
		if h.pending.Len() == 0 {
			t.Fatalf("expected %d pending entries, queue empty after %d", want, i)
		}
		head, ok := h.pending.Peek()
		if !ok {
			t.Fatalf("pending queue closed unexpectedly")
		}
		if _, placed := h.sched.AssignExecutor(head); !placed {
			t.Fatalf("AssignExecutor could not place %s", head.TaskGroup.ID)
		}
		h.pending.Dequeue()
		out = append(out, head)
	}
	return out
}

func TestScheduleJobDispatchesFirstScheduleGroupOnly(t *testing.T) {
	h := newHarness(t, 4)
	if err := h.sched.ScheduleJob(twoStageTwoGroupPlan()); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if got := h.pending.Len(); got != 2 {
		t.Fatalf("pending.Len() = %d, want 2 (only schedule group 0)", got)
	}
}

func TestHappyPathTwoStagesCompleteJob(t *testing.T) {
	h := newHarness(t, 4)
	if err := h.sched.ScheduleJob(twoStageTwoGroupPlan()); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	ctx := context.Background()

	first := drainAssign(t, h, 2)
	for _, sched := range first {
		if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
			TaskGroupID: sched.TaskGroup.ID,
			StageID:     sched.TaskGroup.StageID,
			NewState:    domain.TaskGroupComplete,
			AttemptIdx:  sched.AttemptIdx,
		}); err != nil {
			t.Fatalf("OnTaskGroupStateChanged(complete %s): %v", sched.TaskGroup.ID, err)
		}
	}

	if got := h.pending.Len(); got != 1 {
		t.Fatalf("pending.Len() = %d, want 1 (schedule group 1 dispatched after s0 completed)", got)
	}

	second := drainAssign(t, h, 1)
	if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
		TaskGroupID: second[0].TaskGroup.ID,
		StageID:     second[0].TaskGroup.StageID,
		NewState:    domain.TaskGroupComplete,
		AttemptIdx:  second[0].AttemptIdx,
	}); err != nil {
		t.Fatalf("OnTaskGroupStateChanged(complete %s): %v", second[0].TaskGroup.ID, err)
	}

	terminal, state := h.sched.currentStateMgr().CheckJobTermination()
	if !terminal || state != domain.JobComplete {
		t.Fatalf("job termination = (%v, %v), want (true, COMPLETE)", terminal, state)
	}
}

func TestStaleRecoverableMessageDropped(t *testing.T) {
	h := newHarness(t, 4)
	plan := &domain.PhysicalPlan{
		ID: "plan-stale",
		Stages: []*domain.PhysicalStage{
			{ID: "s0", ScheduleGroupIndex: 0, ExecutorPlacement: domain.PlacementAny, TaskGroups: []*domain.TaskGroup{
				{ID: "s0-tg0", StageID: "s0"},
			}},
		},
	}
	if err := h.sched.ScheduleJob(plan); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	placed := drainAssign(t, h, 1)
	ctx := context.Background()

	if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
		TaskGroupID:  placed[0].TaskGroup.ID,
		StageID:      "s0",
		NewState:     domain.TaskGroupFailedRecoverable,
		AttemptIdx:   0,
		FailureCause: pointers.Ptr(domain.InputReadFailure),
	}); err != nil {
		t.Fatalf("OnTaskGroupStateChanged(failed recoverable): %v", err)
	}

	// Stage s0 was rolled back and re-enqueued at attempt 1. A stale
	// FAILED_RECOVERABLE for attempt 0 must be silently dropped, not errored.
	if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
		TaskGroupID:  placed[0].TaskGroup.ID,
		StageID:      "s0",
		NewState:     domain.TaskGroupFailedRecoverable,
		AttemptIdx:   0,
		FailureCause: pointers.Ptr(domain.InputReadFailure),
	}); err != nil {
		t.Fatalf("stale message should be dropped without error: %v", err)
	}

	if got := h.sched.currentStateMgr().GetAttemptCountForStage("s0"); got != 1 {
		t.Fatalf("attempt count for s0 = %d, want 1", got)
	}
}

func TestInputReadFailureRollsBackAndReschedulesStage(t *testing.T) {
	h := newHarness(t, 4)
	if err := h.sched.ScheduleJob(twoStageTwoGroupPlan()); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	ctx := context.Background()

	first := drainAssign(t, h, 2)
	for _, sched := range first {
		if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
			TaskGroupID: sched.TaskGroup.ID, StageID: sched.TaskGroup.StageID,
			NewState: domain.TaskGroupComplete, AttemptIdx: sched.AttemptIdx,
		}); err != nil {
			t.Fatalf("complete s0 group: %v", err)
		}
	}
	second := drainAssign(t, h, 1)

	if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
		TaskGroupID:  second[0].TaskGroup.ID,
		StageID:      "s1",
		NewState:     domain.TaskGroupFailedRecoverable,
		AttemptIdx:   second[0].AttemptIdx,
		FailureCause: pointers.Ptr(domain.InputReadFailure),
	}); err != nil {
		t.Fatalf("OnTaskGroupStateChanged(input read failure): %v", err)
	}

	// s1 rolled back to READY and was immediately rescheduled, which moves
	// it to EXECUTING again; nothing downstream of it exists in this plan,
	// so only s1's own task group is re-enqueued.
	if got := h.pending.Len(); got != 1 {
		t.Fatalf("pending.Len() = %d, want 1 (s1 task group re-enqueued)", got)
	}
	state, _ := h.sched.currentStateMgr().GetStageState("s1")
	if state != domain.StageExecuting {
		t.Fatalf("s1 state = %s, want EXECUTING after input read failure rollback and reschedule", state)
	}
}

func TestOutputWriteFailureOnlyAffectsOneTaskGroup(t *testing.T) {
	h := newHarness(t, 4)
	if err := h.sched.ScheduleJob(twoStageTwoGroupPlan()); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	ctx := context.Background()
	first := drainAssign(t, h, 2)

	if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
		TaskGroupID:  first[0].TaskGroup.ID,
		StageID:      "s0",
		NewState:     domain.TaskGroupFailedRecoverable,
		AttemptIdx:   first[0].AttemptIdx,
		FailureCause: pointers.Ptr(domain.OutputWriteFailure),
	}); err != nil {
		t.Fatalf("OnTaskGroupStateChanged(output write failure): %v", err)
	}

	// Only the failed task group is re-enqueued; its sibling (still
	// EXECUTING) and the stage itself are untouched.
	if got := h.pending.Len(); got != 1 {
		t.Fatalf("pending.Len() = %d, want 1 (only the failed task group)", got)
	}
	stageState, _ := h.sched.currentStateMgr().GetStageState("s0")
	if stageState != domain.StageExecuting {
		t.Fatalf("s0 state = %s, want EXECUTING (unaffected by output write failure)", stageState)
	}
	tgState, _ := h.sched.currentStateMgr().GetTaskGroupState(first[1].TaskGroup.ID)
	if tgState != domain.TaskGroupExecuting {
		t.Fatalf("sibling task group state = %s, want EXECUTING", tgState)
	}
}

func TestContainerFailureReschedulesEveryGroupOnExecutor(t *testing.T) {
	h := newHarness(t, 4)
	if err := h.sched.ScheduleJob(twoStageTwoGroupPlan()); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	drainAssign(t, h, 2)

	if err := h.sched.OnExecutorRemoved(domain.ExecutorRemoved{ExecutorID: "exec-1"}); err != nil {
		t.Fatalf("OnExecutorRemoved: %v", err)
	}
	if got := h.pending.Len(); got != 2 {
		t.Fatalf("pending.Len() = %d, want 2 (both task groups rescheduled after eviction)", got)
	}
}

func TestDynamicOptimizationRoundTrip(t *testing.T) {
	h := newHarness(t, 4)
	plan := &domain.PhysicalPlan{
		ID: "plan-dynopt",
		Stages: []*domain.PhysicalStage{
			{ID: "s0", ScheduleGroupIndex: 0, ExecutorPlacement: domain.PlacementAny, TaskGroups: []*domain.TaskGroup{
				{ID: "s0-tg0", StageID: "s0", Tasks: []*domain.Task{
					{ID: "s0-tg0-barrier", IsMetricCollectionBarrier: true},
				}},
			}},
		},
	}
	if err := h.sched.ScheduleJob(plan); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	placed := drainAssign(t, h, 1)
	ctx := context.Background()

	if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
		ExecutorID:  "exec-1",
		TaskGroupID: placed[0].TaskGroup.ID,
		StageID:     "s0",
		NewState:    domain.TaskGroupOnHold,
		AttemptIdx:  placed[0].AttemptIdx,
		TasksOnHold: []domain.TaskID{"s0-tg0-barrier"},
	}); err != nil {
		t.Fatalf("OnTaskGroupStateChanged(on hold): %v", err)
	}

	published := h.bus.Published()
	if len(published) != 1 {
		t.Fatalf("published optimization events = %d, want 1", len(published))
	}
	if published[0].Barrier == nil || published[0].Barrier.ID != "s0-tg0-barrier" {
		t.Fatalf("published event barrier = %+v, want s0-tg0-barrier", published[0].Barrier)
	}

	// The ON_HOLD task group still occupies its executor slot.
	tgState, _ := h.sched.currentStateMgr().GetTaskGroupState(placed[0].TaskGroup.ID)
	if tgState != domain.TaskGroupOnHold {
		t.Fatalf("task group state = %s, want ON_HOLD", tgState)
	}

	revisedPlan := &domain.PhysicalPlan{
		ID:     "plan-dynopt",
		Stages: plan.Stages,
	}
	if err := h.sched.UpdateJob(ctx, domain.UpdatePhysicalPlanEvent{
		NewPlan: revisedPlan,
		TaskInfo: &domain.TaskGroupCompletionInfo{
			ExecutorID: "exec-1",
			TaskGroup:  placed[0].TaskGroup,
		},
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	terminal, state := h.sched.currentStateMgr().CheckJobTermination()
	if !terminal || state != domain.JobComplete {
		t.Fatalf("job termination after resumed barrier = (%v, %v), want (true, COMPLETE)", terminal, state)
	}
}

func TestOnTaskGroupStateChangedRejectsIllegalNotification(t *testing.T) {
	h := newHarness(t, 4)
	plan := &domain.PhysicalPlan{
		ID: "plan-illegal",
		Stages: []*domain.PhysicalStage{
			{ID: "s0", ScheduleGroupIndex: 0, ExecutorPlacement: domain.PlacementAny, TaskGroups: []*domain.TaskGroup{
				{ID: "s0-tg0", StageID: "s0"},
			}},
		},
	}
	if err := h.sched.ScheduleJob(plan); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	placed := drainAssign(t, h, 1)

	err := h.sched.OnTaskGroupStateChanged(context.Background(), domain.TaskGroupStateChanged{
		TaskGroupID: placed[0].TaskGroup.ID,
		StageID:     "s0",
		NewState:    domain.TaskGroupExecuting,
		AttemptIdx:  placed[0].AttemptIdx,
	})
	if err == nil {
		t.Fatal("expected error for EXECUTING reported as a notification")
	}
}

func TestInputReadFailureFreesStillExecutingSiblingsExecutorSlot(t *testing.T) {
	h := newHarness(t, 2)
	plan := &domain.PhysicalPlan{
		ID: "plan-cascade-executing",
		Stages: []*domain.PhysicalStage{
			{ID: "s0", ScheduleGroupIndex: 0, ExecutorPlacement: domain.PlacementAny, TaskGroups: []*domain.TaskGroup{
				{ID: "s0-tg0", StageID: "s0"},
				{ID: "s0-tg1", StageID: "s0"},
			}},
		},
	}
	if err := h.sched.ScheduleJob(plan); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	ctx := context.Background()

	// Both task groups fill the single executor's capacity of 2.
	first := drainAssign(t, h, 2)

	var failing, sibling *domain.ScheduledTaskGroup
	for _, sched := range first {
		if sched.TaskGroup.ID == "s0-tg0" {
			failing = sched
		} else {
			sibling = sched
		}
	}

	// s0-tg0 reports INPUT_READ_FAILURE while its sibling s0-tg1 is still
	// EXECUTING on the same executor. The cascade forces the whole stage
	// (both task groups) back to READY; the sibling's still-occupied
	// capacity slot must be freed too, or the policy keeps accounting it as
	// in use forever.
	if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
		TaskGroupID:  failing.TaskGroup.ID,
		StageID:      "s0",
		NewState:     domain.TaskGroupFailedRecoverable,
		AttemptIdx:   failing.AttemptIdx,
		FailureCause: pointers.Ptr(domain.InputReadFailure),
	}); err != nil {
		t.Fatalf("OnTaskGroupStateChanged(input read failure): %v", err)
	}

	sibState, _ := h.sched.currentStateMgr().GetTaskGroupState(sibling.TaskGroup.ID)
	if sibState != domain.TaskGroupReady {
		t.Fatalf("sibling task group state = %s, want READY after cascade", sibState)
	}

	if got := h.pending.Len(); got != 2 {
		t.Fatalf("pending.Len() = %d, want 2 (both task groups re-enqueued)", got)
	}

	// If the sibling's executor slot were never freed, the policy would
	// still believe the executor has only the leaked slot free and this
	// second placement would fail against the single executor's capacity
	// of 2.
	second := drainAssign(t, h, 2)
	if len(second) != 2 {
		t.Fatalf("expected both task groups placeable after cascade, got %d", len(second))
	}
}

func TestExecutorRemovedReschedulesTaskGroupLostOnlyViaBlockManager(t *testing.T) {
	h := newHarness(t, 1)
	h.sched.OnExecutorAdded(domain.ExecutorAdded{ExecutorID: "exec-2", Capacity: 1, Labels: []string{"reserved"}})

	plan := &domain.PhysicalPlan{
		ID: "plan-blocks-lost",
		Stages: []*domain.PhysicalStage{
			{ID: "s0", ScheduleGroupIndex: 0, ExecutorPlacement: domain.PlacementAny, TaskGroups: []*domain.TaskGroup{
				{ID: "s0-tg0", StageID: "s0"},
			}},
			{ID: "s1", ScheduleGroupIndex: 1, ExecutorPlacement: domain.PlacementReserved, TaskGroups: []*domain.TaskGroup{
				{ID: "s1-tg0", StageID: "s1"},
			}},
		},
		Edges: []domain.PhysicalStageEdge{{FromStageID: "s0", ToStageID: "s1"}},
	}
	if err := h.sched.ScheduleJob(plan); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	ctx := context.Background()

	// s0-tg0 lands on exec-1 (both executors are PlacementAny-eligible and
	// equally loaded; exec-1 wins the executor-id tie-break) and completes,
	// which frees exec-1 from the
	// scheduler's own executor-occupancy bookkeeping but leaves its
	// producer record in the block manager master.
	producer := drainAssign(t, h, 1)[0]
	if err := h.sched.OnTaskGroupStateChanged(ctx, domain.TaskGroupStateChanged{
		TaskGroupID: producer.TaskGroup.ID, StageID: "s0",
		NewState: domain.TaskGroupComplete, AttemptIdx: producer.AttemptIdx,
	}); err != nil {
		t.Fatalf("complete s0-tg0: %v", err)
	}

	// s1-tg0 can only run on the reserved-labeled exec-2, so it is placed
	// there, not on exec-1.
	consumer := drainAssign(t, h, 1)[0]
	if consumer.TaskGroup.ID != "s1-tg0" {
		t.Fatalf("expected s1-tg0 dispatched, got %s", consumer.TaskGroup.ID)
	}

	if err := h.sched.OnExecutorRemoved(domain.ExecutorRemoved{ExecutorID: "exec-1"}); err != nil {
		t.Fatalf("OnExecutorRemoved: %v", err)
	}

	// s0-tg0 was never recorded as executing on exec-1 at eviction time
	// (it had already completed and freed its slot), but the block manager
	// master still reports its blocks as lost with exec-1. It must be
	// rescheduled on that basis alone.
	if got := h.pending.Len(); got != 1 {
		t.Fatalf("pending.Len() = %d, want 1 (s0-tg0 rescheduled via lost blocks)", got)
	}
	tg0State, _ := h.sched.currentStateMgr().GetTaskGroupState("s0-tg0")
	if tg0State != domain.TaskGroupReady {
		t.Fatalf("s0-tg0 state = %s, want READY", tg0State)
	}

	// s1-tg0, running on the untouched exec-2, is unaffected.
	tg1State, _ := h.sched.currentStateMgr().GetTaskGroupState("s1-tg0")
	if tg1State != domain.TaskGroupExecuting {
		t.Fatalf("s1-tg0 state = %s, want EXECUTING (unaffected)", tg1State)
	}
}

func TestUnrecoverableFailureIsReturnedAsError(t *testing.T) {
	h := newHarness(t, 4)
	plan := &domain.PhysicalPlan{
		ID: "plan-unrecoverable",
		Stages: []*domain.PhysicalStage{
			{ID: "s0", ScheduleGroupIndex: 0, ExecutorPlacement: domain.PlacementAny, TaskGroups: []*domain.TaskGroup{
				{ID: "s0-tg0", StageID: "s0"},
			}},
		},
	}
	if err := h.sched.ScheduleJob(plan); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	placed := drainAssign(t, h, 1)

	err := h.sched.OnTaskGroupStateChanged(context.Background(), domain.TaskGroupStateChanged{
		TaskGroupID: placed[0].TaskGroup.ID,
		StageID:     "s0",
		NewState:    domain.TaskGroupFailedUnrecoverable,
		AttemptIdx:  placed[0].AttemptIdx,
	})
	if err == nil {
		t.Fatal("expected error for unrecoverable failure")
	}
}
