package scheduler

import (
	"context"

	"github.com/latticerun/scheduler/internal/eventbus"
	"github.com/latticerun/scheduler/internal/platform/logger"
)

/*
PlanUpdateHandler subscribes to the event bus's inbound
UpdatePhysicalPlanEvent channel and forwards each message to a
BatchSingleJobScheduler's UpdateJob. It exists to break the cyclic
scheduler <-> handler dependency the teacher's equivalent wiring resolves
by mutating the handler after construction (spec.md §9): here the cycle is
broken by two-step construction instead — NewPlanUpdateHandler builds the
handler with no scheduler reference, and Bind supplies it once the
scheduler itself has been constructed.
*/
type PlanUpdateHandler struct {
	log   *logger.Logger
	bus   eventbus.Bus
	sched *BatchSingleJobScheduler
}

// NewPlanUpdateHandler constructs an unbound handler. Call Bind before
// Start.
func NewPlanUpdateHandler(log *logger.Logger, bus eventbus.Bus) *PlanUpdateHandler {
	return &PlanUpdateHandler{log: log, bus: bus}
}

// Bind supplies the scheduler this handler forwards UpdateJob calls to. It
// must be called exactly once, after both the handler and the scheduler
// have been constructed, before Start.
func (h *PlanUpdateHandler) Bind(sched *BatchSingleJobScheduler) {
	h.sched = sched
	sched.updateHandler = h
}

// Start begins forwarding inbound UpdatePhysicalPlanEvent messages until
// ctx is canceled. It returns once the underlying subscription is
// established; delivery happens on whichever goroutine the bus delivers on
// (RedisBus's background goroutine, or the caller of LocalBus.Emit).
func (h *PlanUpdateHandler) Start(ctx context.Context) error {
	return h.bus.StartForwarder(ctx, func(ev eventbus.UpdatePhysicalPlanEventMessage) {
		if h.sched == nil {
			if h.log != nil {
				h.log.Warn("dropping UpdatePhysicalPlanEvent: handler not bound to a scheduler")
			}
			return
		}
		if err := h.sched.UpdateJob(ctx, ev); err != nil && h.log != nil {
			h.log.Error("failed to apply UpdatePhysicalPlanEvent", "error", err)
		}
	})
}
