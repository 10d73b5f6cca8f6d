package eventbus

import "github.com/latticerun/scheduler/internal/domain"

// DynamicOptimizationEventMessage is the wire shape of
// domain.DynamicOptimizationEvent published outbound.
type DynamicOptimizationEventMessage = domain.DynamicOptimizationEvent

// UpdatePhysicalPlanEventMessage is the wire shape of
// domain.UpdatePhysicalPlanEvent received inbound.
type UpdatePhysicalPlanEventMessage = domain.UpdatePhysicalPlanEvent
