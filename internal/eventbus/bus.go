// Package eventbus carries DynamicOptimizationEvent out of the scheduler
// and UpdatePhysicalPlanEvent back in (spec.md §4.6, §9). Two
// implementations are provided: RedisBus for production, backed by
// github.com/redis/go-redis/v9 pub/sub exactly as the teacher's
// internal/realtime/bus.redisBus is, and LocalBus, an in-memory
// channel-based bus for single-process tests and demos.
package eventbus

import "context"

// Bus is the interface BatchSingleJobScheduler depends on to publish
// optimization events and receive plan updates.
type Bus interface {
	// PublishOptimizationEvent sends ev to every subscriber.
	PublishOptimizationEvent(ctx context.Context, ev DynamicOptimizationEventMessage) error
	// StartForwarder begins delivering UpdatePhysicalPlanEvent messages to
	// onMsg until ctx is canceled. It returns once the subscription is
	// confirmed established; RedisBus delivers on a background goroutine,
	// LocalBus on the goroutine that calls Emit.
	StartForwarder(ctx context.Context, onMsg func(UpdatePhysicalPlanEventMessage)) error
	// Close releases the bus's underlying connection.
	Close() error
}
