package eventbus

import (
	"context"
	"sync"
)

// LocalBus is an in-memory Bus for single-process tests and demos:
// PublishOptimizationEvent only records each event (read back via
// Published), and Emit delivers an UpdatePhysicalPlanEvent synchronously,
// on the caller's goroutine, to every registered forwarder.
type LocalBus struct {
	mu         sync.Mutex
	forwarders []func(UpdatePhysicalPlanEventMessage)
	published  []DynamicOptimizationEventMessage
	closed     bool
}

// NewLocalBus constructs an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) PublishOptimizationEvent(ctx context.Context, ev DynamicOptimizationEventMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *LocalBus) StartForwarder(ctx context.Context, onMsg func(UpdatePhysicalPlanEventMessage)) error {
	b.mu.Lock()
	b.forwarders = append(b.forwarders, onMsg)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
	}()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Emit delivers an UpdatePhysicalPlanEvent to every registered forwarder,
// letting a test simulate an inbound plan update without a real broker.
func (b *LocalBus) Emit(ev UpdatePhysicalPlanEventMessage) {
	b.mu.Lock()
	forwarders := make([]func(UpdatePhysicalPlanEventMessage), len(b.forwarders))
	copy(forwarders, b.forwarders)
	b.mu.Unlock()
	for _, f := range forwarders {
		f(ev)
	}
}

// Published returns every DynamicOptimizationEvent published so far, for
// test assertions.
func (b *LocalBus) Published() []DynamicOptimizationEventMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DynamicOptimizationEventMessage, len(b.published))
	copy(out, b.published)
	return out
}
