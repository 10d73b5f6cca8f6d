// Package executorgw fixes the contract for the outbound RPC that launches
// a task group on an executor process (spec.md §1, §6). The production
// transport (gRPC/HTTP to real executor processes over the naming service)
// is explicitly out of scope; this package ships the Gateway interface plus
// Fake, an in-memory test double shaped like the teacher's fake-collaborator
// test doubles (e.g. a fake repos.JobRunRepo), letting tests synthesize
// TaskGroupStateChanged events without a real executor.
package executorgw

import (
	"context"
	"fmt"
	"sync"

	"github.com/latticerun/scheduler/internal/domain"
)

// Gateway launches a scheduled task group on the named executor.
type Gateway interface {
	LaunchTaskGroup(ctx context.Context, executorID domain.ExecutorID, sched domain.ScheduledTaskGroup) error
}

// Launch records a single LaunchTaskGroup call, for assertions in tests.
type Launch struct {
	ExecutorID domain.ExecutorID
	Sched      domain.ScheduledTaskGroup
}

// Fake is an in-memory Gateway that records every launch and lets tests
// force a particular executor to fail the next launch, simulating a
// CONTAINER_FAILURE at dispatch time.
type Fake struct {
	mu       sync.Mutex
	launches []Launch
	failNext map[domain.ExecutorID]bool
}

// NewFake constructs an empty Fake gateway.
func NewFake() *Fake {
	return &Fake{failNext: make(map[domain.ExecutorID]bool)}
}

func (f *Fake) LaunchTaskGroup(ctx context.Context, executorID domain.ExecutorID, sched domain.ScheduledTaskGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext[executorID] {
		f.failNext[executorID] = false
		return fmt.Errorf("fake launch failure on executor %s", executorID)
	}
	f.launches = append(f.launches, Launch{ExecutorID: executorID, Sched: sched})
	return nil
}

// FailNextLaunch arranges for the next LaunchTaskGroup call against the
// given executor to return an error.
func (f *Fake) FailNextLaunch(executorID domain.ExecutorID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[executorID] = true
}

// Launches returns a copy of every recorded launch, in call order.
func (f *Fake) Launches() []Launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Launch, len(f.launches))
	copy(out, f.launches)
	return out
}
