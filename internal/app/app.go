// Package app wires the scheduler's concrete collaborators together: the
// same construct-then-inject shape as the teacher's internal/app.New, here
// building a BatchSingleJobScheduler instead of an HTTP router.
package app

import (
	"context"
	"fmt"

	"github.com/latticerun/scheduler/internal/blockmgr"
	"github.com/latticerun/scheduler/internal/domain"
	"github.com/latticerun/scheduler/internal/eventbus"
	"github.com/latticerun/scheduler/internal/executorgw"
	"github.com/latticerun/scheduler/internal/idgen"
	"github.com/latticerun/scheduler/internal/ledger"
	"github.com/latticerun/scheduler/internal/platform/logger"
	"github.com/latticerun/scheduler/internal/platform/tracing"
	"github.com/latticerun/scheduler/internal/policy"
	"github.com/latticerun/scheduler/internal/queue"
	"github.com/latticerun/scheduler/internal/scheduler"
)

// App bundles every wired component for one scheduler process.
type App struct {
	Log     *logger.Logger
	Cfg     Config
	IDAlloc *idgen.Allocator

	Ledger  ledger.Store
	Bus     eventbus.Bus
	Gateway executorgw.Gateway

	Pending   *queue.PendingTaskGroupQueue
	Policy    policy.SchedulingPolicy
	BlockMgr  blockmgr.Master
	Scheduler *scheduler.BatchSingleJobScheduler
	Runner    *scheduler.Runner
	Updates   *scheduler.PlanUpdateHandler

	cancel         context.CancelFunc
	tracerShutdown func(context.Context) error
}

// New constructs a fully wired App from environment configuration. Gateway
// defaults to executorgw.NewFake because the real executor RPC transport is
// an external collaborator out of this module's scope (spec.md §1). New
// wires that Fake into the Runner; App has no option for supplying a
// different Gateway.
func New() (*App, error) {
	cfg := LoadConfig(nil)
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tracerShutdown := tracing.Init(context.Background(), log, tracing.LoadConfig())

	ledgerDB, err := openLedgerDB(cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	ledgerStore, err := ledger.NewGormStore(ledgerDB)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init ledger store: %w", err)
	}

	var bus eventbus.Bus
	if cfg.RedisAddr == "" {
		bus = eventbus.NewLocalBus()
	} else {
		bus, err = eventbus.NewRedisBus(log, eventbus.RedisBusConfig{
			Addr:       cfg.RedisAddr,
			OutChannel: cfg.OptimizationChannel,
			InChannel:  cfg.PlanUpdateChannel,
		})
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init redis event bus: %w", err)
		}
	}

	idAlloc := idgen.New(cfg.IDPrefix)
	pending := queue.NewPendingTaskGroupQueue()
	schedPol := policy.NewCapacityPolicy()
	blockMgr := blockmgr.NewInMemory()
	gateway := executorgw.NewFake()

	sched := scheduler.New(log, idAlloc, pending, schedPol, blockMgr, bus)
	sched.SetLedger(ledgerStore)
	updates := scheduler.NewPlanUpdateHandler(log, bus)
	updates.Bind(sched)

	runner := scheduler.NewRunner(log, pending, sched, gateway).
		WithBackoff(cfg.DispatchMinBackoff, cfg.DispatchMaxBackoff)

	return &App{
		Log:            log,
		Cfg:            cfg,
		IDAlloc:        idAlloc,
		Ledger:         ledgerStore,
		Bus:            bus,
		Gateway:        gateway,
		Pending:        pending,
		Policy:         schedPol,
		BlockMgr:       blockMgr,
		Scheduler:      sched,
		Runner:         runner,
		Updates:        updates,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Start launches the dispatch loop and the plan-update forwarder on
// background goroutines. It returns immediately; Close stops both.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.Updates.Start(ctx); err != nil {
		cancel()
		a.cancel = nil
		return fmt.Errorf("start plan-update forwarder: %w", err)
	}
	a.Runner.Start(ctx)
	return nil
}

// ScheduleJob submits a freshly compiled physical plan to the scheduler.
// Per spec.md §5, the caller's goroutine (the "user-application thread") is
// free to return or move on to other work the instant this call returns;
// dispatch continues independently on the Runner's goroutine.
func (a *App) ScheduleJob(plan *domain.PhysicalPlan) error {
	return a.Scheduler.ScheduleJob(plan)
}

// Close stops the dispatch loop and the event-bus forwarder, and flushes
// the logger.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Runner != nil {
		a.Runner.Stop()
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.tracerShutdown != nil {
		_ = a.tracerShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
