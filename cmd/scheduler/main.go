package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/latticerun/scheduler/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize scheduler: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		a.Log.Fatal("failed to start scheduler", "error", err)
	}
	a.Log.Info("scheduler started", "id_prefix", a.Cfg.IDPrefix, "ledger_driver", a.Cfg.LedgerDriver)

	// This process only wires and drives the dispatch loop; a real
	// deployment submits plans to a.ScheduleJob from whatever component
	// compiles them (out of this module's scope, spec.md §1). Block here
	// until asked to shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	a.Log.Info("scheduler shutting down")
}
