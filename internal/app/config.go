package app

import (
	"time"

	"github.com/latticerun/scheduler/internal/platform/envutil"
	"github.com/latticerun/scheduler/internal/platform/logger"
)

// Config holds every environment-supplied knob the scheduler process needs,
// in the same LoadConfig/envutil shape the teacher uses instead of a
// flags/viper layer.
type Config struct {
	LogMode string

	LedgerDriver string // "postgres" or "sqlite"
	LedgerDSN    string

	RedisAddr           string
	OptimizationChannel string
	PlanUpdateChannel   string

	IDPrefix string

	DispatchMinBackoff time.Duration
	DispatchMaxBackoff time.Duration
}

// LoadConfig reads every setting from the environment, falling back to
// sane local-dev defaults.
func LoadConfig(log *logger.Logger) Config {
	return Config{
		LogMode: envutil.String("LOG_MODE", "development"),

		LedgerDriver: envutil.String("SCHEDULER_LEDGER_DRIVER", "sqlite"),
		LedgerDSN:    envutil.String("SCHEDULER_LEDGER_DSN", "scheduler_ledger.db"),

		RedisAddr:           envutil.String("REDIS_ADDR", ""),
		OptimizationChannel: envutil.String("SCHEDULER_OPTIMIZATION_CHANNEL", "scheduler:dynamic-optimization"),
		PlanUpdateChannel:   envutil.String("SCHEDULER_PLAN_UPDATE_CHANNEL", "scheduler:plan-update"),

		IDPrefix: envutil.String("SCHEDULER_ID_PREFIX", ""),

		DispatchMinBackoff: time.Duration(envutil.Int("SCHEDULER_DISPATCH_MIN_BACKOFF_MS", 10)) * time.Millisecond,
		DispatchMaxBackoff: time.Duration(envutil.Int("SCHEDULER_DISPATCH_MAX_BACKOFF_MS", 250)) * time.Millisecond,
	}
}
