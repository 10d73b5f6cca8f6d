// Package ledger is an append-only, GORM-backed audit trail of every
// job/stage/task-group transition JobStateManager applies. It is explicitly
// not the authoritative state (spec.md §1 Non-goals: no persistent durable
// state across scheduler restarts — Store is never read back to
// reconstruct scheduler state); it exists purely for operational
// visibility, the role the teacher's internal/domain/jobs.JobRunEvent plays
// for job_run rows.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/latticerun/scheduler/internal/domain"
	"github.com/latticerun/scheduler/internal/platform/dbctx"
)

// EntityKind distinguishes which stratum of the job a SchedulerEvent
// describes.
type EntityKind string

const (
	EntityJob       EntityKind = "job"
	EntityStage     EntityKind = "stage"
	EntityTaskGroup EntityKind = "task_group"
)

// SchedulerEvent is one append-only row recording a single state
// transition. It is written fire-and-forget from the scheduler's event
// handlers and never consulted to make scheduling decisions.
type SchedulerEvent struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PlanID     string         `gorm:"column:plan_id;not null;index" json:"plan_id"`
	EntityKind string         `gorm:"column:entity_kind;not null;index" json:"entity_kind"`
	EntityID   string         `gorm:"column:entity_id;not null;index" json:"entity_id"`
	FromState  string         `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState    string         `gorm:"column:to_state;not null;index" json:"to_state"`
	AttemptIdx int            `gorm:"column:attempt_idx;not null;default:0" json:"attempt_idx"`
	Cause      string         `gorm:"column:cause" json:"cause,omitempty"`
	Detail     datatypes.JSON `gorm:"column:detail;type:jsonb" json:"detail,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (SchedulerEvent) TableName() string { return "scheduler_event" }

// Store is the thin persistence contract the scheduler depends on to
// record transitions. Append must never block or fail the scheduling
// operation it observes; callers are expected to log, not propagate, Store
// errors.
type Store interface {
	Append(ev SchedulerEvent) error
	// AppendInTx appends ev using dc.Tx when the caller has already opened a
	// transaction (e.g. alongside some other write that must succeed or
	// fail atomically with this audit row), falling back to the store's own
	// connection when dc.Tx is nil.
	AppendInTx(dc *dbctx.Context, ev SchedulerEvent) error
	ListForJob(planID domain.PlanID) ([]SchedulerEvent, error)
}

// gormStore is the production Store, backed by Postgres in production and
// SQLite for local/dev and tests, mirroring the teacher's dual-driver GORM
// setup (internal/data/db, gorm.io/driver/postgres + gorm.io/driver/sqlite).
type gormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a Store over an already-connected *gorm.DB and
// ensures the scheduler_event table exists.
func NewGormStore(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&SchedulerEvent{}); err != nil {
		return nil, err
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) Append(ev SchedulerEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	return s.db.Create(&ev).Error
}

func (s *gormStore) AppendInTx(dc *dbctx.Context, ev SchedulerEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	db := s.db
	if dc != nil && dc.Tx != nil {
		db = dc.Tx
	}
	if dc != nil && dc.Ctx != nil {
		db = db.WithContext(dc.Ctx)
	}
	return db.Create(&ev).Error
}

func (s *gormStore) ListForJob(planID domain.PlanID) ([]SchedulerEvent, error) {
	var out []SchedulerEvent
	err := s.db.Where("plan_id = ?", string(planID)).Order("created_at ASC").Find(&out).Error
	return out, err
}

// Noop is a Store that discards every event. BatchSingleJobScheduler uses
// it until SetLedger installs another Store (e.g. in unit tests that don't
// exercise persistence).
type Noop struct{}

func (Noop) Append(SchedulerEvent) error                            { return nil }
func (Noop) AppendInTx(*dbctx.Context, SchedulerEvent) error        { return nil }
func (Noop) ListForJob(domain.PlanID) ([]SchedulerEvent, error) { return nil, nil }
