package store

import (
	"context"
	"time"

	"condor/internal/store/model"
)

// Store is the persistence boundary of the engine. The engine relies on two
// conditional-write primitives: the soft lock keyed by (id, status, version)
// and status-guarded updates that bump the version counter. In-process
// synchronization is never a substitute for these; API callers and workers
// coordinate exclusively through them.
type Store interface {
	StrategyRepository
	LockRepository
	ProjectionRepository
	AuditRepository
	TradeRepository
	RuntimeStateRepository

	// Close closes the underlying connection.
	Close() error
}

// StrategyRepository handles strategy rows. Reads exclude soft-deleted rows.
type StrategyRepository interface {
	CreateStrategy(ctx context.Context, st *model.StrategyModel) error
	GetStrategy(ctx context.Context, id int64) (*model.StrategyModel, error)
	ListStrategies(ctx context.Context, limit, offset int) ([]model.StrategyModel, error)
	// ListByStatuses returns non-deleted strategies in any of the given states.
	ListByStatuses(ctx context.Context, statuses []model.StrategyStatus) ([]model.StrategyModel, error)
	SoftDeleteStrategy(ctx context.Context, id int64) (bool, error)

	// UpdateStrategyGuarded applies updates iff the row still has the expected
	// status; it bumps version by exactly 1. Returns false when the guard
	// missed (concurrent mutation won).
	UpdateStrategyGuarded(ctx context.Context, id int64, expect model.StrategyStatus, updates map[string]any) (bool, error)
	// UpdateStrategyCAS additionally guards on the version snapshot. Used by
	// external mutation paths (activate/pause/resume/cancel/edit).
	UpdateStrategyCAS(ctx context.Context, id int64, expect model.StrategyStatus, version int64, updates map[string]any) (bool, error)
}

// LockRepository implements the persisted soft-lock protocol.
type LockRepository interface {
	// AcquireLock sets (lock_until, lock_token) iff the row still matches the
	// (status, version) snapshot and is not currently locked. Returns false
	// on a stale snapshot or live lock; never an error for contention.
	AcquireLock(ctx context.Context, id int64, status model.StrategyStatus, version int64, token string, until time.Time) (bool, error)
	// GetLockedStrategy re-reads the row guarded by the lock token.
	GetLockedStrategy(ctx context.Context, id int64, token string) (*model.StrategyModel, error)
	// ReleaseLock clears the lock iff this worker still owns it.
	ReleaseLock(ctx context.Context, id int64, token string) error
	// ClearAllLocks drops every leftover lock; run once at engine start.
	ClearAllLocks(ctx context.Context) (int64, error)
}

// ProjectionRepository persists evaluation side effects.
type ProjectionRepository interface {
	UpsertConditionStates(ctx context.Context, states []model.ConditionStateModel) error
	ListConditionStates(ctx context.Context, strategyID int64) ([]model.ConditionStateModel, error)
	DeleteConditionStates(ctx context.Context, strategyID int64) error
}

// AuditRepository holds the append-only run and event history. It may live on
// a separate database file so log churn never contends with the strategy rows.
type AuditRepository interface {
	AppendRun(ctx context.Context, run *model.StrategyRunModel) error
	ListRuns(ctx context.Context, strategyID int64, limit int) ([]model.StrategyRunModel, error)

	AppendEvent(ctx context.Context, evt *model.EventModel) error
	ListEvents(ctx context.Context, strategyID int64, limit int) ([]model.EventModel, error)
}

// TradeRepository owns trade instructions.
type TradeRepository interface {
	CreateTradeInstruction(ctx context.Context, ti *model.TradeInstructionModel) error
	// LatestTradeInstruction returns the most recently updated instruction for
	// the strategy, or ok=false when none exists.
	LatestTradeInstruction(ctx context.Context, strategyID int64) (*model.TradeInstructionModel, bool, error)
	UpdateTradeInstructionStatus(ctx context.Context, tradeID string, status model.StrategyStatus) (bool, error)
}

// RuntimeStateRepository is the per-strategy key/value scratch store.
type RuntimeStateRepository interface {
	GetRuntimeState(ctx context.Context, strategyID int64, key string) ([]byte, bool, error)
	SetRuntimeState(ctx context.Context, strategyID int64, key string, value []byte) error
}
