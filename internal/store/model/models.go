package model

import (
	"gorm.io/datatypes"
)

// StrategyStatus is the lifecycle state of a strategy row.
type StrategyStatus string

const (
	StatusPendingActivation StrategyStatus = "PENDING_ACTIVATION"
	StatusVerifying         StrategyStatus = "VERIFYING"
	StatusVerifyFailed      StrategyStatus = "VERIFY_FAILED"
	StatusActive            StrategyStatus = "ACTIVE"
	StatusPaused            StrategyStatus = "PAUSED"
	StatusTriggered         StrategyStatus = "TRIGGERED"
	StatusOrderSubmitted    StrategyStatus = "ORDER_SUBMITTED"
	StatusFilled            StrategyStatus = "FILLED"
	StatusExpired           StrategyStatus = "EXPIRED"
	StatusCancelled         StrategyStatus = "CANCELLED"
	StatusFailed            StrategyStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s StrategyStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Expirable reports whether the time-based expiry check applies.
func (s StrategyStatus) Expirable() bool {
	switch s {
	case StatusPendingActivation, StatusVerifying, StatusActive, StatusPaused, StatusTriggered:
		return true
	}
	return false
}

// Activatable reports whether a chain trigger may activate this strategy.
func (s StrategyStatus) Activatable() bool {
	switch s {
	case StatusPendingActivation, StatusVerifyFailed, StatusPaused:
		return true
	}
	return false
}

// ScannableStatuses are the states the scanner enqueues tasks for.
func ScannableStatuses() []StrategyStatus {
	return []StrategyStatus{
		StatusPendingActivation, StatusVerifying, StatusVerifyFailed,
		StatusActive, StatusPaused, StatusTriggered, StatusOrderSubmitted,
	}
}

// ConditionState is the tri-state verdict of one condition.
type ConditionState string

const (
	ConditionTrue         ConditionState = "TRUE"
	ConditionFalse        ConditionState = "FALSE"
	ConditionWaiting      ConditionState = "WAITING"
	ConditionNotEvaluated ConditionState = "NOT_EVALUATED"
)

// ExpireMode selects how a strategy's deadline is computed.
const (
	ExpireModeNone     = "none"
	ExpireModeAbsolute = "absolute"
	ExpireModeRelative = "relative"
)

// StrategyModel is the orchestration unit. version is the optimistic
// concurrency token; lock_until/lock_token form the worker soft lock.
type StrategyModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	Name           string         `gorm:"column:name"`
	Status         StrategyStatus `gorm:"column:status;index"`
	Version        int64          `gorm:"column:version"`
	LockUntil      *int64         `gorm:"column:lock_until"`
	LockToken      string         `gorm:"column:lock_token"`
	ConditionLogic string         `gorm:"column:condition_logic"` // AND | OR
	Conditions     datatypes.JSON `gorm:"column:conditions_json;type:TEXT"`
	TradeAction    datatypes.JSON `gorm:"column:trade_action_json;type:TEXT"`
	UpstreamID     *int64         `gorm:"column:upstream_strategy_id"`
	NextID         *int64         `gorm:"column:next_strategy_id"`

	ExpireMode         string `gorm:"column:expire_mode"`
	ExpireAtUnix       *int64 `gorm:"column:expire_at"`
	ExpireInSeconds    *int64 `gorm:"column:expire_in_seconds"`
	ActivatedAtUnix    *int64 `gorm:"column:activated_at"`
	LogicalActivatedAt *int64 `gorm:"column:logical_activated_at"`

	Deleted       int   `gorm:"column:deleted;index"`
	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (StrategyModel) TableName() string { return "strategies" }

// ConditionStateModel is the per-condition runtime projection.
type ConditionStateModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	StrategyID      int64          `gorm:"column:strategy_id;uniqueIndex:idx_condition_state,priority:1"`
	ConditionID     string         `gorm:"column:condition_id;uniqueIndex:idx_condition_state,priority:2"`
	State           ConditionState `gorm:"column:state"`
	ObservedValue   *float64       `gorm:"column:observed_value"`
	LastEvaluatedAt int64          `gorm:"column:last_evaluated_at"`
}

func (ConditionStateModel) TableName() string { return "condition_states" }

// StrategyRunModel is an append-only audit snapshot of one evaluation pass.
type StrategyRunModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	StrategyID    int64          `gorm:"column:strategy_id;index"`
	Outcome       string         `gorm:"column:outcome"`
	ConditionMet  int            `gorm:"column:condition_met"`
	Reason        string         `gorm:"column:reason"`
	Metrics       datatypes.JSON `gorm:"column:metrics;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (StrategyRunModel) TableName() string { return "strategy_runs" }

// TradeInstructionModel records a submitted trade. Its status shares the
// terminal vocabulary with strategies.
type TradeInstructionModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	TradeID       string         `gorm:"column:trade_id;uniqueIndex"`
	StrategyID    int64          `gorm:"column:strategy_id;index"`
	Summary       string         `gorm:"column:summary"`
	Status        StrategyStatus `gorm:"column:status"`
	ExpireAtUnix  *int64         `gorm:"column:expire_at"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at;index"`
}

func (TradeInstructionModel) TableName() string { return "trade_instructions" }

// EventModel is the append-only strategy event log.
type EventModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	EventID       string         `gorm:"column:event_uuid;index"`
	StrategyID    int64          `gorm:"column:strategy_id;index"`
	Type          string         `gorm:"column:event_type"`
	Detail        datatypes.JSON `gorm:"column:detail;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (EventModel) TableName() string { return "strategy_events" }

// RuntimeStateModel is the per-strategy key/value scratch store.
type RuntimeStateModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	StrategyID    int64          `gorm:"column:strategy_id;uniqueIndex:idx_runtime_state,priority:1"`
	Key           string         `gorm:"column:state_key;uniqueIndex:idx_runtime_state,priority:2"`
	Value         datatypes.JSON `gorm:"column:value;type:TEXT"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (RuntimeStateModel) TableName() string { return "strategy_runtime_state" }
