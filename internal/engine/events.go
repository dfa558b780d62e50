package engine

import (
	"context"
	"encoding/json"
	"time"

	"condor/internal/logger"
	"condor/internal/store"
	"condor/internal/store/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Event types appended to the strategy event log.
const (
	EventActivated        = "STRATEGY_ACTIVATED"
	EventVerifyFailed     = "STRATEGY_VERIFY_FAILED"
	EventConditionsMet    = "CONDITIONS_MET"
	EventWaitingForData   = "WAITING_FOR_MARKET_DATA"
	EventGatewayDown      = "GATEWAY_NOT_WORK"
	EventConfigInvalid    = "CONDITION_CONFIG_INVALID"
	EventOrderSubmitted   = "ORDER_SUBMITTED"
	EventOrderFilled      = "ORDER_FILLED"
	EventExpired          = "STRATEGY_EXPIRED"
	EventCancelled        = "STRATEGY_CANCELLED"
	EventFailed           = "STRATEGY_FAILED"
	EventChainActivated   = "CHAIN_ACTIVATED"
	EventChainSkipped     = "CHAIN_ACTIVATION_SKIPPED"
	EventPaused           = "STRATEGY_PAUSED"
	EventResumed          = "STRATEGY_RESUMED"
)

// emitEvent appends an event row. Event log writes are best effort: a failed
// append is logged and swallowed so it can never wedge a state transition.
func emitEvent(ctx context.Context, st store.Store, strategyID int64, eventType string, detail map[string]any) {
	var payload datatypes.JSON
	if len(detail) > 0 {
		if raw, err := json.Marshal(detail); err == nil {
			payload = datatypes.JSON(raw)
		}
	}
	evt := &model.EventModel{
		EventID:    uuid.NewString(),
		StrategyID: strategyID,
		Type:       eventType,
		Detail:     payload,
	}
	if err := st.AppendEvent(ctx, evt); err != nil {
		logger.Warnf("append event %s for strategy %d failed: %v", eventType, strategyID, err)
	}
}

// throttleState is what repeat-suppression remembers between passes.
type throttleState struct {
	LastType   string `json:"last_type"`
	LastEmitMs int64  `json:"last_emit_ms"`
}

const throttleStateKey = "event_throttle"

// emitThrottled appends an event unless the same event type was already
// emitted within the window. A different event type always emits and resets
// the window, so transitions are never suppressed.
func emitThrottled(ctx context.Context, st store.Store, strategyID int64, eventType string, detail map[string]any, window time.Duration, now time.Time) {
	var prev throttleState
	if raw, ok, err := st.GetRuntimeState(ctx, strategyID, throttleStateKey); err == nil && ok {
		_ = json.Unmarshal(raw, &prev)
	}
	if prev.LastType == eventType && window > 0 {
		elapsed := now.UnixMilli() - prev.LastEmitMs
		if elapsed >= 0 && elapsed < window.Milliseconds() {
			return
		}
	}

	emitEvent(ctx, st, strategyID, eventType, detail)
	next, err := json.Marshal(throttleState{LastType: eventType, LastEmitMs: now.UnixMilli()})
	if err != nil {
		return
	}
	if err := st.SetRuntimeState(ctx, strategyID, throttleStateKey, next); err != nil {
		logger.Warnf("persist throttle state for strategy %d failed: %v", strategyID, err)
	}
}
