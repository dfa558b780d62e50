package engine

import (
	"context"

	"condor/internal/logger"
	"condor/internal/store/model"

	"github.com/google/uuid"
)

// handleTriggered fires the downstream chain, then dispatches the strategy's
// trade action. The downstream activates on the trigger itself; the order's
// later fate never gates it.
func (e *Engine) handleTriggered(ctx context.Context, row *model.StrategyModel) {
	_, action, err := e.parseStrategyPayloads(row)
	if err != nil {
		e.failStrategy(ctx, row, "triggered with an unparsable payload: "+err.Error())
		return
	}

	e.activateDownstream(ctx, row)

	if action == nil {
		if row.NextID == nil {
			e.failStrategy(ctx, row, "triggered with no trade action and no downstream strategy")
			return
		}
		if e.transition(ctx, row, model.StatusFilled, nil) {
			logger.Infof("strategy %d has no trade action, completing", row.ID)
			emitEvent(ctx, e.store, row.ID, EventOrderFilled, map[string]any{"note": "no trade action configured"})
		}
		return
	}

	// A pending instruction means a previous pass crashed between submit and
	// the status transition. Reuse it instead of double-submitting.
	existing, found, err := e.store.LatestTradeInstruction(ctx, row.ID)
	if err != nil {
		logger.Errorf("strategy %d: load latest trade instruction: %v", row.ID, err)
		return
	}
	if found && existing.Status == model.StatusOrderSubmitted {
		logger.Warnf("strategy %d already has working order %s, resuming from it", row.ID, existing.TradeID)
		if e.transition(ctx, row, model.StatusOrderSubmitted, nil) {
			emitEvent(ctx, e.store, row.ID, EventOrderSubmitted, map[string]any{"trade_id": existing.TradeID, "resumed": true})
		}
		return
	}

	tradeID := uuid.NewString()
	ti := &model.TradeInstructionModel{
		TradeID:      tradeID,
		StrategyID:   row.ID,
		Summary:      action.Summary(),
		Status:       model.StatusOrderSubmitted,
		ExpireAtUnix: row.ExpireAtUnix,
	}
	if err := e.store.CreateTradeInstruction(ctx, ti); err != nil {
		logger.Errorf("strategy %d: persist trade instruction: %v", row.ID, err)
		return
	}
	if err := e.executor.SubmitOrder(ctx, tradeID, *action); err != nil {
		logger.Errorf("strategy %d: submit order %s failed: %v", row.ID, tradeID, err)
		if _, uerr := e.store.UpdateTradeInstructionStatus(ctx, tradeID, model.StatusFailed); uerr != nil {
			logger.Warnf("strategy %d: mark instruction %s failed: %v", row.ID, tradeID, uerr)
		}
		e.failStrategy(ctx, row, "order submission failed: "+err.Error())
		return
	}

	if e.transition(ctx, row, model.StatusOrderSubmitted, nil) {
		logger.Infof("strategy %d submitted order %s: %s", row.ID, tradeID, ti.Summary)
		emitEvent(ctx, e.store, row.ID, EventOrderSubmitted, map[string]any{
			"trade_id": tradeID,
			"summary":  ti.Summary,
		})
	}
}

// handleOrderSubmitted reconciles the working order and settles the strategy.
func (e *Engine) handleOrderSubmitted(ctx context.Context, row *model.StrategyModel) {
	ti, found, err := e.store.LatestTradeInstruction(ctx, row.ID)
	if err != nil {
		logger.Errorf("strategy %d: load trade instruction: %v", row.ID, err)
		return
	}
	if !found {
		e.failStrategy(ctx, row, "in ORDER_SUBMITTED with no trade instruction on record")
		return
	}
	_, action, err := e.parseStrategyPayloads(row)
	if err != nil || action == nil {
		e.failStrategy(ctx, row, "in ORDER_SUBMITTED without a usable trade action")
		return
	}

	status, err := e.executor.OrderStatus(ctx, ti.TradeID, action.Symbol)
	if err != nil {
		logger.Warnf("strategy %d: order %s status check failed, retrying next pass: %v", row.ID, ti.TradeID, err)
		return
	}

	// A settled order copies its terminal status onto both the instruction
	// and the strategy.
	switch status {
	case model.StatusFilled, model.StatusCancelled, model.StatusExpired, model.StatusFailed:
		if _, err := e.store.UpdateTradeInstructionStatus(ctx, ti.TradeID, status); err != nil {
			logger.Errorf("strategy %d: mark instruction %s %s: %v", row.ID, ti.TradeID, status, err)
			return
		}
		if status == model.StatusFailed {
			e.failStrategy(ctx, row, "order "+ti.TradeID+" failed at the venue")
			return
		}
		if e.transition(ctx, row, status, nil) {
			logger.Infof("strategy %d order %s settled as %s", row.ID, ti.TradeID, status)
			emitEvent(ctx, e.store, row.ID, settleEvent(status), map[string]any{"trade_id": ti.TradeID})
		}
	default:
		// Still working. Next scan pass checks again.
	}
}

func settleEvent(status model.StrategyStatus) string {
	switch status {
	case model.StatusCancelled:
		return EventCancelled
	case model.StatusExpired:
		return EventExpired
	}
	return EventOrderFilled
}

// activateDownstream fires the chain reaction: the completed strategy's
// successor goes straight to ACTIVE. Skips are recorded, never retried; a
// downstream that is already running or finished is left alone.
func (e *Engine) activateDownstream(ctx context.Context, row *model.StrategyModel) {
	if row.NextID == nil {
		return
	}
	nextID := *row.NextID
	next, err := e.store.GetStrategy(ctx, nextID)
	if err != nil {
		logger.Errorf("strategy %d: load downstream %d: %v", row.ID, nextID, err)
		return
	}
	if next == nil {
		emitEvent(ctx, e.store, row.ID, EventChainSkipped, map[string]any{
			"downstream": nextID, "reason": "downstream strategy not found",
		})
		return
	}
	if !next.Status.Activatable() {
		logger.Infof("strategy %d downstream %d in %s, chain activation skipped", row.ID, nextID, next.Status)
		emitEvent(ctx, e.store, row.ID, EventChainSkipped, map[string]any{
			"downstream": nextID, "downstream_status": next.Status,
		})
		return
	}

	updates := map[string]any{}
	e.stampActivation(next, updates)
	ok, err := func() (bool, error) {
		u := map[string]any{"status": model.StatusActive}
		for k, v := range updates {
			u[k] = v
		}
		return e.store.UpdateStrategyGuarded(ctx, next.ID, next.Status, u)
	}()
	if err != nil {
		logger.Errorf("strategy %d: chain-activate downstream %d: %v", row.ID, nextID, err)
		return
	}
	if !ok {
		logger.Debugf("strategy %d: downstream %d changed concurrently, chain activation dropped", row.ID, nextID)
		emitEvent(ctx, e.store, row.ID, EventChainSkipped, map[string]any{
			"downstream": nextID, "reason": "concurrent update",
		})
		return
	}

	logger.Infof("strategy %d chain-activated downstream %d", row.ID, nextID)
	emitEvent(ctx, e.store, row.ID, EventChainActivated, map[string]any{"downstream": nextID})
	emitEvent(ctx, e.store, nextID, EventActivated, map[string]any{"upstream": row.ID, "via": "chain"})
}
