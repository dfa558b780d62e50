package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"condor/internal/logger"
	"condor/internal/market"
	"condor/internal/store/model"

	"gorm.io/datatypes"
)

type handlerFunc func(ctx context.Context, row *model.StrategyModel)

// handlerTable maps every scannable status to its handler. Statuses with no
// work beyond the expiry pre-check get an explicit noop so an unmapped status
// is always a bug, not a silent skip.
func (e *Engine) handlerTable() map[model.StrategyStatus]handlerFunc {
	noop := func(context.Context, *model.StrategyModel) {}
	return map[model.StrategyStatus]handlerFunc{
		model.StatusPendingActivation: noop,
		model.StatusVerifyFailed:      noop,
		model.StatusPaused:            noop,
		model.StatusVerifying:         e.handleVerifying,
		model.StatusActive:            e.handleActive,
		model.StatusTriggered:         e.handleTriggered,
		model.StatusOrderSubmitted:    e.handleOrderSubmitted,
	}
}

// handleVerifying validates the strategy's configuration against the venue
// and moves it to ACTIVE or VERIFY_FAILED.
func (e *Engine) handleVerifying(ctx context.Context, row *model.StrategyModel) {
	conds, action, err := e.parseStrategyPayloads(row)
	if err == nil && len(conds) == 0 {
		err = fmt.Errorf("strategy has no conditions")
	}
	if err == nil {
		conds, err = e.verifier.Verify(ctx, conds, action)
	}
	if err != nil {
		logger.Warnf("strategy %d verification failed: %v", row.ID, err)
		if e.transition(ctx, row, model.StatusVerifyFailed, nil) {
			emitEvent(ctx, e.store, row.ID, EventVerifyFailed, map[string]any{"reason": err.Error()})
		}
		return
	}

	raw, err := json.Marshal(conds)
	if err != nil {
		logger.Errorf("strategy %d: re-encode verified conditions: %v", row.ID, err)
		return
	}
	updates := map[string]any{
		"conditions_json": datatypes.JSON(raw),
	}
	e.stampActivation(row, updates)
	if e.transition(ctx, row, model.StatusActive, updates) {
		logger.Infof("strategy %d verified and activated", row.ID)
		emitEvent(ctx, e.store, row.ID, EventActivated, nil)
	}
}

// stampActivation fills the activation timestamps into updates. The logical
// activation time is written once and never overwritten, so a pause/resume
// cycle keeps the original observation window. Relative deadlines are
// materialized onto expire_at here.
func (e *Engine) stampActivation(row *model.StrategyModel, updates map[string]any) {
	nowMs := e.now().UnixMilli()
	updates["activated_at"] = nowMs
	logical := nowMs
	if row.LogicalActivatedAt != nil {
		logical = *row.LogicalActivatedAt
	} else {
		updates["logical_activated_at"] = nowMs
	}
	if row.ExpireMode == model.ExpireModeRelative && row.ExpireAtUnix == nil && row.ExpireInSeconds != nil {
		updates["expire_at"] = logical + *row.ExpireInSeconds*1000
	}
}

// handleActive runs one evaluation pass and fires the strategy when its
// condition set is met.
func (e *Engine) handleActive(ctx context.Context, row *model.StrategyModel) {
	if !e.market.Ready(ctx) {
		e.markNotEvaluated(ctx, row)
		e.recordRun(ctx, row.ID, AggregateResult{Outcome: OutcomeGatewayDown, Reason: "market gateway not ready"})
		emitThrottled(ctx, e.store, row.ID, EventGatewayDown, nil, e.throttleWindow(), e.now())
		return
	}

	conds, _, err := e.parseStrategyPayloads(row)
	if err != nil {
		e.demoteVerifyFailed(ctx, row, OutcomeConfigInvalid, err.Error())
		return
	}

	result := e.eval.Aggregate(conds, row.ConditionLogic, e.seriesLoader(ctx, row))
	e.persistVerdicts(ctx, row.ID, result.Verdicts)
	e.recordRun(ctx, row.ID, result)

	switch result.Outcome {
	case OutcomeConfigInvalid, OutcomeNoConditions:
		e.demoteVerifyFailed(ctx, row, result.Outcome, result.Reason)
	case OutcomeGatewayDown:
		e.markNotEvaluated(ctx, row)
		emitThrottled(ctx, e.store, row.ID, EventGatewayDown, map[string]any{"reason": result.Reason}, e.throttleWindow(), e.now())
	case OutcomeWaitingForData:
		emitThrottled(ctx, e.store, row.ID, EventWaitingForData, map[string]any{"reason": result.Reason}, e.throttleWindow(), e.now())
	case OutcomeConditionsMet:
		e.fireTrigger(ctx, row)
	case OutcomeEvaluated:
		if result.ConditionMet {
			e.fireTrigger(ctx, row)
		}
	}
}

func (e *Engine) fireTrigger(ctx context.Context, row *model.StrategyModel) {
	if e.transition(ctx, row, model.StatusTriggered, nil) {
		logger.Infof("strategy %d conditions met, moving to %s", row.ID, model.StatusTriggered)
		emitEvent(ctx, e.store, row.ID, EventConditionsMet, map[string]any{"logic": row.ConditionLogic})
	}
}

// demoteVerifyFailed returns a strategy to VERIFY_FAILED over a correctable
// configuration problem. The user can edit the conditions and re-activate.
func (e *Engine) demoteVerifyFailed(ctx context.Context, row *model.StrategyModel, outcome Outcome, reason string) {
	logger.Warnf("strategy %d configuration invalid (%s): %s", row.ID, outcome, reason)
	if e.transition(ctx, row, model.StatusVerifyFailed, nil) {
		emitEvent(ctx, e.store, row.ID, EventVerifyFailed, map[string]any{
			"outcome": string(outcome),
			"reason":  reason,
		})
	}
}

// failStrategy moves a strategy to terminal FAILED. Reserved for the dispatch
// path: a trigger with nothing to do, or an order the venue rejected.
func (e *Engine) failStrategy(ctx context.Context, row *model.StrategyModel, reason string) {
	logger.Warnf("strategy %d failed: %s", row.ID, reason)
	if e.transition(ctx, row, model.StatusFailed, nil) {
		emitEvent(ctx, e.store, row.ID, EventFailed, map[string]any{"reason": reason})
	}
}

// markNotEvaluated overwrites every condition state to NOT_EVALUATED for a
// pass that never reached condition math, so stale TRUE/FALSE projections
// from an earlier pass cannot outlive the data they were computed from.
func (e *Engine) markNotEvaluated(ctx context.Context, row *model.StrategyModel) {
	conds, err := ParseConditions([]byte(row.Conditions))
	if err != nil || len(conds) == 0 {
		return
	}
	nowMs := e.now().UnixMilli()
	rows := make([]model.ConditionStateModel, 0, len(conds))
	for _, cond := range conds {
		rows = append(rows, model.ConditionStateModel{
			StrategyID:      row.ID,
			ConditionID:     cond.ConditionID,
			State:           model.ConditionNotEvaluated,
			LastEvaluatedAt: nowMs,
		})
	}
	if err := e.store.UpsertConditionStates(ctx, rows); err != nil {
		logger.Warnf("mark conditions not evaluated for strategy %d failed: %v", row.ID, err)
	}
}

// transition applies a status-guarded update from the row's current status.
// Returns false when a concurrent mutation won the race.
func (e *Engine) transition(ctx context.Context, row *model.StrategyModel, to model.StrategyStatus, extra map[string]any) bool {
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	ok, err := e.store.UpdateStrategyGuarded(ctx, row.ID, row.Status, updates)
	if err != nil {
		logger.Errorf("transition strategy %d %s -> %s failed: %v", row.ID, row.Status, to, err)
		return false
	}
	if !ok {
		logger.Debugf("transition strategy %d %s -> %s lost to a concurrent update", row.ID, row.Status, to)
		return false
	}
	return true
}

func (e *Engine) parseStrategyPayloads(row *model.StrategyModel) ([]Condition, *TradeAction, error) {
	conds, err := ParseConditions([]byte(row.Conditions))
	if err != nil {
		return nil, nil, err
	}
	action, err := ParseTradeAction([]byte(row.TradeAction))
	if err != nil {
		return nil, nil, err
	}
	return conds, action, nil
}

// seriesLoader adapts the market gateway to the aggregator's loader shape
// for one strategy's pass.
func (e *Engine) seriesLoader(ctx context.Context, row *model.StrategyModel) SeriesLoader {
	return func(req DataRequirement) (map[string][]float64, map[string]market.Extrema, error) {
		series := make(map[string][]float64, len(req.Contracts))
		for _, ref := range req.Contracts {
			if _, done := series[ref.Symbol]; done {
				continue
			}
			vals, err := e.market.Series(ctx, market.SeriesRequest{
				Symbol:         ref.Symbol,
				Bar:            req.Policy.BaseBarLabel,
				Points:         req.RequiredPoints,
				Field:          req.Field,
				IncludePartial: req.Policy.AllowPartialBar,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("series %s@%s: %w", ref.Symbol, req.Policy.BaseBarLabel, err)
			}
			series[ref.Symbol] = vals
		}
		extrema := map[string]market.Extrema{}
		if req.NeedsExtrema {
			since := e.now()
			if row.LogicalActivatedAt != nil {
				since = time.UnixMilli(*row.LogicalActivatedAt)
			}
			sym := req.Contracts[0].Symbol
			ext, err := e.market.ExtremaSince(ctx, sym, since)
			if err != nil {
				return nil, nil, fmt.Errorf("extrema %s: %w", sym, err)
			}
			extrema[sym] = ext
		}
		return series, extrema, nil
	}
}

func (e *Engine) persistVerdicts(ctx context.Context, strategyID int64, verdicts []Verdict) {
	if len(verdicts) == 0 {
		return
	}
	nowMs := e.now().UnixMilli()
	rows := make([]model.ConditionStateModel, 0, len(verdicts))
	for _, v := range verdicts {
		rec := model.ConditionStateModel{
			StrategyID:      strategyID,
			ConditionID:     v.ConditionID,
			State:           v.Result.State,
			LastEvaluatedAt: nowMs,
		}
		if v.Result.HasObserved {
			observed := v.Result.Observed
			rec.ObservedValue = &observed
		}
		rows = append(rows, rec)
	}
	if err := e.store.UpsertConditionStates(ctx, rows); err != nil {
		logger.Warnf("persist condition states for strategy %d failed: %v", strategyID, err)
	}
}

func (e *Engine) recordRun(ctx context.Context, strategyID int64, result AggregateResult) {
	run := &model.StrategyRunModel{
		StrategyID:    strategyID,
		Outcome:       string(result.Outcome),
		Reason:        result.Reason,
		CreatedAtUnix: e.now().UnixMilli(),
	}
	if result.ConditionMet {
		run.ConditionMet = 1
	}
	if len(result.Verdicts) > 0 {
		metrics := make(map[string]any, len(result.Verdicts))
		for _, v := range result.Verdicts {
			entry := map[string]any{
				"state":  v.Result.State,
				"policy": v.Policy,
			}
			if v.Result.HasObserved {
				entry["observed"] = v.Result.Observed
			}
			if v.Result.Reason != "" {
				entry["reason"] = v.Result.Reason
			}
			metrics[v.ConditionID] = entry
		}
		if raw, err := json.Marshal(metrics); err == nil {
			run.Metrics = datatypes.JSON(raw)
		}
	}
	if err := e.store.AppendRun(ctx, run); err != nil {
		logger.Warnf("append run for strategy %d failed: %v", strategyID, err)
	}
}
