package engine

import (
	"fmt"
	"strings"

	"condor/internal/market"
	"condor/internal/policy"
	"condor/internal/store/model"
)

// Outcome classifies one evaluation pass for the audit log.
type Outcome string

const (
	OutcomeNoConditions   Outcome = "no_conditions_configured"
	OutcomeGatewayDown    Outcome = "gateway_not_work"
	OutcomeConfigInvalid  Outcome = "condition_config_invalid"
	OutcomeConditionsMet  Outcome = "conditions_met"
	OutcomeNotMet         Outcome = "conditions_not_met"
	OutcomeWaitingForData Outcome = "waiting_for_market_data"
	OutcomeEvaluated      Outcome = "evaluated"
)

// Verdict pairs a condition with its evaluation result and the trigger
// policy it was resolved against, which the run log records for audit.
type Verdict struct {
	ConditionID string
	Result      EvalResult
	Policy      policy.Resolved
}

// AggregateResult is the combined verdict of a strategy's condition set.
type AggregateResult struct {
	Outcome      Outcome
	ConditionMet bool
	Reason       string
	Verdicts     []Verdict
	// Evaluated is false when the pass never reached condition math
	// (no conditions, config error, gateway down).
	Evaluated bool
}

// SeriesLoader fetches the series and extrema one evaluation pass needs.
// The worker implements it against the market gateway; tests feed canned data.
type SeriesLoader func(req DataRequirement) (map[string][]float64, map[string]market.Extrema, error)

// Aggregate runs every prepared condition and combines verdicts under the
// strategy's logic. AND short-circuits on the first FALSE and OR on the first
// TRUE, so a WAITING sibling cannot block a decided outcome.
func (e *Evaluator) Aggregate(conds []Condition, logic string, load SeriesLoader) AggregateResult {
	if len(conds) == 0 {
		return AggregateResult{Outcome: OutcomeNoConditions, Reason: "strategy has no conditions"}
	}
	logic = strings.ToUpper(strings.TrimSpace(logic))
	if logic == "" {
		logic = "AND"
	}
	if logic != "AND" && logic != "OR" {
		return AggregateResult{Outcome: OutcomeConfigInvalid, Reason: fmt.Sprintf("unknown condition logic %q", logic)}
	}

	// Prepare everything first: a single bad condition fails the whole pass
	// before any market call is made.
	reqs := make([]DataRequirement, len(conds))
	for i, cond := range conds {
		req, err := e.Prepare(cond)
		if err != nil {
			return AggregateResult{Outcome: OutcomeConfigInvalid, Reason: err.Error()}
		}
		reqs[i] = req
	}

	res := AggregateResult{Evaluated: true}
	anyWaiting := false
	for i, cond := range conds {
		series, extrema, err := load(reqs[i])
		if err != nil {
			return AggregateResult{Outcome: OutcomeGatewayDown, Reason: err.Error()}
		}
		verdict := e.Evaluate(cond, reqs[i], series, extrema)
		res.Verdicts = append(res.Verdicts, Verdict{ConditionID: cond.ConditionID, Result: verdict, Policy: reqs[i].Policy})

		switch verdict.State {
		case model.ConditionTrue:
			if logic == "OR" {
				res.Outcome = OutcomeConditionsMet
				res.ConditionMet = true
				return res
			}
		case model.ConditionFalse:
			if logic == "AND" {
				res.Outcome = OutcomeNotMet
				res.Reason = verdict.Reason
				return res
			}
		case model.ConditionWaiting:
			anyWaiting = true
		}
	}

	if anyWaiting {
		res.Outcome = OutcomeWaitingForData
		res.Reason = "one or more conditions lack market data"
		return res
	}
	// Full combine: no short-circuit fired, so every condition carries a
	// settled verdict. AND with no FALSE is all-TRUE; OR with no TRUE is
	// all-FALSE.
	res.Outcome = OutcomeEvaluated
	res.ConditionMet = logic == "AND"
	return res
}
