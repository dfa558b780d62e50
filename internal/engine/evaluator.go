package engine

import (
	"fmt"
	"math"

	"condor/internal/market"
	"condor/internal/policy"
	"condor/internal/store/model"
)

// DataRequirement is the market-data footprint of one prepared condition.
type DataRequirement struct {
	Policy         policy.Resolved
	RequiredPoints int
	Contracts      []ContractRef
	Field          market.Field
	NeedsExtrema   bool
}

// EvalResult is the tri-state verdict of one evaluation.
type EvalResult struct {
	State       model.ConditionState
	Observed    float64
	HasObserved bool
	Reason      string
}

// Evaluator prepares conditions against the trigger-policy matrix and
// computes verdicts from time-series input.
type Evaluator struct {
	policies *policy.Registry
}

func NewEvaluator(reg *policy.Registry) *Evaluator {
	return &Evaluator{policies: reg}
}

// Prepare resolves the condition's trigger policy and derives its data
// requirement. Any error here is a configuration error: the combination is
// rejected by the compatibility matrix or the condition is malformed.
func (e *Evaluator) Prepare(cond Condition) (DataRequirement, error) {
	if err := (&cond).Normalize(); err != nil {
		return DataRequirement{}, err
	}
	resolved, err := e.policies.Resolve(cond.Metric, cond.TriggerMode, cond.Window, cond.Operator)
	if err != nil {
		return DataRequirement{}, fmt.Errorf("condition %s: %w", cond.ConditionID, err)
	}
	req := DataRequirement{
		Policy:       resolved,
		Contracts:    cond.Contracts,
		Field:        fieldForMetric(cond.Metric),
		NeedsExtrema: cond.Metric.NeedsExtrema(),
	}
	req.RequiredPoints = requiredPoints(resolved)
	return req, nil
}

func requiredPoints(p policy.Resolved) int {
	switch {
	case p.Mode == policy.LevelInstant:
		return 1
	case p.Mode == policy.CrossUpInstant || p.Mode == policy.CrossDownInstant:
		return 2
	}
	// CONFIRM modes: enough points for both the consecutive run and the
	// ratio window.
	byRatio := int(math.Ceil(p.ConfirmRatio * float64(p.Window) / float64(p.BaseBar)))
	n := p.ConfirmConsecutive
	if byRatio > n {
		n = byRatio
	}
	if n < 1 {
		n = 1
	}
	if p.Mode == policy.CrossUpConfirm || p.Mode == policy.CrossDownConfirm {
		// A cross needs the point before the confirmation run too.
		n++
	}
	return n
}

func fieldForMetric(m policy.Metric) market.Field {
	switch m {
	case policy.MetricVolumeRatio:
		return market.FieldVolume
	case policy.MetricAmountRatio:
		return market.FieldAmount
	}
	return market.FieldPrice
}

// Evaluate computes the condition's verdict from the supplied series
// (keyed by contract symbol, oldest first) and extrema state.
func (e *Evaluator) Evaluate(cond Condition, req DataRequirement, series map[string][]float64, extrema map[string]market.Extrema) EvalResult {
	for _, ref := range req.Contracts {
		s, ok := series[ref.Symbol]
		if !ok || len(s) < req.RequiredPoints {
			if req.Policy.MissingData == policy.MissingFail {
				return EvalResult{State: model.ConditionFalse, Reason: fmt.Sprintf("insufficient data for %s treated as not met", ref.Symbol)}
			}
			return EvalResult{State: model.ConditionWaiting, Reason: fmt.Sprintf("insufficient data for %s", ref.Symbol)}
		}
	}
	if req.NeedsExtrema {
		ext, ok := extrema[cond.Contracts[0].Symbol]
		if !ok || ext.Samples == 0 {
			return EvalResult{State: model.ConditionWaiting, Reason: "since-activation extrema not available"}
		}
	}

	obs := func(back int) (float64, *EvalResult) {
		return observeMetric(cond, series, extrema, back)
	}

	current, bad := obs(0)
	if bad != nil {
		return *bad
	}

	switch req.Policy.Mode {
	case policy.LevelInstant:
		return levelVerdict(compareOp(current, cond.Threshold, cond.Operator), current)

	case policy.CrossUpInstant, policy.CrossDownInstant:
		prev, bad := obs(1)
		if bad != nil {
			return *bad
		}
		return crossVerdict(req.Policy.Mode, prev, current, cond.Threshold)

	case policy.LevelConfirm:
		return e.confirmLevel(cond, req, obs, current)

	case policy.CrossUpConfirm, policy.CrossDownConfirm:
		return e.confirmCross(cond, req, obs, current)
	}
	return EvalResult{State: model.ConditionWaiting, Reason: fmt.Sprintf("unhandled trigger mode %s", req.Policy.Mode)}
}

func levelVerdict(met bool, observed float64) EvalResult {
	state := model.ConditionFalse
	if met {
		state = model.ConditionTrue
	}
	return EvalResult{State: state, Observed: observed, HasObserved: true}
}

func crossVerdict(mode policy.TriggerMode, prev, current, threshold float64) EvalResult {
	fired := false
	if mode.CrossUp() {
		// previous < threshold <= current
		fired = decimalLT(prev, threshold) && decimalGTE(current, threshold)
	} else {
		// previous > threshold >= current
		fired = decimalGT(prev, threshold) && decimalLTE(current, threshold)
	}
	return levelVerdict(fired, current)
}

// confirmLevel requires the last confirm_consecutive samples to qualify and
// the qualifying share over the whole lookback to reach confirm_ratio.
func (e *Evaluator) confirmLevel(cond Condition, req DataRequirement, obs func(int) (float64, *EvalResult), current float64) EvalResult {
	n := req.RequiredPoints
	qualifying := 0
	for back := 0; back < n; back++ {
		v, bad := obs(back)
		if bad != nil {
			return *bad
		}
		met := compareOp(v, cond.Threshold, cond.Operator)
		if back < req.Policy.ConfirmConsecutive && !met {
			return EvalResult{State: model.ConditionFalse, Observed: current, HasObserved: true,
				Reason: fmt.Sprintf("confirmation run broken %d bar(s) back", back)}
		}
		if met {
			qualifying++
		}
	}
	if float64(qualifying)/float64(n) < req.Policy.ConfirmRatio {
		return EvalResult{State: model.ConditionFalse, Observed: current, HasObserved: true,
			Reason: fmt.Sprintf("confirmation ratio %d/%d below %.2f", qualifying, n, req.Policy.ConfirmRatio)}
	}
	return EvalResult{State: model.ConditionTrue, Observed: current, HasObserved: true}
}

// confirmCross requires a confirmation run on the fired side plus the sample
// immediately before the run sitting on the other side of the threshold.
func (e *Evaluator) confirmCross(cond Condition, req DataRequirement, obs func(int) (float64, *EvalResult), current float64) EvalResult {
	up := req.Policy.Mode.CrossUp()
	onFiredSide := func(v float64) bool {
		if up {
			return decimalGTE(v, cond.Threshold)
		}
		return decimalLTE(v, cond.Threshold)
	}

	run := req.Policy.ConfirmConsecutive
	if run < 1 {
		run = 1
	}
	for back := 0; back < run; back++ {
		v, bad := obs(back)
		if bad != nil {
			return *bad
		}
		if !onFiredSide(v) {
			return EvalResult{State: model.ConditionFalse, Observed: current, HasObserved: true,
				Reason: fmt.Sprintf("confirmation run broken %d bar(s) back", back)}
		}
	}
	before, bad := obs(run)
	if bad != nil {
		return *bad
	}
	crossed := decimalLT(before, cond.Threshold)
	if !up {
		crossed = decimalGT(before, cond.Threshold)
	}
	if !crossed {
		return EvalResult{State: model.ConditionFalse, Observed: current, HasObserved: true,
			Reason: "no threshold cross before confirmation run"}
	}

	// Ratio over the full lookback window, excluding the pre-cross sample.
	window := req.RequiredPoints - 1
	qualifying := 0
	for back := 0; back < window; back++ {
		v, bad := obs(back)
		if bad != nil {
			return *bad
		}
		if onFiredSide(v) {
			qualifying++
		}
	}
	if window > 0 && float64(qualifying)/float64(window) < req.Policy.ConfirmRatio {
		return EvalResult{State: model.ConditionFalse, Observed: current, HasObserved: true,
			Reason: fmt.Sprintf("confirmation ratio %d/%d below %.2f", qualifying, window, req.Policy.ConfirmRatio)}
	}
	return EvalResult{State: model.ConditionTrue, Observed: current, HasObserved: true}
}

// observeMetric computes the metric's value `back` samples before the most
// recent one. A nil second return means the value is usable.
func observeMetric(cond Condition, series map[string][]float64, extrema map[string]market.Extrema, back int) (float64, *EvalResult) {
	at := func(sym string) (float64, bool) {
		s := series[sym]
		idx := len(s) - 1 - back
		if idx < 0 {
			return 0, false
		}
		return s[idx], true
	}

	primary, ok := at(cond.Contracts[0].Symbol)
	if !ok {
		return 0, &EvalResult{State: model.ConditionWaiting, Reason: "not enough history"}
	}

	switch cond.Metric {
	case policy.MetricPrice:
		return primary, nil

	case policy.MetricDrawdownPct:
		ext := extrema[cond.Contracts[0].Symbol]
		if ext.High <= 0 {
			return 0, &EvalResult{State: model.ConditionWaiting, Reason: "running high unavailable"}
		}
		high := math.Max(ext.High, primary)
		return (high - primary) / high, nil

	case policy.MetricRallyPct:
		ext := extrema[cond.Contracts[0].Symbol]
		if ext.Low <= 0 {
			return 0, &EvalResult{State: model.ConditionWaiting, Reason: "running low unavailable"}
		}
		low := math.Min(ext.Low, primary)
		if low <= 0 {
			return 0, &EvalResult{State: model.ConditionWaiting, Reason: "running low not positive"}
		}
		return (primary - low) / low, nil

	case policy.MetricSpread, policy.MetricVolumeRatio, policy.MetricAmountRatio:
		secondary, ok := at(cond.Contracts[1].Symbol)
		if !ok {
			return 0, &EvalResult{State: model.ConditionWaiting, Reason: "not enough history on pair leg"}
		}
		if cond.Metric == policy.MetricSpread {
			return primary - secondary, nil
		}
		if secondary <= 0 {
			return 0, &EvalResult{State: model.ConditionWaiting, Reason: "ratio denominator not positive"}
		}
		return primary / secondary, nil
	}
	return 0, &EvalResult{State: model.ConditionWaiting, Reason: fmt.Sprintf("unknown metric %s", cond.Metric)}
}
