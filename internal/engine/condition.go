package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"condor/internal/policy"
)

// ContractRef points at one underlying instrument. ContractID is resolved
// during activation verification; Symbol is what the user configures.
type ContractRef struct {
	Symbol     string `json:"symbol"`
	ContractID string `json:"contract_id,omitempty"`
}

// Condition is one evaluable clause of a strategy. It is a tagged variant
// keyed by Metric: single-contract metrics carry one contract ref, pair
// metrics exactly two. Validation happens once at the boundary (Normalize),
// not ad hoc at each read site.
type Condition struct {
	ConditionID string             `json:"condition_id"`
	Metric      policy.Metric      `json:"metric"`
	TriggerMode policy.TriggerMode `json:"trigger_mode"`
	Window      string             `json:"evaluation_window"`
	Operator    policy.Operator    `json:"operator"`
	Threshold   float64            `json:"threshold"`
	Contracts   []ContractRef      `json:"contracts"`
}

// Normalize trims fields and validates the structural shape of the variant.
// Compatibility with the trigger-policy matrix is checked later in Prepare.
func (c *Condition) Normalize() error {
	c.ConditionID = strings.TrimSpace(c.ConditionID)
	if c.ConditionID == "" {
		return fmt.Errorf("condition_id cannot be empty")
	}
	c.Metric = policy.Metric(strings.ToUpper(strings.TrimSpace(string(c.Metric))))
	c.TriggerMode = policy.TriggerMode(strings.ToUpper(strings.TrimSpace(string(c.TriggerMode))))
	c.Window = strings.ToLower(strings.TrimSpace(c.Window))
	c.Operator = policy.Operator(strings.TrimSpace(string(c.Operator)))

	switch c.Metric {
	case policy.MetricPrice, policy.MetricDrawdownPct, policy.MetricRallyPct,
		policy.MetricSpread, policy.MetricVolumeRatio, policy.MetricAmountRatio:
	default:
		return fmt.Errorf("condition %s: unknown metric %q", c.ConditionID, c.Metric)
	}
	valid := false
	for _, m := range policy.Modes() {
		if c.TriggerMode == m {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("condition %s: unknown trigger mode %q", c.ConditionID, c.TriggerMode)
	}
	switch c.Operator {
	case policy.OpGTE, policy.OpLTE:
	default:
		return fmt.Errorf("condition %s: operator must be >= or <=", c.ConditionID)
	}
	if c.Window == "" {
		return fmt.Errorf("condition %s: evaluation_window cannot be empty", c.ConditionID)
	}

	want := 1
	if c.Metric.Pair() {
		want = 2
	}
	if len(c.Contracts) != want {
		return fmt.Errorf("condition %s: metric %s requires %d contract(s), got %d",
			c.ConditionID, c.Metric, want, len(c.Contracts))
	}
	for i := range c.Contracts {
		c.Contracts[i].Symbol = strings.ToUpper(strings.TrimSpace(c.Contracts[i].Symbol))
		if c.Contracts[i].Symbol == "" {
			return fmt.Errorf("condition %s: contract symbol cannot be empty", c.ConditionID)
		}
	}
	return nil
}

// ParseConditions decodes and validates a strategy's conditions payload.
func ParseConditions(raw []byte) ([]Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var conds []Condition
	if err := json.Unmarshal(raw, &conds); err != nil {
		return nil, fmt.Errorf("conditions payload invalid: %w", err)
	}
	seen := make(map[string]struct{}, len(conds))
	for i := range conds {
		if err := conds[i].Normalize(); err != nil {
			return nil, err
		}
		if _, dup := seen[conds[i].ConditionID]; dup {
			return nil, fmt.Errorf("duplicate condition_id %q", conds[i].ConditionID)
		}
		seen[conds[i].ConditionID] = struct{}{}
	}
	return conds, nil
}

// TradeAction describes the order a triggered strategy submits.
type TradeAction struct {
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`       // BUY | SELL
	OrderType string   `json:"order_type"` // MARKET | LIMIT
	Quantity  float64  `json:"quantity"`
	Price     *float64 `json:"price,omitempty"` // required for LIMIT
}

func (t *TradeAction) Normalize() error {
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	t.Side = strings.ToUpper(strings.TrimSpace(t.Side))
	t.OrderType = strings.ToUpper(strings.TrimSpace(t.OrderType))
	if t.OrderType == "" {
		t.OrderType = "MARKET"
	}
	if t.Symbol == "" {
		return fmt.Errorf("trade action symbol cannot be empty")
	}
	if t.Side != "BUY" && t.Side != "SELL" {
		return fmt.Errorf("trade action side must be BUY or SELL")
	}
	if t.OrderType != "MARKET" && t.OrderType != "LIMIT" {
		return fmt.Errorf("trade action order_type must be MARKET or LIMIT")
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("trade action quantity must be > 0")
	}
	if t.OrderType == "LIMIT" && (t.Price == nil || *t.Price <= 0) {
		return fmt.Errorf("trade action LIMIT requires a positive price")
	}
	return nil
}

// Summary renders the human-readable instruction line persisted on the
// trade instruction row.
func (t TradeAction) Summary() string {
	if t.OrderType == "LIMIT" && t.Price != nil {
		return fmt.Sprintf("%s %s %v %s @ %v", t.Side, t.OrderType, t.Quantity, t.Symbol, *t.Price)
	}
	return fmt.Sprintf("%s %s %v %s", t.Side, t.OrderType, t.Quantity, t.Symbol)
}

// ParseTradeAction decodes an optional trade action payload; returns nil when
// the payload is empty or the JSON literal null.
func ParseTradeAction(raw []byte) (*TradeAction, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var ta TradeAction
	if err := json.Unmarshal(raw, &ta); err != nil {
		return nil, fmt.Errorf("trade action payload invalid: %w", err)
	}
	if err := ta.Normalize(); err != nil {
		return nil, err
	}
	return &ta, nil
}
