package condorhttp

import (
	"time"

	"condor/internal/store/model"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// createStrategySchema gates the create/edit payload before any of it
// reaches the domain parsers, so malformed requests fail with a pointer to
// the offending field instead of a generic unmarshal error.
var createStrategySchema = jsonschema.MustCompileString("strategy.json", `{
	"type": "object",
	"required": ["name", "conditions"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 128},
		"condition_logic": {"enum": ["AND", "OR"]},
		"conditions": {
			"type": "array",
			"minItems": 1,
			"maxItems": 16,
			"items": {
				"type": "object",
				"required": ["condition_id", "metric", "trigger_mode", "evaluation_window", "operator", "threshold", "contracts"],
				"properties": {
					"condition_id": {"type": "string", "minLength": 1},
					"metric": {"enum": ["PRICE", "DRAWDOWN_PCT", "RALLY_PCT", "SPREAD", "VOLUME_RATIO", "AMOUNT_RATIO"]},
					"trigger_mode": {"enum": ["LEVEL_INSTANT", "LEVEL_CONFIRM", "CROSS_UP_INSTANT", "CROSS_UP_CONFIRM", "CROSS_DOWN_INSTANT", "CROSS_DOWN_CONFIRM"]},
					"evaluation_window": {"type": "string", "minLength": 1},
					"operator": {"enum": [">=", "<="]},
					"threshold": {"type": "number"},
					"contracts": {
						"type": "array",
						"minItems": 1,
						"maxItems": 2,
						"items": {
							"type": "object",
							"required": ["symbol"],
							"properties": {"symbol": {"type": "string", "minLength": 1}}
						}
					}
				}
			}
		},
		"trade_action": {
			"type": ["object", "null"],
			"properties": {
				"symbol": {"type": "string", "minLength": 1},
				"side": {"enum": ["BUY", "SELL"]},
				"order_type": {"enum": ["MARKET", "LIMIT"]},
				"quantity": {"type": "number", "exclusiveMinimum": 0},
				"price": {"type": "number", "exclusiveMinimum": 0}
			}
		},
		"next_strategy_id": {"type": "integer", "minimum": 1},
		"expire_mode": {"enum": ["none", "absolute", "relative"]},
		"expire_at": {"type": "integer", "minimum": 0},
		"expire_in_seconds": {"type": "integer", "exclusiveMinimum": 0}
	}
}`)

// strategyView is the API projection of a strategy row.
type strategyView struct {
	ID                 int64                 `json:"id"`
	Name               string                `json:"name"`
	Status             model.StrategyStatus  `json:"status"`
	Version            int64                 `json:"version"`
	ConditionLogic     string                `json:"condition_logic"`
	Conditions         any                   `json:"conditions,omitempty"`
	TradeAction        any                   `json:"trade_action,omitempty"`
	UpstreamID         *int64                `json:"upstream_strategy_id,omitempty"`
	NextID             *int64                `json:"next_strategy_id,omitempty"`
	ExpireMode         string                `json:"expire_mode"`
	ExpireAt           *string               `json:"expire_at,omitempty"`
	ActivatedAt        *string               `json:"activated_at,omitempty"`
	LogicalActivatedAt *string               `json:"logical_activated_at,omitempty"`
	CreatedAt          string                `json:"created_at"`
	UpdatedAt          string                `json:"updated_at"`
	ConditionStates    []conditionStateView  `json:"condition_states,omitempty"`
}

type conditionStateView struct {
	ConditionID     string               `json:"condition_id"`
	State           model.ConditionState `json:"state"`
	ObservedValue   *float64             `json:"observed_value,omitempty"`
	LastEvaluatedAt string               `json:"last_evaluated_at"`
}

func fmtMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func fmtMsPtr(ms *int64) *string {
	if ms == nil {
		return nil
	}
	s := fmtMs(*ms)
	return &s
}
