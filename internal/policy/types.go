package policy

import (
	"strconv"
	"strings"
	"time"
)

// Metric identifies what a condition measures.
type Metric string

const (
	MetricPrice       Metric = "PRICE"
	MetricDrawdownPct Metric = "DRAWDOWN_PCT"
	MetricRallyPct    Metric = "RALLY_PCT"
	MetricSpread      Metric = "SPREAD"
	MetricVolumeRatio Metric = "VOLUME_RATIO"
	MetricAmountRatio Metric = "AMOUNT_RATIO"
)

// PairMetric reports whether the metric derives its value from two contracts.
func (m Metric) Pair() bool {
	switch m {
	case MetricSpread, MetricVolumeRatio, MetricAmountRatio:
		return true
	}
	return false
}

// NeedsExtrema reports whether the metric depends on since-activation
// running high/low state.
func (m Metric) NeedsExtrema() bool {
	return m == MetricDrawdownPct || m == MetricRallyPct
}

// TriggerMode combines the firing shape (level vs. cross direction) with
// the confirmation requirement.
type TriggerMode string

const (
	LevelInstant     TriggerMode = "LEVEL_INSTANT"
	LevelConfirm     TriggerMode = "LEVEL_CONFIRM"
	CrossUpInstant   TriggerMode = "CROSS_UP_INSTANT"
	CrossUpConfirm   TriggerMode = "CROSS_UP_CONFIRM"
	CrossDownInstant TriggerMode = "CROSS_DOWN_INSTANT"
	CrossDownConfirm TriggerMode = "CROSS_DOWN_CONFIRM"
)

// Modes lists every declared trigger mode.
func Modes() []TriggerMode {
	return []TriggerMode{
		LevelInstant, LevelConfirm,
		CrossUpInstant, CrossUpConfirm,
		CrossDownInstant, CrossDownConfirm,
	}
}

func (m TriggerMode) Level() bool {
	return m == LevelInstant || m == LevelConfirm
}

func (m TriggerMode) CrossUp() bool {
	return m == CrossUpInstant || m == CrossUpConfirm
}

func (m TriggerMode) CrossDown() bool {
	return m == CrossDownInstant || m == CrossDownConfirm
}

func (m TriggerMode) Confirm() bool {
	return m == LevelConfirm || m == CrossUpConfirm || m == CrossDownConfirm
}

// Operator is the comparison applied to LEVEL conditions.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
)

// MissingDataPolicy controls how absent series are treated.
type MissingDataPolicy string

const (
	MissingWait MissingDataPolicy = "wait"
	MissingFail MissingDataPolicy = "fail"
)

// ParseWindow parses "15m", "1h", "4h", "1d", "1w" into time.Duration.
// Returns (0, false) on invalid input.
func ParseWindow(window string) (time.Duration, bool) {
	window = strings.ToLower(strings.TrimSpace(window))
	if window == "" {
		return 0, false
	}
	unit := window[len(window)-1]
	numStr := strings.TrimSpace(window[:len(window)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
