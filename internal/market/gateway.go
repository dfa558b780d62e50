package market

import (
	"context"
	"time"
)

// Field selects which bar component a series carries.
type Field string

const (
	FieldPrice  Field = "price"
	FieldVolume Field = "volume"
	FieldAmount Field = "amount" // quote volume
)

// SeriesRequest asks for the most recent Points values of one contract,
// sampled at Bar granularity, oldest first.
type SeriesRequest struct {
	Symbol         string
	Bar            string
	Points         int
	Field          Field
	IncludePartial bool // whether the forming bar may be returned
}

// Extrema is the running high/low of a contract over a time range.
type Extrema struct {
	High    float64
	Low     float64
	Samples int
}

// Gateway is the market-data collaborator of the engine. Implementations
// are expected to bound their own call latency; the engine treats any error
// as transient and retries on the next scan pass.
type Gateway interface {
	// Ready reports whether the data feed is currently usable.
	Ready(ctx context.Context) bool
	// Series returns up to req.Points values, oldest first. A short or empty
	// result is not an error; the evaluator decides what insufficient data
	// means for each condition.
	Series(ctx context.Context, req SeriesRequest) ([]float64, error)
	// ExtremaSince returns the running high/low of the contract's price since
	// the given time (the strategy's logical activation).
	ExtremaSince(ctx context.Context, symbol string, since time.Time) (Extrema, error)
}
