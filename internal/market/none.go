package market

import (
	"context"
	"fmt"
	"time"
)

// DisabledGateway is the provider used when market data is switched off.
// Strategies keep their state but every evaluation pass reports the gateway
// as unavailable.
type DisabledGateway struct{}

func NewDisabledGateway() DisabledGateway { return DisabledGateway{} }

func (DisabledGateway) Ready(context.Context) bool { return false }

func (DisabledGateway) Series(context.Context, SeriesRequest) ([]float64, error) {
	return nil, fmt.Errorf("market data provider disabled")
}

func (DisabledGateway) ExtremaSince(context.Context, string, time.Time) (Extrema, error) {
	return Extrema{}, fmt.Errorf("market data provider disabled")
}
