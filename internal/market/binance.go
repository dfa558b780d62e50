package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"condor/internal/config"
	"condor/internal/logger"
	"condor/internal/pkg/circuit"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/markcheno/go-talib"
)

// maxKlineLimit is the venue's hard ceiling on one klines page.
const maxKlineLimit = 1500

// BinanceGateway serves series and extrema from Binance USDⓈ-M futures
// klines. All venue calls run behind a circuit breaker so a flapping API
// degrades to "gateway not ready" instead of hammering the venue.
type BinanceGateway struct {
	client  *futures.Client
	breaker *circuit.Breaker

	readyTTL  time.Duration
	seriesCap int

	mu           sync.Mutex
	lastReadyAt  time.Time
	lastReadyVal bool
}

func NewBinanceGateway(cfg config.MarketConfig) *BinanceGateway {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	ttl := time.Duration(cfg.ReadinessTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	seriesCap := cfg.SeriesLimit
	if seriesCap <= 0 || seriesCap > maxKlineLimit {
		seriesCap = maxKlineLimit
	}
	return &BinanceGateway{
		client:    client,
		breaker:   circuit.NewBreaker("binance-market", 5, 30*time.Second),
		readyTTL:  ttl,
		seriesCap: seriesCap,
	}
}

// Ready pings the venue clock, caching the answer for the readiness TTL so a
// scan pass over many strategies costs at most one ping.
func (g *BinanceGateway) Ready(ctx context.Context) bool {
	g.mu.Lock()
	if time.Since(g.lastReadyAt) < g.readyTTL {
		val := g.lastReadyVal
		g.mu.Unlock()
		return val
	}
	g.mu.Unlock()

	ready := false
	if g.breaker.Allow() {
		_, err := g.client.NewServerTimeService().Do(ctx)
		if err != nil {
			g.breaker.RecordFailure()
			logger.Warnf("binance readiness ping failed: %v", err)
		} else {
			g.breaker.RecordSuccess()
			ready = true
		}
	}

	g.mu.Lock()
	g.lastReadyAt = time.Now()
	g.lastReadyVal = ready
	g.mu.Unlock()
	return ready
}

// Series fetches the most recent req.Points values of the contract at bar
// granularity, oldest first. The forming bar is dropped unless the request
// allows partial bars.
func (g *BinanceGateway) Series(ctx context.Context, req SeriesRequest) ([]float64, error) {
	if !g.breaker.Allow() {
		return nil, fmt.Errorf("binance market calls suspended by circuit breaker")
	}
	limit := req.Points
	if !req.IncludePartial {
		limit++ // the trailing bar may be dropped
	}
	if limit <= 0 {
		return nil, fmt.Errorf("series request needs a positive point count")
	}
	if limit > g.seriesCap {
		limit = g.seriesCap
	}
	kls, err := g.klines(ctx, req.Symbol, req.Bar, limit, 0)
	if err != nil {
		g.breaker.RecordFailure()
		return nil, err
	}
	g.breaker.RecordSuccess()

	if !req.IncludePartial {
		kls = dropFormingBar(kls)
	}
	if len(kls) > req.Points {
		kls = kls[len(kls)-req.Points:]
	}
	out := make([]float64, 0, len(kls))
	for _, kl := range kls {
		out = append(out, fieldValue(kl, req.Field))
	}
	return out, nil
}

// ExtremaSince computes the running high/low of the contract price from the
// given instant. The bar size is widened with the span so the whole range
// fits in one kline page.
func (g *BinanceGateway) ExtremaSince(ctx context.Context, symbol string, since time.Time) (Extrema, error) {
	if !g.breaker.Allow() {
		return Extrema{}, fmt.Errorf("binance market calls suspended by circuit breaker")
	}
	bar := extremaBar(time.Since(since), g.seriesCap)
	kls, err := g.klines(ctx, symbol, bar, g.seriesCap, since.UnixMilli())
	if err != nil {
		g.breaker.RecordFailure()
		return Extrema{}, err
	}
	g.breaker.RecordSuccess()
	if len(kls) == 0 {
		return Extrema{}, nil
	}

	highs := make([]float64, 0, len(kls))
	lows := make([]float64, 0, len(kls))
	for _, kl := range kls {
		highs = append(highs, parseFloat(kl.High))
		lows = append(lows, parseFloat(kl.Low))
	}
	maxSeries := talib.Max(highs, len(highs))
	minSeries := talib.Min(lows, len(lows))
	return Extrema{
		High:    maxSeries[len(maxSeries)-1],
		Low:     minSeries[len(minSeries)-1],
		Samples: len(kls),
	}, nil
}

func (g *BinanceGateway) klines(ctx context.Context, symbol, bar string, limit int, startMs int64) ([]*futures.Kline, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	bar = strings.ToLower(strings.TrimSpace(bar))
	if symbol == "" || bar == "" {
		return nil, fmt.Errorf("symbol and bar are required")
	}
	svc := g.client.NewKlinesService().Symbol(symbol).Interval(bar).Limit(limit)
	if startMs > 0 {
		svc = svc.StartTime(startMs)
	}
	return svc.Do(ctx)
}

// dropFormingBar removes the last kline when its close time is still in the
// future, which is how Binance marks the in-progress bar.
func dropFormingBar(kls []*futures.Kline) []*futures.Kline {
	if len(kls) == 0 {
		return kls
	}
	last := kls[len(kls)-1]
	if last != nil && last.CloseTime > time.Now().UnixMilli() {
		return kls[:len(kls)-1]
	}
	return kls
}

func fieldValue(kl *futures.Kline, field Field) float64 {
	if kl == nil {
		return 0
	}
	switch field {
	case FieldVolume:
		return parseFloat(kl.Volume)
	case FieldAmount:
		return parseFloat(kl.QuoteAssetVolume)
	}
	return parseFloat(kl.Close)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// extremaBar picks a kline interval wide enough that one page of `limit`
// bars covers the whole span since activation.
func extremaBar(span time.Duration, limit int) string {
	steps := []struct {
		bar string
		dur time.Duration
	}{
		{"1m", time.Minute},
		{"5m", 5 * time.Minute},
		{"15m", 15 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
	}
	for _, step := range steps {
		if span <= step.dur*time.Duration(limit) {
			return step.bar
		}
	}
	return "1w"
}
