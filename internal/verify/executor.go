package verify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"condor/internal/config"
	"condor/internal/engine"
	"condor/internal/logger"
	"condor/internal/store/model"

	"github.com/adshao/go-binance/v2/futures"
)

// BinanceExecutor routes orders to Binance futures. The trade id is used as
// the client order id, so a resubmit after a crash is rejected by the venue
// instead of duplicating the position.
type BinanceExecutor struct {
	client *futures.Client
}

func NewBinanceExecutor(cfg config.MarketConfig) *BinanceExecutor {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	return &BinanceExecutor{client: client}
}

func (x *BinanceExecutor) SubmitOrder(ctx context.Context, tradeID string, action engine.TradeAction) error {
	svc := x.client.NewCreateOrderService().
		Symbol(action.Symbol).
		Side(futures.SideType(action.Side)).
		Quantity(strconv.FormatFloat(action.Quantity, 'f', -1, 64)).
		NewClientOrderID(tradeID)
	if action.OrderType == "LIMIT" {
		if action.Price == nil {
			return fmt.Errorf("limit order %s has no price", tradeID)
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(*action.Price, 'f', -1, 64))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return err
	}
	logger.Infof("order %s accepted by venue: id=%d status=%s", tradeID, res.OrderID, res.Status)
	return nil
}

func (x *BinanceExecutor) OrderStatus(ctx context.Context, tradeID, symbol string) (model.StrategyStatus, error) {
	order, err := x.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(tradeID).
		Do(ctx)
	if err != nil {
		return "", err
	}
	switch order.Status {
	case futures.OrderStatusTypeFilled:
		return model.StatusFilled, nil
	case futures.OrderStatusTypeCanceled:
		return model.StatusCancelled, nil
	case futures.OrderStatusTypeExpired:
		return model.StatusExpired, nil
	case futures.OrderStatusTypeRejected:
		return model.StatusFailed, nil
	}
	return model.StatusOrderSubmitted, nil
}

// PaperExecutor simulates instant fills. Used when no trading credentials
// are configured or the market provider is disabled.
type PaperExecutor struct {
	mu        sync.Mutex
	submitted map[string]engine.TradeAction
}

func NewPaperExecutor() *PaperExecutor {
	return &PaperExecutor{submitted: make(map[string]engine.TradeAction)}
}

func (x *PaperExecutor) SubmitOrder(_ context.Context, tradeID string, action engine.TradeAction) error {
	x.mu.Lock()
	x.submitted[tradeID] = action
	x.mu.Unlock()
	logger.Infof("paper order %s: %s", tradeID, action.Summary())
	return nil
}

// OrderStatus treats every known order as filled and, after a restart wiped
// the in-memory book, any order we are asked about. Paper mode has no venue
// to reconcile against.
func (x *PaperExecutor) OrderStatus(_ context.Context, tradeID, _ string) (model.StrategyStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.submitted, tradeID)
	return model.StatusFilled, nil
}
