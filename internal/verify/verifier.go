// Package verify checks strategy configurations against the venue before
// activation and routes the orders of triggered strategies.
package verify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"condor/internal/config"
	"condor/internal/engine"
	"condor/internal/logger"

	"github.com/adshao/go-binance/v2/futures"
)

const exchangeInfoTTL = 10 * time.Minute

// VenueVerifier validates contracts and trade actions against Binance
// futures exchange info. The symbol table is cached; activation is rare
// enough that a stale entry only delays a rejection by one pass.
type VenueVerifier struct {
	client *futures.Client

	mu        sync.Mutex
	symbols   map[string]futures.Symbol
	fetchedAt time.Time
}

func NewVenueVerifier(cfg config.MarketConfig) *VenueVerifier {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	return &VenueVerifier{client: client}
}

// Verify resolves every referenced contract and sanity-checks the trade
// action. Returns the conditions with contract IDs filled in.
func (v *VenueVerifier) Verify(ctx context.Context, conds []engine.Condition, action *engine.TradeAction) ([]engine.Condition, error) {
	table, err := v.symbolTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exchange info: %w", err)
	}

	out := make([]engine.Condition, len(conds))
	copy(out, conds)
	for i := range out {
		contracts := make([]engine.ContractRef, len(out[i].Contracts))
		copy(contracts, out[i].Contracts)
		for j := range contracts {
			sym, err := lookupTradeable(table, contracts[j].Symbol)
			if err != nil {
				return nil, fmt.Errorf("condition %s: %w", out[i].ConditionID, err)
			}
			contracts[j].ContractID = sym.Symbol
		}
		out[i].Contracts = contracts
	}

	if action != nil {
		if _, err := lookupTradeable(table, action.Symbol); err != nil {
			return nil, fmt.Errorf("trade action: %w", err)
		}
	}
	return out, nil
}

func lookupTradeable(table map[string]futures.Symbol, symbol string) (futures.Symbol, error) {
	sym, ok := table[strings.ToUpper(symbol)]
	if !ok {
		return futures.Symbol{}, fmt.Errorf("contract %s not listed on the venue", symbol)
	}
	if sym.Status != "TRADING" {
		return futures.Symbol{}, fmt.Errorf("contract %s not tradeable (status %s)", symbol, sym.Status)
	}
	return sym, nil
}

func (v *VenueVerifier) symbolTable(ctx context.Context) (map[string]futures.Symbol, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.symbols != nil && time.Since(v.fetchedAt) < exchangeInfoTTL {
		return v.symbols, nil
	}
	info, err := v.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		if v.symbols != nil {
			logger.Warnf("exchange info refresh failed, using cached table: %v", err)
			return v.symbols, nil
		}
		return nil, err
	}
	table := make(map[string]futures.Symbol, len(info.Symbols))
	for _, sym := range info.Symbols {
		table[strings.ToUpper(sym.Symbol)] = sym
	}
	v.symbols = table
	v.fetchedAt = time.Now()
	logger.Debugf("exchange info refreshed: %d symbols", len(table))
	return table, nil
}

// StaticVerifier approves any structurally valid configuration. Used when
// the market provider is disabled.
type StaticVerifier struct{}

func (StaticVerifier) Verify(_ context.Context, conds []engine.Condition, _ *engine.TradeAction) ([]engine.Condition, error) {
	out := make([]engine.Condition, len(conds))
	copy(out, conds)
	for i := range out {
		contracts := make([]engine.ContractRef, len(out[i].Contracts))
		copy(contracts, out[i].Contracts)
		for j := range contracts {
			if contracts[j].ContractID == "" {
				contracts[j].ContractID = contracts[j].Symbol
			}
		}
		out[i].Contracts = contracts
	}
	return out, nil
}
