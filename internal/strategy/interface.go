package strategy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
	"poly_go/internal/execution"
	"poly_go/internal/infra"
)

// Strategy is the interface all trading strategies implement. Every
// callback is invoked synchronously on the dispatcher goroutine, one
// event at a time, so a strategy never needs locks for its own state.
// A long-running callback stalls the whole loop; keep them fast.
type Strategy interface {
	Name() string

	// OnStart runs once before the event loop begins. The Trader is
	// the strategy's handle into the execution engine and stays valid
	// until OnStop returns.
	OnStart(t *Trader) error
	// OnStop runs once after the loop exits.
	OnStop()

	OnPriceUpdate(u domain.PriceUpdate)
	OnOrderBookUpdate(b domain.OrderBook)
	OnFill(tr domain.Trade)
}

// Trader is the order surface handed to a strategy. It scopes intents
// to the markets the strategy watches and forwards them to the engine.
type Trader struct {
	ctx         context.Context
	engine      *execution.Engine
	defaultSize decimal.Decimal
	logger      *slog.Logger

	mu      sync.RWMutex
	markets map[string]domain.Market // token id -> owning market
}

// NewTrader binds a trader to the engine. The context bounds every
// live venue call issued through it.
func NewTrader(ctx context.Context, engine *execution.Engine, cfg *infra.Config, logger *slog.Logger) *Trader {
	return &Trader{
		ctx:         ctx,
		engine:      engine,
		defaultSize: cfg.Strategy.DefaultSize,
		logger:      logger.With(slog.String("module", "trader")),
		markets:     make(map[string]domain.Market),
	}
}

// Watch registers a market so its tokens become tradable through this
// trader.
func (t *Trader) Watch(m domain.Market) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markets[m.TokenIDYes] = m
	t.markets[m.TokenIDNo] = m
}

// Markets returns the watched markets, one entry per market.
func (t *Trader) Markets() []domain.Market {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	var out []domain.Market
	for _, m := range t.markets {
		if !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

// Buy submits a limit buy for a watched token. A zero size uses the
// configured default.
func (t *Trader) Buy(tokenID string, size, price decimal.Decimal) (*domain.Order, error) {
	return t.submit(tokenID, domain.SideBuy, domain.OrderTypeLimit, size, price)
}

// Sell submits a limit sell for a watched token.
func (t *Trader) Sell(tokenID string, size, price decimal.Decimal) (*domain.Order, error) {
	return t.submit(tokenID, domain.SideSell, domain.OrderTypeLimit, size, price)
}

// BuyMarket submits a market buy at the last seen price plus slippage.
func (t *Trader) BuyMarket(tokenID string, size decimal.Decimal) (*domain.Order, error) {
	return t.submit(tokenID, domain.SideBuy, domain.OrderTypeMarket, size, decimal.Zero)
}

// SellMarket submits a market sell.
func (t *Trader) SellMarket(tokenID string, size decimal.Decimal) (*domain.Order, error) {
	return t.submit(tokenID, domain.SideSell, domain.OrderTypeMarket, size, decimal.Zero)
}

func (t *Trader) submit(tokenID string, side domain.Side, typ domain.OrderType, size, price decimal.Decimal) (*domain.Order, error) {
	t.mu.RLock()
	market, ok := t.markets[tokenID]
	t.mu.RUnlock()
	if !ok {
		return nil, domain.ErrUnknownMarket
	}
	if size.IsZero() {
		size = t.defaultSize
	}

	return t.engine.Submit(t.ctx, execution.OrderIntent{
		MarketID: market.ID,
		TokenID:  tokenID,
		Side:     side,
		Type:     typ,
		Price:    price,
		Size:     size,
	})
}

// Cancel cancels an open order by id.
func (t *Trader) Cancel(orderID string) bool {
	return t.engine.Cancel(t.ctx, orderID)
}

// CancelAll cancels every open order and returns how many were cancelled.
func (t *Trader) CancelAll() int {
	n := 0
	for _, o := range t.engine.OpenOrders() {
		if t.engine.Cancel(t.ctx, o.ID) {
			n++
		}
	}
	return n
}

// Position returns the strategy's position in a token.
func (t *Trader) Position(tokenID string) (domain.Position, bool) {
	return t.engine.Position(tokenID)
}

// Balance returns the current cash balance.
func (t *Trader) Balance() decimal.Decimal {
	return t.engine.Balance()
}

// Equity returns balance plus open positions at last prices.
func (t *Trader) Equity() decimal.Decimal {
	return t.engine.Equity()
}

// LastPrice returns the most recent trade price for a token.
func (t *Trader) LastPrice(tokenID string) (decimal.Decimal, bool) {
	return t.engine.LastPrice(tokenID)
}
