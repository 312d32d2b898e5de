package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
	"poly_go/internal/event"
	"poly_go/internal/infra"
	"poly_go/internal/infra/polymarket"
)

// Venue is the live order surface. Satisfied by polymarket.Client.
type Venue interface {
	SubmitOrder(ctx context.Context, order domain.Order) (string, error)
	CancelOrder(ctx context.Context, venueOrderID string) (bool, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Recorder receives completed state for persistence. Calls are
// fire-and-forget: the engine never blocks on, or reacts to, storage.
type Recorder interface {
	SaveOrder(o domain.Order)
	SaveTrade(t domain.Trade)
	UpsertPosition(p domain.Position)
}

// OrderIntent is what a strategy asks for. The engine turns it into an
// Order, a rejection, or an error.
type OrderIntent struct {
	MarketID string
	TokenID  string
	Side     domain.Side
	Type     domain.OrderType
	Price    decimal.Decimal
	Size     decimal.Decimal
}

// Engine owns all trading state: orders, trades, positions, balance.
//
// Mutation happens only on the dispatcher goroutine (strategy callbacks
// and fill application both run there), which is the single-writer rule
// that keeps the hot path lock-free in spirit; the mutex exists for
// snapshot reads from other goroutines and is never contended on the
// loop itself.
type Engine struct {
	mode     string
	venue    Venue
	recorder Recorder
	inbox    chan<- event.Event
	seq      *uint64
	logger   *slog.Logger

	feeRate  decimal.Decimal
	slippage decimal.Decimal

	mu         sync.RWMutex
	balance    decimal.Decimal
	orders     map[string]*domain.Order
	venueIDs   map[string]string // venue order id -> client order id
	trades     []domain.Trade
	positions  *domain.PositionBook
	lastPrices map[string]decimal.Decimal
}

// NewEngine builds an engine for the configured mode. venue may be nil
// in paper mode; recorder may be nil to disable persistence.
func NewEngine(cfg *infra.Config, venue Venue, recorder Recorder, inbox chan<- event.Event, seq *uint64, logger *slog.Logger) *Engine {
	e := &Engine{
		mode:       cfg.Mode,
		venue:      venue,
		recorder:   recorder,
		inbox:      inbox,
		seq:        seq,
		logger:     logger.With(slog.String("module", "execution")),
		feeRate:    cfg.Paper.FeeRate,
		slippage:   cfg.Paper.Slippage,
		orders:     make(map[string]*domain.Order),
		venueIDs:   make(map[string]string),
		positions:  domain.NewPositionBook(),
		lastPrices: make(map[string]decimal.Decimal),
	}
	if cfg.Mode == infra.ModePaper {
		e.balance = cfg.Paper.InitialBalance
	}
	return e
}

// SetInbox points paper fill events at the dispatcher inbox. Called
// once during wiring, before any event flows.
func (e *Engine) SetInbox(inbox chan<- event.Event) {
	e.inbox = inbox
}

// Submit validates an intent and executes it in the engine's mode.
//
// Paper: marketable orders fill fully and immediately, resting limits
// fill fully at the limit price on the first crossing price update.
// Live: the order goes to the venue; a transport failure after retries
// returns an error with no order created, a venue-level rejection
// returns the order in REJECTED status with the venue's reason.
func (e *Engine) Submit(ctx context.Context, intent OrderIntent) (*domain.Order, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:        uuid.NewString(),
		MarketID:  intent.MarketID,
		TokenID:   intent.TokenID,
		Side:      intent.Side,
		Type:      intent.Type,
		Status:    domain.OrderStatusPending,
		Price:     intent.Price,
		Size:      intent.Size,
		Paper:     e.mode == infra.ModePaper,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	infra.GlobalMetrics.RecordOrderSubmitted()
	if order.Paper {
		return e.submitPaper(order)
	}
	return e.submitLive(ctx, order)
}

func validateIntent(intent OrderIntent) error {
	if !intent.Size.IsPositive() {
		return domain.ErrInvalidSize
	}
	if intent.Type == domain.OrderTypeLimit {
		if !intent.Price.IsPositive() || intent.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return domain.ErrInvalidPrice
		}
	}
	if intent.Side != domain.SideBuy && intent.Side != domain.SideSell {
		return fmt.Errorf("invalid side %q", intent.Side)
	}
	return nil
}

func (e *Engine) submitPaper(order *domain.Order) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, hasLast := e.lastPrices[order.TokenID]

	var fillPrice decimal.Decimal
	fill := false
	switch order.Type {
	case domain.OrderTypeMarket:
		if !hasLast {
			return nil, fmt.Errorf("no price for token %s: %w", order.TokenID, domain.ErrInvalidPrice)
		}
		fillPrice = e.applySlippage(last, order.Side)
		fill = true
	default:
		// Marketable limit fills at its own limit price.
		if hasLast && crosses(order.Side, order.Price, last) {
			fillPrice = order.Price
			fill = true
		}
	}

	if fill {
		if err := e.fillPaperLocked(order, fillPrice); err != nil {
			return nil, err
		}
		cp := *order
		return &cp, nil
	}

	// Resting limit: reserve nothing, check affordability at fill time.
	order.Status = domain.OrderStatusOpen
	e.orders[order.ID] = order
	e.record(func(r Recorder) { r.SaveOrder(*order) })
	e.logger.Info("paper order resting",
		slog.String("id", order.ID),
		slog.String("token", order.TokenID),
		slog.String("side", string(order.Side)),
		slog.String("price", order.Price.String()),
		slog.String("size", order.Size.String()))
	cp := *order
	return &cp, nil
}

// crosses reports whether the last trade price makes a limit order
// marketable: buys fill when the market trades at or below the limit,
// sells at or above.
func crosses(side domain.Side, limit, last decimal.Decimal) bool {
	if side == domain.SideBuy {
		return last.LessThanOrEqual(limit)
	}
	return last.GreaterThanOrEqual(limit)
}

func (e *Engine) applySlippage(price decimal.Decimal, side domain.Side) decimal.Decimal {
	adj := price.Mul(e.slippage)
	if side == domain.SideBuy {
		price = price.Add(adj)
	} else {
		price = price.Sub(adj)
	}
	// Prices live strictly inside (0, 1).
	one := decimal.NewFromInt(1)
	if price.GreaterThanOrEqual(one) {
		price = one.Sub(decimal.New(1, -4))
	}
	if !price.IsPositive() {
		price = decimal.New(1, -4)
	}
	return price
}

// fillPaperLocked settles a full fill against the ledger. Validation
// happens before any mutation so a failed submit leaves balance and
// position untouched.
func (e *Engine) fillPaperLocked(order *domain.Order, fillPrice decimal.Decimal) error {
	notional := fillPrice.Mul(order.RemainingSize())
	fee := notional.Mul(e.feeRate)

	if order.Side == domain.SideBuy {
		cost := notional.Add(fee)
		if e.balance.LessThan(cost) {
			return fmt.Errorf("need %s, have %s: %w", cost, e.balance, domain.ErrInsufficientBalance)
		}
	} else {
		pos, ok := e.positions.Lookup(order.TokenID)
		if !ok || pos.Size.LessThan(order.RemainingSize()) {
			return fmt.Errorf("sell %s of token %s: %w", order.RemainingSize(), order.TokenID, domain.ErrInsufficientPosition)
		}
	}

	now := time.Now()
	trade := domain.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		MarketID:   order.MarketID,
		TokenID:    order.TokenID,
		Side:       order.Side,
		Price:      fillPrice,
		Size:       order.RemainingSize(),
		Fee:        fee,
		Paper:      true,
		ExecutedAt: now,
	}

	if order.Side == domain.SideBuy {
		e.balance = e.balance.Sub(notional).Sub(fee)
	} else {
		e.balance = e.balance.Add(notional).Sub(fee)
	}

	pos := e.positions.Get(order.MarketID, order.TokenID)
	pos.Apply(trade)

	order.FilledSize = order.Size
	order.Status = domain.OrderStatusFilled
	order.UpdatedAt = now
	order.FilledAt = now
	e.orders[order.ID] = order
	e.trades = append(e.trades, trade)
	infra.GlobalMetrics.RecordOrderFilled()

	e.record(func(r Recorder) {
		r.SaveOrder(*order)
		r.SaveTrade(trade)
		r.UpsertPosition(*pos)
	})

	e.enqueueFill(trade, true)
	e.logger.Info("paper fill",
		slog.String("order", order.ID),
		slog.String("token", order.TokenID),
		slog.String("side", string(order.Side)),
		slog.String("price", fillPrice.String()),
		slog.String("size", trade.Size.String()),
		slog.String("balance", e.balance.String()))
	return nil
}

func (e *Engine) submitLive(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if e.venue == nil {
		return nil, fmt.Errorf("live mode without venue client")
	}

	venueID, err := e.venue.SubmitOrder(ctx, *order)
	if err != nil {
		var rej *polymarket.RejectionError
		if errors.As(err, &rej) {
			order.Status = domain.OrderStatusRejected
			order.Reason = rej.Msg
			order.UpdatedAt = time.Now()

			e.mu.Lock()
			e.orders[order.ID] = order
			e.mu.Unlock()

			e.record(func(r Recorder) { r.SaveOrder(*order) })
			e.logger.Warn("order rejected by venue",
				slog.String("id", order.ID), slog.String("reason", rej.Msg))
			cp := *order
			return &cp, nil
		}
		// Transport failure after retries: nothing was created.
		return nil, err
	}

	order.Status = domain.OrderStatusOpen
	order.UpdatedAt = time.Now()

	e.mu.Lock()
	e.orders[order.ID] = order
	e.venueIDs[venueID] = order.ID
	e.mu.Unlock()

	e.record(func(r Recorder) { r.SaveOrder(*order) })
	cp := *order
	return &cp, nil
}

// Cancel cancels an open order. Returns false for unknown or already
// terminal orders; cancelling a terminal order is a no-op, not an error.
func (e *Engine) Cancel(ctx context.Context, orderID string) bool {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok || order.IsTerminal() {
		e.mu.Unlock()
		return false
	}

	if order.Paper {
		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = time.Now()
		cp := *order
		e.mu.Unlock()

		e.record(func(r Recorder) { r.SaveOrder(cp) })
		e.logger.Info("paper order cancelled", slog.String("id", orderID))
		return true
	}

	venueID := orderID
	for vid, cid := range e.venueIDs {
		if cid == orderID {
			venueID = vid
			break
		}
	}
	e.mu.Unlock()

	ok, err := e.venue.CancelOrder(ctx, venueID)
	if err != nil || !ok {
		e.logger.Warn("cancel failed", slog.String("id", orderID), slog.Any("error", err))
		return false
	}

	e.mu.Lock()
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	cp := *order
	e.mu.Unlock()

	e.record(func(r Recorder) { r.SaveOrder(cp) })
	return true
}

// MarkPrice records the latest trade price for a token and triggers
// any resting paper limit orders it crosses. Called by the dispatcher
// before the strategy sees the update, so a strategy reading its own
// position observes the fill already applied.
func (e *Engine) MarkPrice(u domain.PriceUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrices[u.TokenID] = u.Price
	if e.mode != infra.ModePaper {
		return
	}

	for _, order := range e.orders {
		if !order.IsOpen() || order.TokenID != u.TokenID || order.Type != domain.OrderTypeLimit {
			continue
		}
		if !crosses(order.Side, order.Price, u.Price) {
			continue
		}
		if err := e.fillPaperLocked(order, order.Price); err != nil {
			// Leave it resting; it may become affordable later.
			e.logger.Warn("resting order fill skipped",
				slog.String("id", order.ID), slog.Any("error", err))
		}
	}
}

// ApplyFill folds a live fill notification into engine state,
// correlating by venue order id. Unknown ids are logged and dropped,
// never fabricated into orders. Returns the resulting trade.
func (e *Engine) ApplyFill(ev *event.FillEvent) (domain.Trade, bool) {
	if ev.Applied {
		// Paper fills mutated state at submit; nothing to re-apply.
		return ev.Trade, true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	clientID := ev.OrderID
	if mapped, ok := e.venueIDs[ev.OrderID]; ok {
		clientID = mapped
	}
	order, ok := e.orders[clientID]
	if !ok {
		infra.GlobalMetrics.RecordFillDropped()
		e.logger.Warn("fill for unknown order dropped",
			slog.String("order", ev.OrderID),
			slog.String("token", ev.TokenID))
		return domain.Trade{}, false
	}
	if order.IsTerminal() {
		infra.GlobalMetrics.RecordFillDropped()
		e.logger.Warn("fill for terminal order dropped", slog.String("order", clientID))
		return domain.Trade{}, false
	}

	// A fill never takes cumulative filled size past the requested size.
	size := ev.Size
	if remaining := order.RemainingSize(); size.GreaterThan(remaining) {
		size = remaining
	}

	now := time.Now()
	trade := domain.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		MarketID:   order.MarketID,
		TokenID:    order.TokenID,
		Side:       order.Side,
		Price:      ev.Price,
		Size:       size,
		Fee:        ev.Fee,
		ExecutedAt: now,
	}

	order.FilledSize = order.FilledSize.Add(size)
	order.UpdatedAt = now
	if order.FilledSize.GreaterThanOrEqual(order.Size) {
		order.Status = domain.OrderStatusFilled
		order.FilledAt = now
		infra.GlobalMetrics.RecordOrderFilled()
	} else {
		order.Status = domain.OrderStatusPartiallyFilled
	}

	pos := e.positions.Get(order.MarketID, order.TokenID)
	pos.Apply(trade)
	e.trades = append(e.trades, trade)

	e.record(func(r Recorder) {
		r.SaveOrder(*order)
		r.SaveTrade(trade)
		r.UpsertPosition(*pos)
	})

	e.logger.Info("live fill applied",
		slog.String("order", order.ID),
		slog.String("status", string(order.Status)),
		slog.String("price", trade.Price.String()),
		slog.String("size", trade.Size.String()))
	return trade, true
}

// RefreshBalance replaces the live balance snapshot from the venue.
func (e *Engine) RefreshBalance(ctx context.Context) error {
	if e.venue == nil {
		return nil
	}
	bal, err := e.venue.GetBalance(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.balance = bal
	e.mu.Unlock()
	return nil
}

func (e *Engine) enqueueFill(trade domain.Trade, applied bool) {
	if e.inbox == nil {
		return
	}
	ev := &event.FillEvent{
		BaseEvent: event.BaseEvent{Seq: nextSeq(e.seq), Ts: trade.ExecutedAt},
		OrderID:   trade.OrderID,
		TokenID:   trade.TokenID,
		Side:      trade.Side,
		Price:     trade.Price,
		Size:      trade.Size,
		Fee:       trade.Fee,
		Applied:   applied,
		Trade:     trade,
	}
	select {
	case e.inbox <- ev:
	default:
		e.logger.Warn("inbox full, fill callback dropped", slog.String("order", trade.OrderID))
	}
}

func nextSeq(seq *uint64) uint64 {
	if seq == nil {
		return 0
	}
	return atomic.AddUint64(seq, 1)
}

func (e *Engine) record(fn func(Recorder)) {
	if e.recorder != nil {
		fn(e.recorder)
	}
}

// --- snapshot reads, safe from any goroutine ---

// Balance returns the current cash balance (paper) or last fetched
// venue snapshot (live).
func (e *Engine) Balance() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// Equity returns balance plus open positions marked at last prices.
func (e *Engine) Equity() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	eq := e.balance
	for _, pos := range e.positions.Snapshot() {
		mark, ok := e.lastPrices[pos.TokenID]
		if !ok {
			mark = pos.AvgEntryPrice
		}
		eq = eq.Add(pos.Size.Mul(mark))
	}
	return eq
}

// Position returns a copy of the position for a token.
func (e *Engine) Position(tokenID string) (domain.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions.Lookup(tokenID)
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Positions returns copies of all non-flat positions.
func (e *Engine) Positions() []domain.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.Snapshot()
}

// Order returns a copy of an order by client id.
func (e *Engine) Order(orderID string) (domain.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OpenOrders returns copies of all orders still able to fill.
func (e *Engine) OpenOrders() []domain.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []domain.Order
	for _, o := range e.orders {
		if o.IsOpen() {
			out = append(out, *o)
		}
	}
	return out
}

// Trades returns a copy of the append-only trade log.
func (e *Engine) Trades() []domain.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// LastPrice returns the most recent trade price seen for a token.
func (e *Engine) LastPrice(tokenID string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.lastPrices[tokenID]
	return p, ok
}

// RealizedPnL sums realized PnL across all tokens.
func (e *Engine) RealizedPnL() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.TotalRealizedPnL()
}
