package event

import (
	"time"

	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvPriceUpdate Type = iota + 1
	EvOrderBook
	EvFill
)

// Event is the interface for everything flowing through the dispatcher
// inbox. Producers assign Seq from a shared atomic counter; within a
// single stream connection the assigned order matches arrival order.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64    `json:"seq"`
	Ts  time.Time `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64   { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }

// PriceUpdateEvent carries a price tick for one outcome token.
type PriceUpdateEvent struct {
	BaseEvent
	MarketID string          `json:"market_id"`
	TokenID  string          `json:"token_id"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	BestBid  decimal.Decimal `json:"best_bid"`
	BestAsk  decimal.Decimal `json:"best_ask"`
}

func (e PriceUpdateEvent) GetType() Type { return EvPriceUpdate }

// Update converts the event to its domain form.
func (e *PriceUpdateEvent) Update() domain.PriceUpdate {
	return domain.PriceUpdate{
		MarketID:  e.MarketID,
		TokenID:   e.TokenID,
		Price:     e.Price,
		Size:      e.Size,
		BestBid:   e.BestBid,
		BestAsk:   e.BestAsk,
		Timestamp: e.Ts,
	}
}

// OrderBookEvent carries an order book snapshot for one token.
type OrderBookEvent struct {
	BaseEvent
	MarketID string             `json:"market_id"`
	TokenID  string             `json:"token_id"`
	Bids     []domain.BookLevel `json:"bids"`
	Asks     []domain.BookLevel `json:"asks"`
}

func (e OrderBookEvent) GetType() Type { return EvOrderBook }

// Book converts the event to its domain form.
func (e *OrderBookEvent) Book() domain.OrderBook {
	return domain.OrderBook{
		MarketID:  e.MarketID,
		TokenID:   e.TokenID,
		Bids:      e.Bids,
		Asks:      e.Asks,
		Timestamp: e.Ts,
	}
}

// FillEvent reports a fill against one of our orders.
//
// Two producers emit it: the user stream channel (live fills, Applied
// false, correlated by OrderID when consumed) and the paper ledger
// (Applied true, Trade already final and state already mutated).
type FillEvent struct {
	BaseEvent
	OrderID string          `json:"order_id"`
	TokenID string          `json:"token_id"`
	Side    domain.Side     `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Fee     decimal.Decimal `json:"fee"`

	// Applied marks paper fills whose ledger mutation already happened
	// at submit time; consuming them must not re-apply state.
	Applied bool         `json:"applied"`
	Trade   domain.Trade `json:"trade"`
}

func (e FillEvent) GetType() Type { return EvFill }
