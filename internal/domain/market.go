package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market represents a binary prediction market.
// Immutable once fetched, except for the status fields which are
// refreshed by the market sync poller.
type Market struct {
	ID          string `json:"id"`
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	Slug        string `json:"slug"`

	// Token IDs for the two binary outcomes
	TokenIDYes string `json:"token_id_yes"`
	TokenIDNo  string `json:"token_id_no"`

	PriceYes  decimal.Decimal `json:"price_yes"`
	PriceNo   decimal.Decimal `json:"price_no"`
	Volume    decimal.Decimal `json:"volume"`
	Liquidity decimal.Decimal `json:"liquidity"`

	Active bool `json:"active"`
	Closed bool `json:"closed"`
}

// HasToken reports whether tokenID belongs to either outcome of this market.
func (m *Market) HasToken(tokenID string) bool {
	return m.TokenIDYes == tokenID || m.TokenIDNo == tokenID
}

// TokenPrice returns the last known price for one of the market's tokens.
func (m *Market) TokenPrice(tokenID string) decimal.Decimal {
	if tokenID == m.TokenIDNo {
		return m.PriceNo
	}
	return m.PriceYes
}

// PriceUpdate is a real-time price tick for a single outcome token.
// Ephemeral: consumed by the dispatcher and discarded after the
// strategy callback returns.
type PriceUpdate struct {
	MarketID string
	TokenID  string

	Price decimal.Decimal
	Size  decimal.Decimal

	BestBid decimal.Decimal
	BestAsk decimal.Decimal

	Timestamp time.Time
}

// Spread returns the bid-ask spread, or zero if either side is missing.
func (u *PriceUpdate) Spread() decimal.Decimal {
	if u.BestBid.IsZero() || u.BestAsk.IsZero() {
		return decimal.Zero
	}
	return u.BestAsk.Sub(u.BestBid)
}

// MidPrice returns the midpoint of best bid and ask, falling back to
// the last trade price when the book is one-sided.
func (u *PriceUpdate) MidPrice() decimal.Decimal {
	if u.BestBid.IsZero() || u.BestAsk.IsZero() {
		return u.Price
	}
	return u.BestBid.Add(u.BestAsk).Div(decimal.NewFromInt(2))
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a snapshot of the resting liquidity for one token.
type OrderBook struct {
	MarketID  string
	TokenID   string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// BestBid returns the highest bid level, or a zero level if the side is empty.
func (b *OrderBook) BestBid() BookLevel {
	if len(b.Bids) == 0 {
		return BookLevel{}
	}
	return b.Bids[0]
}

// BestAsk returns the lowest ask level, or a zero level if the side is empty.
func (b *OrderBook) BestAsk() BookLevel {
	if len(b.Asks) == 0 {
		return BookLevel{}
	}
	return b.Asks[0]
}
