package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position tracks net exposure for a single outcome token.
// One mutable record per token, owned exclusively by the execution
// engine and recomputed on every trade.
type Position struct {
	MarketID string
	TokenID  string

	Size          decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// IsFlat reports whether the position holds no exposure.
func (p *Position) IsFlat() bool {
	return p.Size.IsZero()
}

// CostBasis returns the entry cost of the current exposure.
func (p *Position) CostBasis() decimal.Decimal {
	return p.Size.Abs().Mul(p.AvgEntryPrice)
}

// UnrealizedPnL values the open exposure against the given mark price.
func (p *Position) UnrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	if p.IsFlat() {
		return decimal.Zero
	}
	return markPrice.Sub(p.AvgEntryPrice).Mul(p.Size)
}

// Apply folds a trade into the position. Buys extend the position at a
// volume-weighted average entry; sells reduce it and realize PnL
// against the average entry price.
func (p *Position) Apply(t Trade) {
	now := t.ExecutedAt
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}

	if t.Side == SideBuy {
		total := p.Size.Mul(p.AvgEntryPrice).Add(t.Size.Mul(t.Price))
		p.Size = p.Size.Add(t.Size)
		if p.Size.IsPositive() {
			p.AvgEntryPrice = total.Div(p.Size)
		}
	} else {
		if p.Size.IsPositive() {
			pnl := t.Price.Sub(p.AvgEntryPrice).Mul(t.Size)
			p.RealizedPnL = p.RealizedPnL.Add(pnl)
		}
		p.Size = p.Size.Sub(t.Size)
		if p.Size.IsZero() {
			p.AvgEntryPrice = decimal.Zero
		}
	}

	p.UpdatedAt = now
}

// PositionBook manages the per-token position records.
type PositionBook struct {
	positions map[string]*Position
}

// NewPositionBook creates an empty position book.
func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]*Position)}
}

// Get returns the position for a token, creating it if missing.
func (pb *PositionBook) Get(marketID, tokenID string) *Position {
	p, ok := pb.positions[tokenID]
	if !ok {
		p = &Position{MarketID: marketID, TokenID: tokenID}
		pb.positions[tokenID] = p
	}
	return p
}

// Lookup returns the position for a token without creating one.
func (pb *PositionBook) Lookup(tokenID string) (*Position, bool) {
	p, ok := pb.positions[tokenID]
	return p, ok
}

// Snapshot returns a copy of all non-flat positions for external reads.
func (pb *PositionBook) Snapshot() []Position {
	result := make([]Position, 0, len(pb.positions))
	for _, p := range pb.positions {
		if !p.IsFlat() {
			result = append(result, *p)
		}
	}
	return result
}

// TotalRealizedPnL sums realized PnL across every token, including
// tokens whose position has since gone flat.
func (pb *PositionBook) TotalRealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range pb.positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}
