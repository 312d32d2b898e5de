package service

import (
	"sort"
	"sync"

	"poly_go/internal/domain"
)

// MarketBoard is the read model for everything outside the hot path:
// watched markets and their latest quotes, behind a RWMutex. The
// dispatcher and pollers write; CLI queries, heartbeat logs, and any
// future UI read snapshots.
type MarketBoard struct {
	mu      sync.RWMutex
	markets map[string]domain.Market      // by market id
	quotes  map[string]domain.PriceUpdate // by token id
}

// NewMarketBoard creates an empty board.
func NewMarketBoard() *MarketBoard {
	return &MarketBoard{
		markets: make(map[string]domain.Market),
		quotes:  make(map[string]domain.PriceUpdate),
	}
}

// Put stores or replaces a market record.
func (b *MarketBoard) Put(m domain.Market) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markets[m.ID] = m
}

// Market returns a market by id.
func (b *MarketBoard) Market(id string) (domain.Market, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.markets[id]
	return m, ok
}

// MarketForToken resolves the market owning an outcome token.
func (b *MarketBoard) MarketForToken(tokenID string) (domain.Market, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.markets {
		if m.HasToken(tokenID) {
			return m, true
		}
	}
	return domain.Market{}, false
}

// Markets returns all markets sorted by id for stable listings.
func (b *MarketBoard) Markets() []domain.Market {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Market, 0, len(b.markets))
	for _, m := range b.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateQuote records the latest tick for a token.
func (b *MarketBoard) UpdateQuote(u domain.PriceUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[u.TokenID] = u
}

// Quote returns the latest tick seen for a token.
func (b *MarketBoard) Quote(tokenID string) (domain.PriceUpdate, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[tokenID]
	return q, ok
}

// ActiveCount reports how many watched markets remain open.
func (b *MarketBoard) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, m := range b.markets {
		if m.Active && !m.Closed {
			n++
		}
	}
	return n
}
