package strategy

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
	"poly_go/internal/infra"
)

func init() {
	Register("threshold", func(cfg *infra.Config) (Strategy, error) {
		return NewThreshold(cfg.Strategy.DefaultSize, decimal.NewFromFloat(0.35), decimal.NewFromFloat(0.65))
	})
}

// Threshold is a mean-reversion strategy for binary markets: buy the
// YES token when it trades cheap, exit when it trades rich. Stateful
// per token; no locks needed since callbacks are single-threaded.
type Threshold struct {
	size  decimal.Decimal
	entry decimal.Decimal
	exit  decimal.Decimal

	trader  *Trader
	holding map[string]bool // token id -> position open
	pending map[string]bool // token id -> order in flight this tick
}

// NewThreshold builds the strategy. entry must sit below exit.
func NewThreshold(size, entry, exit decimal.Decimal) (*Threshold, error) {
	if entry.GreaterThanOrEqual(exit) {
		return nil, fmt.Errorf("entry %s must be below exit %s", entry, exit)
	}
	return &Threshold{
		size:    size,
		entry:   entry,
		exit:    exit,
		holding: make(map[string]bool),
		pending: make(map[string]bool),
	}, nil
}

func (s *Threshold) Name() string { return "threshold" }

func (s *Threshold) OnStart(t *Trader) error {
	s.trader = t
	slog.Info("threshold strategy started",
		slog.String("entry", s.entry.String()),
		slog.String("exit", s.exit.String()),
		slog.Int("markets", len(t.Markets())))
	return nil
}

func (s *Threshold) OnStop() {
	if s.trader != nil {
		if n := s.trader.CancelAll(); n > 0 {
			slog.Info("threshold strategy cancelled open orders", slog.Int("count", n))
		}
	}
	slog.Info("threshold strategy stopped")
}

func (s *Threshold) OnPriceUpdate(u domain.PriceUpdate) {
	if s.pending[u.TokenID] {
		return
	}

	switch {
	case !s.holding[u.TokenID] && u.Price.LessThanOrEqual(s.entry):
		if _, err := s.trader.Buy(u.TokenID, s.size, u.Price); err != nil {
			slog.Warn("entry order failed", slog.String("token", u.TokenID), slog.Any("error", err))
			return
		}
		s.pending[u.TokenID] = true

	case s.holding[u.TokenID] && u.Price.GreaterThanOrEqual(s.exit):
		pos, ok := s.trader.Position(u.TokenID)
		if !ok || pos.IsFlat() {
			return
		}
		if _, err := s.trader.Sell(u.TokenID, pos.Size, u.Price); err != nil {
			slog.Warn("exit order failed", slog.String("token", u.TokenID), slog.Any("error", err))
			return
		}
		s.pending[u.TokenID] = true
	}
}

func (s *Threshold) OnOrderBookUpdate(b domain.OrderBook) {}

func (s *Threshold) OnFill(tr domain.Trade) {
	s.pending[tr.TokenID] = false
	s.holding[tr.TokenID] = tr.Side == domain.SideBuy

	slog.Info("threshold fill",
		slog.String("token", tr.TokenID),
		slog.String("side", string(tr.Side)),
		slog.String("price", tr.Price.String()),
		slog.String("size", tr.Size.String()))
}
