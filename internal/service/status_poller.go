package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"poly_go/internal/domain"
)

// MarketSource fetches market detail. Satisfied by polymarket.Client.
type MarketSource interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
}

// StatusPoller periodically refreshes watched markets' status flags.
// Prices travel over the stream; resolution and closure only show up
// on the REST surface, so the board is polled for them.
type StatusPoller struct {
	source   MarketSource
	board    *MarketBoard
	interval time.Duration
	onClosed func(m domain.Market)
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusPoller creates a poller. onClosed fires once per market on
// the open→closed transition; it may be nil.
func NewStatusPoller(source MarketSource, board *MarketBoard, interval time.Duration, onClosed func(m domain.Market), logger *slog.Logger) *StatusPoller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &StatusPoller{
		source:   source,
		board:    board,
		interval: interval,
		onClosed: onClosed,
		logger:   logger.With(slog.String("module", "status_poller")),
	}
}

// Start launches the polling loop. Fetches once immediately so the
// first interval is not blind.
func (p *StatusPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.refresh(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.refresh(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (p *StatusPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *StatusPoller) refresh(ctx context.Context) {
	for _, prev := range p.board.Markets() {
		fresh, err := p.source.GetMarket(ctx, prev.ID)
		if err != nil {
			p.logger.Warn("market status refresh failed",
				slog.String("market", prev.ID), slog.Any("error", err))
			continue
		}

		p.board.Put(fresh)
		if fresh.Closed && !prev.Closed {
			p.logger.Info("market closed",
				slog.String("market", fresh.ID),
				slog.String("question", fresh.Question))
			if p.onClosed != nil {
				p.onClosed(fresh)
			}
		}
	}
}
