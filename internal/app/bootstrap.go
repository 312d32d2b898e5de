package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"poly_go/internal/domain"
	"poly_go/internal/engine"
	"poly_go/internal/execution"
	"poly_go/internal/infra"
	"poly_go/internal/infra/polymarket"
	"poly_go/internal/service"
	"poly_go/internal/storage"
	"poly_go/internal/strategy"
	"poly_go/internal/stream"
)

// Bootstrap wires every component and runs the trading loop until the
// context is cancelled or the stream gives up reconnecting.
type Bootstrap struct {
	Config *infra.Config
	Store  *storage.Store
	Client *polymarket.Client
	Board  *service.MarketBoard

	logger *slog.Logger
	seq    uint64
}

// NewBootstrap creates an empty bootstrap.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config and brings up logging, storage, and the
// venue client.
func (b *Bootstrap) Initialize(configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	b.logger = logger
	slog.Info("🚀 Bootstrapping poly-go",
		slog.String("mode", cfg.Mode),
		slog.String("strategy", cfg.Strategy.Name))

	store, err := storage.NewStore(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	b.Store = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))

	// One rate limiter shared by everything that talks to the venue.
	limiter := infra.NewRateLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	b.Client = polymarket.NewClient(cfg, limiter, logger)
	b.Board = service.NewMarketBoard()

	return nil
}

// tickSink fans price ticks out to storage and the market board.
type tickSink struct {
	store *storage.Store
	board *service.MarketBoard
}

func (s *tickSink) SavePriceTick(u domain.PriceUpdate) {
	s.store.SavePriceTick(u)
	s.board.UpdateQuote(u)
}

// Run resolves the configured markets, starts the stream and the
// dispatcher, and blocks until shutdown.
func (b *Bootstrap) Run(ctx context.Context) error {
	cfg := b.Config

	strat, err := strategy.New(cfg.Strategy.Name, cfg)
	if err != nil {
		return err
	}

	dispatcher, exec, trader, err := b.buildCore(ctx, strat)
	if err != nil {
		return err
	}

	markets, err := b.resolveMarkets(ctx)
	if err != nil {
		return err
	}

	signer := polymarket.NewSigner(cfg.API.Key, cfg.API.Secret, cfg.API.Passphrase)
	streamMgr := stream.NewManager(cfg, dispatcher.Inbox(), &b.seq, signer, b.streamStatus, b.logger)
	for _, m := range markets {
		b.Board.Put(m)
		trader.Watch(m)
		streamMgr.SubscribeMarket(m.ConditionID, m.TokenIDYes, m.TokenIDNo)
		slog.Info("watching market",
			slog.String("id", m.ID),
			slog.String("question", m.Question),
			slog.String("yes_price", m.PriceYes.String()))
	}

	if cfg.Mode == infra.ModeLive {
		if err := exec.RefreshBalance(ctx); err != nil {
			return fmt.Errorf("fetch live balance: %w", err)
		}
		slog.Info("live balance fetched", slog.String("balance", exec.Balance().String()))
	}

	poller := service.NewStatusPoller(b.Client, b.Board, time.Minute, func(m domain.Market) {
		slog.Warn("⚠️ watched market closed", slog.String("market", m.ID))
	}, b.logger)
	poller.Start(ctx)
	defer poller.Stop()

	if err := streamMgr.Start(ctx); err != nil {
		return err
	}
	defer streamMgr.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- dispatcher.Run(runCtx) }()

	heartbeat := b.startHeartbeat(runCtx, exec)
	defer heartbeat.Stop()

	slog.Info("✨ Trading runtime operational", slog.Int("markets", len(markets)))

	select {
	case <-ctx.Done():
		slog.Info("👋 Shutting down gracefully...")
		cancel()
		err = <-loopDone
	case streamErr := <-streamMgr.Errs():
		slog.Error("stream exhausted, halting", slog.Any("error", streamErr))
		cancel()
		<-loopDone
		err = streamErr
	case err = <-loopDone:
		// OnStart failed or the loop exited on its own.
	}

	b.exportAndClose()
	return err
}

func (b *Bootstrap) buildCore(ctx context.Context, strat strategy.Strategy) (*engine.Dispatcher, *execution.Engine, *strategy.Trader, error) {
	cfg := b.Config

	var venue execution.Venue
	if cfg.Mode == infra.ModeLive {
		venue = b.Client
	}

	ticks := &tickSink{store: b.Store, board: b.Board}

	// The dispatcher owns the inbox; the engine learns it afterwards so
	// paper fills can feed back into the loop.
	exec := execution.NewEngine(cfg, venue, b.Store, nil, &b.seq, b.logger)
	trader := strategy.NewTrader(ctx, exec, cfg, b.logger)
	dispatcher := engine.NewDispatcher(cfg.Stream.InboxSize, exec, strat, trader, ticks, true, b.logger)
	exec.SetInbox(dispatcher.Inbox())

	return dispatcher, exec, trader, nil
}

// resolveMarkets looks up each configured market reference, accepting
// numeric gamma ids or URL slugs.
func (b *Bootstrap) resolveMarkets(ctx context.Context) ([]domain.Market, error) {
	refs := b.Config.Strategy.Markets
	if len(refs) == 0 {
		return nil, fmt.Errorf("no markets configured")
	}

	markets := make([]domain.Market, 0, len(refs))
	for _, ref := range refs {
		var (
			m   domain.Market
			err error
		)
		if strings.ContainsAny(ref, "-abcdefghijklmnopqrstuvwxyz") {
			m, err = b.Client.GetMarketBySlug(ctx, ref)
		} else {
			m, err = b.Client.GetMarket(ctx, ref)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve market %q: %w", ref, err)
		}
		if m.Closed {
			slog.Warn("configured market already closed, skipping", slog.String("market", ref))
			continue
		}
		markets = append(markets, m)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("all configured markets are closed")
	}
	return markets, nil
}

func (b *Bootstrap) streamStatus(channel string, state stream.State) {
	slog.Info("stream status",
		slog.String("channel", channel),
		slog.String("state", state.String()))
}

// startHeartbeat logs account health periodically.
func (b *Bootstrap) startHeartbeat(ctx context.Context, exec *execution.Engine) *time.Ticker {
	interval := time.Duration(b.Config.Strategy.HeartbeatSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := infra.GlobalMetrics.Snapshot()
				slog.Info("💓 heartbeat",
					slog.String("balance", exec.Balance().String()),
					slog.String("equity", exec.Equity().String()),
					slog.String("realized_pnl", exec.RealizedPnL().String()),
					slog.Int("open_orders", len(exec.OpenOrders())),
					slog.Int("positions", len(exec.Positions())),
					slog.Uint64("events", m.EventsProcessed),
					slog.Uint64("callback_errors", m.CallbackErrors))
			}
		}
	}()
	return ticker
}

// exportAndClose writes the session's trades to CSV and closes storage.
func (b *Bootstrap) exportAndClose() {
	if dir := b.Config.Storage.CSVDir; dir != "" {
		if path, err := b.Store.ExportTradesCSV(dir); err != nil {
			slog.Warn("trade export failed", slog.Any("error", err))
		} else {
			slog.Info("trades exported", slog.String("path", path))
		}
	}
	b.Store.Close()
}
