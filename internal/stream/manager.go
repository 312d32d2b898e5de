package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"poly_go/internal/event"
	"poly_go/internal/infra"
	"poly_go/internal/infra/polymarket"
)

// Manager owns the venue websocket channels and merges everything they
// produce into a single inbox. The market channel carries price and
// book updates for subscribed tokens; the user channel, when
// credentials exist, carries fills against our orders. Sequence
// numbers come from one shared counter so the dispatcher sees a
// totally ordered feed.
type Manager struct {
	inbox  chan<- event.Event
	seq    *uint64
	signer *polymarket.Signer
	logger *slog.Logger

	market *channelWorker
	user   *channelWorker

	tokenMu sync.Mutex
	tokens  []string
	markets []string

	errOnce sync.Once
	errs    chan error

	started bool
}

// NewManager wires the stream channels. The user channel is only
// created when the signer has credentials; paper runs stream market
// data alone.
func NewManager(cfg *infra.Config, inbox chan<- event.Event, seq *uint64, signer *polymarket.Signer, status StatusFunc, logger *slog.Logger) *Manager {
	m := &Manager{
		inbox:  inbox,
		seq:    seq,
		signer: signer,
		logger: logger.With(slog.String("module", "stream")),
		errs:   make(chan error, 2),
	}

	backoff := infra.BackoffConfig{
		Base:   time.Duration(cfg.ReconnectBackoff.BaseMS) * time.Millisecond,
		Max:    time.Duration(cfg.ReconnectBackoff.MaxMS) * time.Millisecond,
		Jitter: cfg.ReconnectBackoff.Jitter,
	}
	ping := time.Duration(cfg.Stream.PingIntervalSec) * time.Second
	readTimeout := time.Duration(cfg.Stream.ReadTimeoutSec) * time.Second

	m.market = &channelWorker{
		name:         "market",
		url:          cfg.API.MarketWSURL,
		subscribeMsg: m.marketSubscribeMsg,
		handle:       m.dispatch,
		pingInterval: ping,
		readTimeout:  readTimeout,
		backoff:      backoff,
		giveUpAfter:  cfg.ReconnectBackoff.GiveUpAfter,
		status:       status,
		onExhaust:    m.reportExhausted,
		logger:       m.logger,
	}

	if signer != nil && signer.HasCredentials() {
		m.user = &channelWorker{
			name:         "user",
			url:          cfg.API.UserWSURL,
			subscribeMsg: m.userSubscribeMsg,
			handle:       m.dispatch,
			pingInterval: ping,
			readTimeout:  readTimeout,
			backoff:      backoff,
			giveUpAfter:  cfg.ReconnectBackoff.GiveUpAfter,
			status:       status,
			onExhaust:    m.reportExhausted,
			logger:       m.logger,
		}
	}

	return m
}

// SubscribeMarket registers outcome tokens (and their parent condition
// ids, for the user channel) before Start. Tokens added after Start
// take effect on the next reconnect.
func (m *Manager) SubscribeMarket(conditionID string, tokenIDs ...string) {
	m.tokenMu.Lock()
	defer m.tokenMu.Unlock()
	if conditionID != "" {
		m.markets = append(m.markets, conditionID)
	}
	m.tokens = append(m.tokens, tokenIDs...)
}

// Start connects all channels. Requires at least one subscribed token.
func (m *Manager) Start(ctx context.Context) error {
	m.tokenMu.Lock()
	n := len(m.tokens)
	m.tokenMu.Unlock()
	if n == 0 {
		return fmt.Errorf("stream: no tokens subscribed")
	}

	m.market.Start(ctx)
	if m.user != nil {
		m.user.Start(ctx)
	}
	m.started = true
	m.logger.Info("stream started", slog.Int("tokens", n), slog.Bool("user_channel", m.user != nil))
	return nil
}

// Stop disconnects every channel and waits for worker shutdown.
func (m *Manager) Stop() {
	if !m.started {
		return
	}
	m.market.Stop()
	if m.user != nil {
		m.user.Stop()
	}
	m.logger.Info("stream stopped")
}

// Errs delivers at most one fatal stream error (reconnect exhaustion).
func (m *Manager) Errs() <-chan error {
	return m.errs
}

func (m *Manager) reportExhausted(err error) {
	m.errOnce.Do(func() {
		m.errs <- err
	})
}

// dispatch decodes a raw frame and forwards its events. A full inbox
// drops the event; stale ticks are worth less than a blocked reader.
func (m *Manager) dispatch(raw []byte) {
	for _, ev := range decodeFrame(raw, m.seq) {
		select {
		case m.inbox <- ev:
		default:
			if pe, ok := ev.(*event.PriceUpdateEvent); ok {
				event.ReleasePriceUpdateEvent(pe)
			}
			m.logger.Warn("inbox full, dropping event", slog.Uint64("seq", ev.GetSeq()))
		}
	}
}

func (m *Manager) marketSubscribeMsg() ([]byte, error) {
	m.tokenMu.Lock()
	tokens := append([]string(nil), m.tokens...)
	m.tokenMu.Unlock()

	return json.Marshal(map[string]any{
		"type":       "market",
		"assets_ids": tokens,
	})
}

func (m *Manager) userSubscribeMsg() ([]byte, error) {
	m.tokenMu.Lock()
	markets := append([]string(nil), m.markets...)
	m.tokenMu.Unlock()

	return json.Marshal(map[string]any{
		"type":    "user",
		"auth":    m.signer.WSAuth(),
		"markets": markets,
	})
}
