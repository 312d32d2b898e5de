package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"poly_go/internal/domain"
	"poly_go/internal/infra"
)

// State tracks one channel's connection lifecycle. A channel is
// Streaming only after the subscribe handshake was written and at
// least one data frame arrived.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateStreaming:
		return "STREAMING"
	default:
		return "DISCONNECTED"
	}
}

// StatusFunc receives channel state transitions. Called from the
// worker goroutine; keep it fast.
type StatusFunc func(channel string, state State)

// stableConnWindow is the minimum uptime before a connection counts
// as recovered and the reconnect backoff schedule restarts.
const stableConnWindow = 30 * time.Second

// channelWorker maintains one websocket channel: dial, subscribe,
// app-level ping, read with deadline, reconnect with backoff. The
// payload decoder and subscribe message are injected so market and
// user channels share the whole lifecycle.
type channelWorker struct {
	name         string
	url          string
	subscribeMsg func() ([]byte, error)
	handle       func(raw []byte)

	pingInterval time.Duration
	readTimeout  time.Duration
	backoff      infra.BackoffConfig
	giveUpAfter  int

	status    StatusFunc
	onExhaust func(err error)
	logger    *slog.Logger

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Start launches the connection loop. Returns immediately; the worker
// reconnects on its own until Stop or exhaustion.
func (w *channelWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
}

// Stop tears the channel down and waits for the worker goroutines.
func (w *channelWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}

func (w *channelWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.setState(StateDisconnected)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			failures++
			w.setState(StateDisconnected)
			w.logger.Warn("channel connect failed",
				slog.String("channel", w.name),
				slog.Int("failures", failures),
				slog.Any("error", err))

			if w.giveUpAfter > 0 && failures >= w.giveUpAfter {
				if w.onExhaust != nil {
					w.onExhaust(fmt.Errorf("channel %s: %d consecutive failures: %w",
						w.name, failures, domain.ErrStreamExhausted))
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff.Delay(failures - 1)):
			}
			continue
		}

		started := time.Now()
		w.readLoop(ctx)
		w.setState(StateDisconnected)
		infra.GlobalMetrics.RecordStreamReconnect()

		// A connection that dies shortly after subscribing is a flap,
		// not a recovery: it keeps counting toward give-up and climbs
		// the backoff schedule. Sustained uptime restarts the schedule
		// at the base delay.
		if time.Since(started) >= stableConnWindow {
			failures = 1
		} else {
			failures++
			if w.giveUpAfter > 0 && failures >= w.giveUpAfter {
				if w.onExhaust != nil {
					w.onExhaust(fmt.Errorf("channel %s: %d consecutive failures: %w",
						w.name, failures, domain.ErrStreamExhausted))
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.backoff.Delay(failures - 1)):
		}
	}
}

func (w *channelWorker) connect(ctx context.Context) error {
	w.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.name, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	infra.GlobalMetrics.IncrementChannels()

	msg, err := w.subscribeMsg()
	if err != nil {
		w.closeConnection()
		return fmt.Errorf("subscribe payload %s: %w", w.name, err)
	}
	if err := w.threadSafeWrite(websocket.TextMessage, msg); err != nil {
		w.closeConnection()
		return fmt.Errorf("subscribe %s: %w", w.name, err)
	}

	w.setState(StateSubscribed)
	w.logger.Info("channel subscribed", slog.String("channel", w.name))
	return nil
}

// pingLoop keeps the connection alive with the venue's application
// level "PING" text frame; protocol pings are not answered.
func (w *channelWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.threadSafeWrite(websocket.TextMessage, []byte("PING")); err != nil {
				w.logger.Warn("channel ping failed",
					slog.String("channel", w.name), slog.Any("error", err))
				return
			}
		}
	}
}

func (w *channelWorker) readLoop(ctx context.Context) {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		return
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	w.wg.Add(1)
	go w.pingLoop(pingCtx, conn)

	streaming := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(w.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.closeConnection()
			return
		}
		if !streaming {
			streaming = true
			w.setState(StateStreaming)
		}
		w.handle(msg)
	}
}

func (w *channelWorker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("channel %s: no connection", w.name)
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *channelWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		infra.GlobalMetrics.DecrementChannels()
	}
}

func (w *channelWorker) setState(s State) {
	if w.status != nil {
		w.status(w.name, s)
	}
}
