package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
	"poly_go/internal/event"
	"poly_go/internal/execution"
	"poly_go/internal/infra"
	"poly_go/internal/strategy"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// recordingStrategy captures callback invocations; panicOn makes
// OnPriceUpdate panic for a specific token. Guarded because tests
// poll while the loop goroutine appends.
type recordingStrategy struct {
	mu       sync.Mutex
	startErr error
	started  bool
	stopped  bool
	prices   []domain.PriceUpdate
	books    []domain.OrderBook
	fills    []domain.Trade
	panicOn  string
}

func (s *recordingStrategy) Name() string { return "recording" }

func (s *recordingStrategy) OnStart(t *strategy.Trader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return s.startErr
}

func (s *recordingStrategy) OnStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *recordingStrategy) OnPriceUpdate(u domain.PriceUpdate) {
	if u.TokenID == s.panicOn {
		panic("bad tick")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = append(s.prices, u)
}

func (s *recordingStrategy) OnOrderBookUpdate(b domain.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = append(s.books, b)
}

func (s *recordingStrategy) OnFill(tr domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, tr)
}

func (s *recordingStrategy) priceLog() []domain.PriceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PriceUpdate(nil), s.prices...)
}

func (s *recordingStrategy) fillLog() []domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Trade(nil), s.fills...)
}

func testRig(strat strategy.Strategy, drain bool) (*Dispatcher, *execution.Engine) {
	cfg := &infra.Config{Mode: infra.ModePaper}
	cfg.Paper.InitialBalance = dec("10000")
	cfg.Strategy.DefaultSize = dec("10")

	var seq uint64
	exec := execution.NewEngine(cfg, nil, nil, nil, &seq, testLogger)
	trader := strategy.NewTrader(context.Background(), exec, cfg, testLogger)
	d := NewDispatcher(64, exec, strat, trader, nil, drain, testLogger)
	return d, exec
}

func priceEvent(seq uint64, tokenID, price string) *event.PriceUpdateEvent {
	return &event.PriceUpdateEvent{
		BaseEvent: event.BaseEvent{Seq: seq, Ts: time.Now()},
		MarketID:  "m1",
		TokenID:   tokenID,
		Price:     dec(price),
	}
}

// runLoop starts Run in a goroutine and returns a stop function that
// cancels it and waits for exit.
func runLoop(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not exit")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	strat := &recordingStrategy{}
	d, _ := testRig(strat, false)
	stop := runLoop(t, d)

	d.Inbox() <- priceEvent(1, "tok-a", "0.50")
	d.Inbox() <- priceEvent(2, "tok-a", "0.51")
	d.Inbox() <- priceEvent(3, "tok-a", "0.52")

	waitFor(t, func() bool { return len(strat.priceLog()) == 3 })
	stop()

	prices := strat.priceLog()
	for i, want := range []string{"0.5", "0.51", "0.52"} {
		if got := prices[i].Price.String(); got != want {
			t.Errorf("price[%d] = %s, want %s", i, got, want)
		}
	}
	if !strat.started || !strat.stopped {
		t.Errorf("lifecycle: started=%v stopped=%v", strat.started, strat.stopped)
	}
}

func TestDispatcherFailIsolation(t *testing.T) {
	strat := &recordingStrategy{panicOn: "tok-bad"}
	d, _ := testRig(strat, false)
	stop := runLoop(t, d)

	d.Inbox() <- priceEvent(1, "tok-a", "0.50")
	d.Inbox() <- priceEvent(2, "tok-bad", "0.10")
	d.Inbox() <- priceEvent(3, "tok-a", "0.52")

	waitFor(t, func() bool { return len(strat.priceLog()) == 2 })
	stop()

	if prices := strat.priceLog(); prices[1].Price.String() != "0.52" {
		t.Errorf("event after panic = %s", prices[1].Price)
	}
	if !strat.stopped {
		t.Error("OnStop skipped after callback panic")
	}
}

func TestDispatcherOnStartFailureAborts(t *testing.T) {
	strat := &recordingStrategy{startErr: errors.New("no data")}
	d, _ := testRig(strat, false)

	d.Inbox() <- priceEvent(1, "tok-a", "0.50")
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("Run should surface OnStart error")
	}
	if len(strat.prices) != 0 {
		t.Error("events processed despite failed OnStart")
	}
	if strat.stopped {
		t.Error("OnStop invoked despite failed OnStart")
	}
}

func TestDispatcherGracefulDrain(t *testing.T) {
	strat := &recordingStrategy{}
	d, _ := testRig(strat, true)

	// Queue before the loop even starts, then cancel immediately: a
	// graceful stop still processes what was already enqueued.
	for i := uint64(1); i <= 5; i++ {
		d.Inbox() <- priceEvent(i, "tok-a", "0.50")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(strat.prices) != 5 {
		t.Errorf("drained %d events, want 5", len(strat.prices))
	}
}

func TestDispatcherHardStopDiscards(t *testing.T) {
	strat := &recordingStrategy{}
	d, _ := testRig(strat, false)

	for i := uint64(1); i <= 5; i++ {
		d.Inbox() <- priceEvent(i, "tok-a", "0.50")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(strat.prices) != 0 {
		t.Errorf("hard stop processed %d events", len(strat.prices))
	}
	if !strat.stopped {
		t.Error("OnStop skipped on hard stop")
	}
}

func TestDispatcherRoutesFills(t *testing.T) {
	strat := &recordingStrategy{}
	d, exec := testRig(strat, false)
	stop := runLoop(t, d)

	// A marketable paper submit enqueues an applied fill; the loop must
	// hand it to OnFill without re-applying ledger state.
	d.Inbox() <- priceEvent(1, "tok-a", "0.40")
	waitFor(t, func() bool { return len(strat.priceLog()) == 1 })

	trade := domain.Trade{
		ID: "t1", OrderID: "o1", TokenID: "tok-a",
		Side: domain.SideBuy, Price: dec("0.40"), Size: dec("10"),
		Paper: true, ExecutedAt: time.Now(),
	}
	d.Inbox() <- &event.FillEvent{
		BaseEvent: event.BaseEvent{Seq: 2, Ts: time.Now()},
		OrderID:   "o1", TokenID: "tok-a",
		Side: domain.SideBuy, Price: dec("0.40"), Size: dec("10"),
		Applied: true, Trade: trade,
	}

	waitFor(t, func() bool { return len(strat.fillLog()) == 1 })
	stop()

	if fills := strat.fillLog(); fills[0].ID != "t1" {
		t.Errorf("fill trade = %+v", fills[0])
	}
	if got := exec.Balance(); !got.Equal(dec("10000")) {
		t.Errorf("applied fill re-mutated balance: %s", got)
	}
}
