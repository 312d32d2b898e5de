package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
	"poly_go/internal/event"
	"poly_go/internal/infra"
	"poly_go/internal/infra/polymarket"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func paperEngine(inbox chan event.Event) *Engine {
	cfg := &infra.Config{Mode: infra.ModePaper}
	cfg.Paper.InitialBalance = dec("10000")
	var seq uint64
	return NewEngine(cfg, nil, nil, inbox, &seq, testLogger)
}

func priceUpdate(tokenID, price string) domain.PriceUpdate {
	return domain.PriceUpdate{
		MarketID:  "m1",
		TokenID:   tokenID,
		Price:     dec(price),
		Timestamp: time.Now(),
	}
}

func TestPaperBuyReducesBalanceByNotional(t *testing.T) {
	inbox := make(chan event.Event, 8)
	e := paperEngine(inbox)
	e.MarkPrice(priceUpdate("tok-a", "0.25"))

	order, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("0.25"), Size: dec("10"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if order.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s", order.Status)
	}
	if got := e.Balance(); !got.Equal(dec("9997.5")) {
		t.Errorf("balance = %s, want 9997.5", got)
	}
	pos, ok := e.Position("tok-a")
	if !ok || !pos.Size.Equal(dec("10")) {
		t.Errorf("position = %+v", pos)
	}

	trades := e.Trades()
	if len(trades) != 1 || !trades[0].Price.Equal(dec("0.25")) || !trades[0].Size.Equal(dec("10")) {
		t.Errorf("trades = %+v", trades)
	}

	// The fill also flows through the inbox for strategy callbacks,
	// marked as already applied.
	select {
	case ev := <-inbox:
		fill, ok := ev.(*event.FillEvent)
		if !ok || !fill.Applied {
			t.Errorf("inbox event = %#v", ev)
		}
	default:
		t.Error("no fill event enqueued")
	}
}

func TestPaperInsufficientBalanceIsAtomic(t *testing.T) {
	e := paperEngine(nil)
	e.MarkPrice(priceUpdate("tok-a", "0.50"))

	_, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("0.50"), Size: dec("50000"),
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}

	if got := e.Balance(); !got.Equal(dec("10000")) {
		t.Errorf("balance mutated on failed submit: %s", got)
	}
	if _, ok := e.Position("tok-a"); ok {
		t.Error("position created on failed submit")
	}
	if len(e.Trades()) != 0 {
		t.Error("trade recorded on failed submit")
	}
}

func TestPaperSellRequiresPosition(t *testing.T) {
	e := paperEngine(nil)
	e.MarkPrice(priceUpdate("tok-a", "0.50"))

	_, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: dec("0.50"), Size: dec("10"),
	})
	if !errors.Is(err, domain.ErrInsufficientPosition) {
		t.Fatalf("want ErrInsufficientPosition, got %v", err)
	}
}

func TestPositionMatchesSignedTradeSum(t *testing.T) {
	e := paperEngine(nil)
	e.MarkPrice(priceUpdate("tok-a", "0.40"))

	submit := func(side domain.Side, size string) {
		t.Helper()
		_, err := e.Submit(context.Background(), OrderIntent{
			MarketID: "m1", TokenID: "tok-a",
			Side: side, Type: domain.OrderTypeLimit,
			Price: dec("0.40"), Size: dec(size),
		})
		if err != nil {
			t.Fatalf("Submit %s %s: %v", side, size, err)
		}
	}
	submit(domain.SideBuy, "30")
	submit(domain.SideBuy, "20")
	submit(domain.SideSell, "15")
	submit(domain.SideSell, "5")

	sum := decimal.Zero
	for _, tr := range e.Trades() {
		sum = sum.Add(tr.SignedSize())
	}
	pos, _ := e.Position("tok-a")
	if !pos.Size.Equal(sum) {
		t.Errorf("position %s != signed trade sum %s", pos.Size, sum)
	}
	if !pos.Size.Equal(dec("30")) {
		t.Errorf("position = %s, want 30", pos.Size)
	}
}

func TestRestingLimitFillsOnCross(t *testing.T) {
	e := paperEngine(nil)
	e.MarkPrice(priceUpdate("tok-a", "0.60"))

	order, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("0.50"), Size: dec("10"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != domain.OrderStatusOpen {
		t.Fatalf("status = %s, want OPEN", order.Status)
	}

	// Above the limit: still resting.
	e.MarkPrice(priceUpdate("tok-a", "0.55"))
	if got, _ := e.Order(order.ID); got.Status != domain.OrderStatusOpen {
		t.Fatalf("filled before cross: %s", got.Status)
	}

	// At the limit: fills fully at the limit price.
	e.MarkPrice(priceUpdate("tok-a", "0.50"))
	got, _ := e.Order(order.ID)
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("status after cross = %s", got.Status)
	}
	trades := e.Trades()
	if len(trades) != 1 || !trades[0].Price.Equal(dec("0.50")) {
		t.Errorf("trades = %+v", trades)
	}
	if got := e.Balance(); !got.Equal(dec("9995")) {
		t.Errorf("balance = %s, want 9995", got)
	}
}

func TestMarketOrderUsesSlippage(t *testing.T) {
	cfg := &infra.Config{Mode: infra.ModePaper}
	cfg.Paper.InitialBalance = dec("10000")
	cfg.Paper.Slippage = dec("0.01")
	var seq uint64
	e := NewEngine(cfg, nil, nil, nil, &seq, testLogger)
	e.MarkPrice(priceUpdate("tok-a", "0.50"))

	_, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideBuy, Type: domain.OrderTypeMarket,
		Size: dec("10"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	trades := e.Trades()
	if len(trades) != 1 || !trades[0].Price.Equal(dec("0.505")) {
		t.Errorf("fill price = %s, want 0.505", trades[0].Price)
	}
}

func TestCancelSemantics(t *testing.T) {
	e := paperEngine(nil)
	e.MarkPrice(priceUpdate("tok-a", "0.60"))

	order, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("0.50"), Size: dec("10"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !e.Cancel(context.Background(), order.ID) {
		t.Error("cancel of resting order failed")
	}
	if e.Cancel(context.Background(), order.ID) {
		t.Error("cancel of terminal order should return false")
	}
	if e.Cancel(context.Background(), "no-such-order") {
		t.Error("cancel of unknown order should return false")
	}

	// A cancelled order never fills.
	e.MarkPrice(priceUpdate("tok-a", "0.40"))
	if len(e.Trades()) != 0 {
		t.Error("cancelled order filled")
	}
}

func TestInvalidIntents(t *testing.T) {
	e := paperEngine(nil)

	_, err := e.Submit(context.Background(), OrderIntent{
		TokenID: "tok-a", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("1.5"), Size: dec("10"),
	})
	if !errors.Is(err, domain.ErrInvalidPrice) {
		t.Errorf("price 1.5: want ErrInvalidPrice, got %v", err)
	}

	_, err = e.Submit(context.Background(), OrderIntent{
		TokenID: "tok-a", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("0.5"), Size: decimal.Zero,
	})
	if !errors.Is(err, domain.ErrInvalidSize) {
		t.Errorf("zero size: want ErrInvalidSize, got %v", err)
	}
}

// fakeVenue scripts live-mode behavior per call.
type fakeVenue struct {
	submitErr  error
	submitID   string
	submits    int
	cancelOK   bool
	balance    decimal.Decimal
	balanceErr error
}

func (f *fakeVenue) SubmitOrder(ctx context.Context, order domain.Order) (string, error) {
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	return f.cancelOK, nil
}

func (f *fakeVenue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.balance, f.balanceErr
}

func liveEngine(venue Venue) *Engine {
	cfg := &infra.Config{Mode: infra.ModeLive}
	var seq uint64
	return NewEngine(cfg, venue, nil, nil, &seq, testLogger)
}

func TestLiveSubmitTransportFailureCreatesNoOrder(t *testing.T) {
	venue := &fakeVenue{submitErr: &domain.GatewayError{
		Kind: domain.GatewayServer, Op: "POST /order",
		Err: errors.New("502 after 3 attempts"),
	}}
	e := liveEngine(venue)

	order, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("0.5"), Size: dec("10"),
	})

	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != domain.GatewayServer {
		t.Fatalf("want GatewayServer, got %v", err)
	}
	if order != nil {
		t.Error("order created despite transport failure")
	}
	if len(e.OpenOrders()) != 0 || len(e.Trades()) != 0 {
		t.Error("state mutated despite transport failure")
	}
}

func TestLiveSubmitVenueRejection(t *testing.T) {
	venue := &fakeVenue{submitErr: &polymarket.RejectionError{Msg: "market closed"}}
	e := liveEngine(venue)

	order, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("0.5"), Size: dec("10"),
	})
	if err != nil {
		t.Fatalf("rejection should not be an error: %v", err)
	}
	if order.Status != domain.OrderStatusRejected || order.Reason != "market closed" {
		t.Errorf("order = %s %q", order.Status, order.Reason)
	}
	if len(e.Trades()) != 0 {
		t.Error("rejection produced trades")
	}
}

func TestLiveFillCorrelation(t *testing.T) {
	venue := &fakeVenue{submitID: "venue-9"}
	e := liveEngine(venue)

	order, err := e.Submit(context.Background(), OrderIntent{
		MarketID: "m1", TokenID: "tok-a",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: dec("0.5"), Size: dec("10"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Partial fill correlated by the venue id from the user stream.
	trade, ok := e.ApplyFill(&event.FillEvent{
		OrderID: "venue-9", TokenID: "tok-a",
		Side: domain.SideBuy, Price: dec("0.5"), Size: dec("4"),
	})
	if !ok || !trade.Size.Equal(dec("4")) {
		t.Fatalf("partial fill = %+v ok=%v", trade, ok)
	}
	if got, _ := e.Order(order.ID); got.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("after partial: %s", got.Status)
	}

	// Oversized second fill is clamped to the remaining size.
	trade, ok = e.ApplyFill(&event.FillEvent{
		OrderID: "venue-9", TokenID: "tok-a",
		Side: domain.SideBuy, Price: dec("0.5"), Size: dec("20"),
	})
	if !ok || !trade.Size.Equal(dec("6")) {
		t.Fatalf("clamped fill = %+v ok=%v", trade, ok)
	}
	got, _ := e.Order(order.ID)
	if got.Status != domain.OrderStatusFilled || !got.FilledSize.Equal(got.Size) {
		t.Errorf("after full: %s filled=%s", got.Status, got.FilledSize)
	}

	pos, _ := e.Position("tok-a")
	if !pos.Size.Equal(dec("10")) {
		t.Errorf("position = %s", pos.Size)
	}
}

func TestUnknownFillIsDropped(t *testing.T) {
	e := liveEngine(&fakeVenue{})

	_, ok := e.ApplyFill(&event.FillEvent{
		OrderID: "ghost", TokenID: "tok-a",
		Side: domain.SideBuy, Price: dec("0.5"), Size: dec("10"),
	})
	if ok {
		t.Error("unknown fill applied")
	}
	if len(e.Trades()) != 0 || len(e.OpenOrders()) != 0 {
		t.Error("unknown fill mutated state")
	}
}
