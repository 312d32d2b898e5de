package polymarket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"poly_go/internal/domain"
	"poly_go/internal/infra"
)

func testClient(srv *httptest.Server) *Client {
	cfg := &infra.Config{}
	cfg.API.GammaURL = srv.URL
	cfg.API.ClobURL = srv.URL
	cfg.Gateway.TimeoutSec = 2
	cfg.Gateway.MaxAttempts = 3
	cfg.ReconnectBackoff.BaseMS = 1
	cfg.ReconnectBackoff.MaxMS = 5

	limiter := infra.NewRateLimiter(1000, 1000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(cfg, limiter, logger)
}

const marketJSON = `{
	"id": "501234",
	"conditionId": "0xabc",
	"question": "Will it rain tomorrow?",
	"slug": "will-it-rain-tomorrow",
	"clobTokenIds": "[\"tok-yes\", \"tok-no\"]",
	"outcomePrices": "[\"0.62\", \"0.38\"]",
	"volume": "120000.5",
	"liquidity": "4500",
	"active": true,
	"closed": false
}`

func TestGetMarketDecodesStringEncodedFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/501234" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(marketJSON))
	}))
	defer srv.Close()

	m, err := testClient(srv).GetMarket(context.Background(), "501234")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.TokenIDYes != "tok-yes" || m.TokenIDNo != "tok-no" {
		t.Errorf("token ids = %q/%q", m.TokenIDYes, m.TokenIDNo)
	}
	if m.PriceYes.String() != "0.62" || m.PriceNo.String() != "0.38" {
		t.Errorf("prices = %s/%s", m.PriceYes, m.PriceNo)
	}
	if !m.Active || m.Closed {
		t.Errorf("active=%v closed=%v", m.Active, m.Closed)
	}
}

func TestGetMarketBadSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// clobTokenIds holds one token where two are required.
		w.Write([]byte(`{"id":"1","question":"q","clobTokenIds":"[\"only-one\"]","outcomePrices":"[\"0.5\",\"0.5\"]"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).GetMarket(context.Background(), "1")
	if !errors.Is(err, domain.ErrBadSchema) {
		t.Fatalf("want ErrBadSchema, got %v", err)
	}

	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != domain.GatewayClient {
		t.Errorf("want GatewayClient wrapper, got %v", err)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"no such market"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv).GetMarket(context.Background(), "missing")

	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != domain.GatewayClient {
		t.Fatalf("want GatewayClient, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("client error retried: %d calls", got)
	}
}

func TestServerErrorRetriedToExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv).GetMarket(context.Background(), "1")

	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != domain.GatewayServer {
		t.Fatalf("want GatewayServer, got %v", err)
	}
	if gerr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", gerr.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("want 3 attempts, got %d", got)
	}
}

func TestServerErrorThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "hiccup", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(marketJSON))
	}))
	defer srv.Close()

	m, err := testClient(srv).GetMarket(context.Background(), "501234")
	if err != nil {
		t.Fatalf("GetMarket after retry: %v", err)
	}
	if m.Question != "Will it rain tomorrow?" {
		t.Errorf("question = %q", m.Question)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("want 2 attempts, got %d", got)
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(marketJSON))
	}))
	defer srv.Close()

	start := time.Now()
	_, err := testClient(srv).GetMarket(context.Background(), "501234")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Retry-After ignored: retried after %v", elapsed)
	}
}

func TestCancelledContextAbortsRetryLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testClient(srv).GetMarket(ctx, "1")

	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != domain.GatewayCancelled {
		t.Fatalf("want GatewayCancelled, got %v", err)
	}
}

func TestSubmitOrderVenueRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errorMsg":"insufficient collateral"}`))
	}))
	defer srv.Close()

	order := domain.Order{
		ID:      "cl-1",
		TokenID: "tok-yes",
		Side:    domain.SideBuy,
		Type:    domain.OrderTypeLimit,
	}
	_, err := testClient(srv).SubmitOrder(context.Background(), order)

	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("want RejectionError, got %v", err)
	}
	if rej.Msg != "insufficient collateral" {
		t.Errorf("reason = %q", rej.Msg)
	}
}

func TestSubmitOrderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"orderID":"venue-77"}`))
	}))
	defer srv.Close()

	order := domain.Order{
		ID:      "cl-2",
		TokenID: "tok-yes",
		Side:    domain.SideBuy,
		Type:    domain.OrderTypeLimit,
	}
	id, err := testClient(srv).SubmitOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if id != "venue-77" {
		t.Errorf("venue id = %q", id)
	}
}

func TestGetOrderBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token_id"); got != "tok-yes" {
			t.Errorf("token_id = %q", got)
		}
		w.Write([]byte(`{
			"market": "0xabc",
			"asset_id": "tok-yes",
			"bids": [{"price":"0.61","size":"100"},{"price":"0.60","size":"250"}],
			"asks": [{"price":"0.63","size":"80"}]
		}`))
	}))
	defer srv.Close()

	book, err := testClient(srv).GetOrderBook(context.Background(), "tok-yes")
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("levels = %d/%d", len(book.Bids), len(book.Asks))
	}
	if bid := book.BestBid(); bid.Price.String() != "0.61" {
		t.Errorf("best bid price = %s", bid.Price)
	}
}

func TestGetMidpointAndSpread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/midpoint":
			w.Write([]byte(`{"mid":"0.625"}`))
		case "/spread":
			w.Write([]byte(`{"spread":"0.02"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(srv)
	mid, err := c.GetMidpoint(context.Background(), "tok-yes")
	if err != nil {
		t.Fatalf("GetMidpoint: %v", err)
	}
	if mid.String() != "0.625" {
		t.Errorf("mid = %s", mid)
	}

	spread, err := c.GetSpread(context.Background(), "tok-yes")
	if err != nil {
		t.Fatalf("GetSpread: %v", err)
	}
	if spread.String() != "0.02" {
		t.Errorf("spread = %s", spread)
	}
}
