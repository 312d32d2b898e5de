package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
	"poly_go/internal/infra"
)

// Client is the gateway to the venue's REST surface: market listing
// and detail via the Gamma API, order flow and book data via the CLOB
// API. All calls go through the shared retrying transport, so callers
// only ever see a GatewayError after the retry policy is exhausted.
type Client struct {
	gammaURL string
	clobURL  string
	t        *transport
	logger   *slog.Logger
}

// NewClient creates a venue API client. The rate limiter is shared with
// any other component talking to the venue so the global budget holds.
func NewClient(cfg *infra.Config, limiter *infra.RateLimiter, logger *slog.Logger) *Client {
	signer := NewSigner(cfg.API.Key, cfg.API.Secret, cfg.API.Passphrase)
	return &Client{
		gammaURL: cfg.API.GammaURL,
		clobURL:  cfg.API.ClobURL,
		t:        newTransport(cfg, limiter, signer, logger),
		logger:   logger.With(slog.String("module", "polymarket_client")),
	}
}

// RejectionError reports a venue-level order rejection: the venue
// answered, but refused the order. Never retried.
type RejectionError struct {
	Msg string
}

func (e *RejectionError) Error() string {
	return "order rejected by venue: " + e.Msg
}

// PricePoint is one sample of a token's trade price history.
type PricePoint struct {
	Time  time.Time
	Price decimal.Decimal
}

// GetMarkets fetches markets ordered by 24h volume.
func (c *Client) GetMarkets(ctx context.Context, closed bool, limit, offset int) ([]domain.Market, error) {
	query := url.Values{
		"closed":    {strconv.FormatBool(closed)},
		"limit":     {strconv.Itoa(limit)},
		"offset":    {strconv.Itoa(offset)},
		"order":     {"volume24hr"},
		"ascending": {"false"},
	}

	var resp marketListResponse
	if err := c.t.do(ctx, "GET", c.gammaURL+"/markets", query, nil, &resp); err != nil {
		return nil, err
	}

	markets := make([]domain.Market, 0, len(resp))
	for i := range resp {
		markets = append(markets, resp[i].toDomain())
	}
	return markets, nil
}

// GetMarket fetches a single market by id.
func (c *Client) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	var resp marketResponse
	if err := c.t.do(ctx, "GET", c.gammaURL+"/markets/"+id, nil, nil, &resp); err != nil {
		return domain.Market{}, err
	}
	return resp.toDomain(), nil
}

// GetMarketBySlug fetches a market by its URL slug.
func (c *Client) GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error) {
	var resp marketResponse
	if err := c.t.do(ctx, "GET", c.gammaURL+"/markets/slug/"+slug, nil, nil, &resp); err != nil {
		return domain.Market{}, err
	}
	return resp.toDomain(), nil
}

// GetOrderBook fetches the resting book for a token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	query := url.Values{"token_id": {tokenID}}

	var resp bookResponse
	if err := c.t.do(ctx, "GET", c.clobURL+"/book", query, nil, &resp); err != nil {
		return domain.OrderBook{}, err
	}
	return resp.toDomain(), nil
}

// GetMidpoint fetches the midpoint price for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	query := url.Values{"token_id": {tokenID}}

	var resp midpointResponse
	if err := c.t.do(ctx, "GET", c.clobURL+"/midpoint", query, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	mid, _ := decimal.NewFromString(resp.Mid)
	return mid, nil
}

// GetSpread fetches the bid-ask spread for a token.
func (c *Client) GetSpread(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	query := url.Values{"token_id": {tokenID}}

	var resp spreadResponse
	if err := c.t.do(ctx, "GET", c.clobURL+"/spread", query, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	spread, _ := decimal.NewFromString(resp.Spread)
	return spread, nil
}

// GetPriceHistory fetches sampled trade prices for a token.
func (c *Client) GetPriceHistory(ctx context.Context, tokenID, interval string, fidelity int) ([]PricePoint, error) {
	query := url.Values{
		"market":   {tokenID},
		"interval": {interval},
		"fidelity": {strconv.Itoa(fidelity)},
	}

	var resp priceHistoryResponse
	if err := c.t.do(ctx, "GET", c.clobURL+"/prices-history", query, nil, &resp); err != nil {
		return nil, err
	}

	points := make([]PricePoint, 0, len(resp.History))
	for _, pt := range resp.History {
		points = append(points, PricePoint{
			Time:  time.Unix(pt.T, 0),
			Price: decimal.NewFromFloat(pt.P),
		})
	}
	return points, nil
}

// SubmitOrder places an order and returns the venue-assigned order id.
// A venue-level rejection comes back as *RejectionError; transport and
// server failures as *domain.GatewayError.
func (c *Client) SubmitOrder(ctx context.Context, order domain.Order) (string, error) {
	req := submitOrderRequest{
		TokenID:  order.TokenID,
		Side:     string(order.Side),
		Price:    order.Price.String(),
		Size:     order.Size.String(),
		Type:     string(order.Type),
		ClientID: order.ID,
	}

	var resp submitOrderResponse
	if err := c.t.do(ctx, "POST", c.clobURL+"/order", nil, req, &resp); err != nil {
		return "", err
	}

	if !resp.Success {
		return "", &RejectionError{Msg: resp.ErrorMsg}
	}

	c.logger.Info("order placed",
		slog.String("client_id", order.ID),
		slog.String("venue_id", resp.OrderID),
		slog.String("token", order.TokenID))
	return resp.OrderID, nil
}

// CancelOrder cancels an open order by its venue id.
func (c *Client) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	var resp cancelOrderResponse
	err := c.t.do(ctx, "DELETE", c.clobURL+"/order/"+venueOrderID, nil, nil, &resp)
	if err != nil {
		return false, err
	}
	if !resp.Canceled && resp.ErrorMsg != "" {
		return false, fmt.Errorf("cancel refused: %s", resp.ErrorMsg)
	}
	return resp.Canceled, nil
}

// GetBalance fetches the collateral balance for the account.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp balanceResponse
	if err := c.t.do(ctx, "GET", c.clobURL+"/balance", nil, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	bal, _ := decimal.NewFromString(resp.Balance)
	return bal, nil
}
