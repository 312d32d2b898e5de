package polymarket

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
)

// validator is implemented by response types that carry a schema
// contract. The transport rejects responses failing validation with a
// GatewayClient error wrapping domain.ErrBadSchema, so malformed venue
// payloads never reach callers.
type validator interface {
	validate() error
}

// marketResponse is the Gamma API market shape. Token ids and outcome
// prices arrive as JSON-encoded string arrays inside the JSON document.
type marketResponse struct {
	ID            json.Number `json:"id"`
	ConditionID   string      `json:"conditionId"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	ClobTokenIDs  string      `json:"clobTokenIds"`
	OutcomePrices string      `json:"outcomePrices"`
	Volume        json.Number `json:"volume"`
	Liquidity     json.Number `json:"liquidity"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
}

func (m *marketResponse) validate() error {
	if m.ID.String() == "" {
		return fmt.Errorf("market missing id: %w", domain.ErrBadSchema)
	}
	if m.Question == "" {
		return fmt.Errorf("market %s missing question: %w", m.ID, domain.ErrBadSchema)
	}
	tokens, err := m.tokenIDs()
	if err != nil || len(tokens) < 2 {
		return fmt.Errorf("market %s malformed clobTokenIds: %w", m.ID, domain.ErrBadSchema)
	}
	return nil
}

func (m *marketResponse) tokenIDs() ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *marketResponse) prices() []decimal.Decimal {
	var raw []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &raw); err != nil {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(raw))
	for _, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil
		}
		out = append(out, d)
	}
	return out
}

// toDomain converts the API shape to the domain Market.
// Callers must validate first.
func (m *marketResponse) toDomain() domain.Market {
	tokens, _ := m.tokenIDs()
	market := domain.Market{
		ID:          m.ID.String(),
		ConditionID: m.ConditionID,
		Question:    m.Question,
		Slug:        m.Slug,
		TokenIDYes:  tokens[0],
		TokenIDNo:   tokens[1],
		Active:      m.Active,
		Closed:      m.Closed,
	}
	if prices := m.prices(); len(prices) >= 2 {
		market.PriceYes = prices[0]
		market.PriceNo = prices[1]
	}
	if v, err := decimal.NewFromString(m.Volume.String()); err == nil {
		market.Volume = v
	}
	if l, err := decimal.NewFromString(m.Liquidity.String()); err == nil {
		market.Liquidity = l
	}
	return market
}

type marketListResponse []marketResponse

func (l marketListResponse) validate() error {
	for i := range l {
		if err := l[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// bookLevel is one price level; the venue sends both fields as strings.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market  string      `json:"market"`
	AssetID string      `json:"asset_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

func (b *bookResponse) validate() error {
	if b.AssetID == "" {
		return fmt.Errorf("book missing asset_id: %w", domain.ErrBadSchema)
	}
	for _, lv := range append(append([]bookLevel{}, b.Bids...), b.Asks...) {
		if _, err := decimal.NewFromString(lv.Price); err != nil {
			return fmt.Errorf("book level price %q: %w", lv.Price, domain.ErrBadSchema)
		}
		if _, err := decimal.NewFromString(lv.Size); err != nil {
			return fmt.Errorf("book level size %q: %w", lv.Size, domain.ErrBadSchema)
		}
	}
	return nil
}

func (b *bookResponse) toDomain() domain.OrderBook {
	conv := func(levels []bookLevel) []domain.BookLevel {
		out := make([]domain.BookLevel, 0, len(levels))
		for _, lv := range levels {
			price, _ := decimal.NewFromString(lv.Price)
			size, _ := decimal.NewFromString(lv.Size)
			out = append(out, domain.BookLevel{Price: price, Size: size})
		}
		return out
	}
	return domain.OrderBook{
		MarketID: b.Market,
		TokenID:  b.AssetID,
		Bids:     conv(b.Bids),
		Asks:     conv(b.Asks),
	}
}

type midpointResponse struct {
	Mid string `json:"mid"`
}

func (m *midpointResponse) validate() error {
	if _, err := decimal.NewFromString(m.Mid); err != nil {
		return fmt.Errorf("midpoint %q: %w", m.Mid, domain.ErrBadSchema)
	}
	return nil
}

type spreadResponse struct {
	Spread string `json:"spread"`
}

func (s *spreadResponse) validate() error {
	if _, err := decimal.NewFromString(s.Spread); err != nil {
		return fmt.Errorf("spread %q: %w", s.Spread, domain.ErrBadSchema)
	}
	return nil
}

type pricePoint struct {
	T int64   `json:"t"`
	P float64 `json:"p"`
}

type priceHistoryResponse struct {
	History []pricePoint `json:"history"`
}

func (p *priceHistoryResponse) validate() error {
	for _, pt := range p.History {
		if pt.T <= 0 {
			return fmt.Errorf("history point timestamp %d: %w", pt.T, domain.ErrBadSchema)
		}
	}
	return nil
}

// submitOrderRequest is the CLOB order placement payload.
type submitOrderRequest struct {
	TokenID  string `json:"token_id"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
}

type submitOrderResponse struct {
	Success  bool   `json:"success"`
	OrderID  string `json:"orderID"`
	ErrorMsg string `json:"errorMsg"`
}

func (r *submitOrderResponse) validate() error {
	if r.Success && r.OrderID == "" {
		return fmt.Errorf("accepted order without orderID: %w", domain.ErrBadSchema)
	}
	return nil
}

type cancelOrderResponse struct {
	Canceled bool   `json:"canceled"`
	ErrorMsg string `json:"errorMsg"`
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

func (b *balanceResponse) validate() error {
	if _, err := decimal.NewFromString(b.Balance); err != nil {
		return fmt.Errorf("balance %q: %w", b.Balance, domain.ErrBadSchema)
	}
	return nil
}
