package stream

import (
	"bytes"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"poly_go/internal/domain"
	"poly_go/internal/event"
)

// The venue batches websocket payloads: a frame is either a single JSON
// object or an array of them. Each object carries an event_type that
// selects the decoder.
type wsEnvelope struct {
	EventType string `json:"event_type"`
}

// priceChangeFrame covers both wire generations of the price_change
// event. The current format carries a price_changes array; older
// connections deliver a changes array, or a single flat change with
// asset_id at the top level.
type priceChangeFrame struct {
	EventType string `json:"event_type"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`

	PriceChanges []priceChange `json:"price_changes"`
	Changes      []priceChange `json:"changes"`

	// Flat legacy fields.
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
}

type priceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type bookFrame struct {
	EventType string      `json:"event_type"`
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// tradeFrame is a user-channel fill notification for one of our orders.
type tradeFrame struct {
	EventType    string `json:"event_type"`
	TakerOrderID string `json:"taker_order_id"`
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Status       string `json:"status"`
	FeeRateBps   string `json:"fee_rate_bps"`
}

// decodeFrame fans a raw websocket frame out into events. Malformed
// objects are skipped rather than failing the whole frame; the venue
// interleaves event generations on the same connection.
func decodeFrame(raw []byte, seq *uint64) []event.Event {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "PONG" {
		return nil
	}

	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		var out []event.Event
		for _, item := range items {
			out = append(out, decodeObject(item, seq)...)
		}
		return out
	}
	return decodeObject(raw, seq)
}

func decodeObject(raw []byte, seq *uint64) []event.Event {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	switch env.EventType {
	case "price_change":
		return decodePriceChange(raw, seq)
	case "book":
		return decodeBook(raw, seq)
	case "trade":
		return decodeTrade(raw, seq)
	default:
		return nil
	}
}

func decodePriceChange(raw []byte, seq *uint64) []event.Event {
	var frame priceChangeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil
	}

	changes := frame.PriceChanges
	if len(changes) == 0 {
		changes = frame.Changes
	}
	if len(changes) == 0 && frame.AssetID != "" {
		changes = []priceChange{{AssetID: frame.AssetID, Price: frame.Price, Size: frame.Size}}
	}

	ts := parseWireTimestamp(frame.Timestamp)
	var out []event.Event
	for _, ch := range changes {
		price, err := decimal.NewFromString(ch.Price)
		if err != nil || ch.AssetID == "" {
			continue
		}

		ev := event.AcquirePriceUpdateEvent()
		ev.Seq = atomic.AddUint64(seq, 1)
		ev.Ts = ts
		ev.MarketID = frame.Market
		ev.TokenID = ch.AssetID
		ev.Price = price
		ev.Size = parseDecimal(ch.Size)
		ev.BestBid = parseDecimal(ch.BestBid)
		ev.BestAsk = parseDecimal(ch.BestAsk)
		out = append(out, ev)
	}
	return out
}

func decodeBook(raw []byte, seq *uint64) []event.Event {
	var frame bookFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.AssetID == "" {
		return nil
	}

	conv := func(levels []wireLevel) []domain.BookLevel {
		out := make([]domain.BookLevel, 0, len(levels))
		for _, lv := range levels {
			price, err := decimal.NewFromString(lv.Price)
			if err != nil {
				continue
			}
			out = append(out, domain.BookLevel{Price: price, Size: parseDecimal(lv.Size)})
		}
		return out
	}

	ev := &event.OrderBookEvent{
		BaseEvent: event.BaseEvent{
			Seq: atomic.AddUint64(seq, 1),
			Ts:  parseWireTimestamp(frame.Timestamp),
		},
		MarketID: frame.Market,
		TokenID:  frame.AssetID,
		Bids:     conv(frame.Bids),
		Asks:     conv(frame.Asks),
	}
	return []event.Event{ev}
}

func decodeTrade(raw []byte, seq *uint64) []event.Event {
	var frame tradeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil
	}
	// Only confirmed matches carry an executed price and size.
	if frame.Status != "" && frame.Status != "MATCHED" && frame.Status != "CONFIRMED" {
		return nil
	}

	orderID := frame.TakerOrderID
	if orderID == "" {
		orderID = frame.ID
	}
	price, err := decimal.NewFromString(frame.Price)
	if err != nil || orderID == "" {
		return nil
	}
	size := parseDecimal(frame.Size)

	fee := decimal.Zero
	if bps := parseDecimal(frame.FeeRateBps); !bps.IsZero() {
		fee = price.Mul(size).Mul(bps).Div(decimal.NewFromInt(10000))
	}

	ev := &event.FillEvent{
		BaseEvent: event.BaseEvent{
			Seq: atomic.AddUint64(seq, 1),
			Ts:  time.Now(),
		},
		OrderID: orderID,
		TokenID: frame.AssetID,
		Side:    domain.Side(frame.Side),
		Price:   price,
		Size:    size,
		Fee:     fee,
	}
	return []event.Event{ev}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseWireTimestamp reads the venue's millisecond-epoch string stamp,
// falling back to wall time when it is absent or unreadable.
func parseWireTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	ms, err := json.Number(s).Int64()
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
