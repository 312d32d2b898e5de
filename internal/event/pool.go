package event

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Price updates are by far the highest-frequency event; pool them to
// reduce GC pressure on the hotpath. The dispatcher releases each
// event after the strategy callback returns.
var priceUpdatePool = sync.Pool{
	New: func() interface{} {
		return &PriceUpdateEvent{}
	},
}

// AcquirePriceUpdateEvent gets a PriceUpdateEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquirePriceUpdateEvent() *PriceUpdateEvent {
	return priceUpdatePool.Get().(*PriceUpdateEvent)
}

// ReleasePriceUpdateEvent returns a PriceUpdateEvent to the pool.
func ReleasePriceUpdateEvent(ev *PriceUpdateEvent) {
	if ev == nil {
		return
	}
	ev.Seq = 0
	ev.Ts = time.Time{}
	ev.MarketID = ""
	ev.TokenID = ""
	ev.Price = decimal.Zero
	ev.Size = decimal.Zero
	ev.BestBid = decimal.Zero
	ev.BestAsk = decimal.Zero

	priceUpdatePool.Put(ev)
}

// Warmup pre-allocates price events to reduce allocation at startup.
func Warmup() {
	const batchSize = 1000

	evs := make([]*PriceUpdateEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquirePriceUpdateEvent())
	}
	for _, ev := range evs {
		ReleasePriceUpdateEvent(ev)
	}
}
