package engine

import (
	"context"
	"log/slog"
	"time"

	"poly_go/internal/domain"
	"poly_go/internal/event"
	"poly_go/internal/execution"
	"poly_go/internal/infra"
	"poly_go/internal/strategy"
)

// TickRecorder persists raw price ticks. Fire-and-forget, like the
// execution recorder.
type TickRecorder interface {
	SavePriceTick(u domain.PriceUpdate)
}

// Dispatcher is the single-threaded event loop at the top of the
// runtime. Stream workers and the engine produce into its inbox; the
// loop applies each event to engine state and then invokes exactly one
// strategy callback, synchronously, before touching the next event.
// All trading state mutation happens on this goroutine.
type Dispatcher struct {
	inbox  chan event.Event
	exec   *execution.Engine
	strat  strategy.Strategy
	trader *strategy.Trader
	ticks  TickRecorder
	logger *slog.Logger

	// drainOnStop selects graceful shutdown: already-queued events are
	// processed before OnStop. A hard stop discards them.
	drainOnStop bool
}

// NewDispatcher creates the loop. ticks may be nil to skip tick
// persistence.
func NewDispatcher(inboxSize int, exec *execution.Engine, strat strategy.Strategy, trader *strategy.Trader, ticks TickRecorder, drainOnStop bool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		inbox:       make(chan event.Event, inboxSize),
		exec:        exec,
		strat:       strat,
		trader:      trader,
		ticks:       ticks,
		logger:      logger.With(slog.String("module", "dispatcher")),
		drainOnStop: drainOnStop,
	}
}

// Inbox returns the channel producers send into.
func (d *Dispatcher) Inbox() chan<- event.Event {
	return d.inbox
}

// Run executes the event loop until ctx is cancelled. Must be called
// from exactly one goroutine. OnStart and OnStop bracket the loop;
// an OnStart failure aborts the run before any event is processed.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.strat.OnStart(d.trader); err != nil {
		return err
	}
	d.logger.Info("dispatcher started",
		slog.String("strategy", d.strat.Name()),
		slog.Int("inbox_size", cap(d.inbox)))

	defer func() {
		d.strat.OnStop()
		d.logger.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			if d.drainOnStop {
				d.drain()
			}
			return nil
		case ev := <-d.inbox:
			d.processEvent(ev)
		}
	}
}

// drain processes whatever is already buffered, without blocking for
// new events.
func (d *Dispatcher) drain() {
	n := 0
	for {
		select {
		case ev := <-d.inbox:
			d.processEvent(ev)
			n++
		default:
			if n > 0 {
				d.logger.Info("drained queued events", slog.Int("count", n))
			}
			return
		}
	}
}

// processEvent applies one event. A panicking callback is logged with
// full context and the loop moves on: one bad event never takes the
// run down.
func (d *Dispatcher) processEvent(ev event.Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			infra.GlobalMetrics.RecordCallbackError()
			d.logger.Error("strategy callback panicked",
				slog.Any("panic", r),
				slog.String("strategy", d.strat.Name()),
				slog.Any("event_type", ev.GetType()),
				slog.Uint64("seq", ev.GetSeq()),
				slog.Time("event_ts", ev.GetTs()))
		}
		infra.GlobalMetrics.RecordEvent(time.Since(start).Nanoseconds())
	}()

	switch e := ev.(type) {
	case *event.PriceUpdateEvent:
		defer event.ReleasePriceUpdateEvent(e)
		u := e.Update()
		// Engine marks first so the strategy observes any resting-limit
		// fill the tick itself triggered.
		d.exec.MarkPrice(u)
		if d.ticks != nil {
			d.ticks.SavePriceTick(u)
		}
		d.strat.OnPriceUpdate(u)

	case *event.OrderBookEvent:
		d.strat.OnOrderBookUpdate(e.Book())

	case *event.FillEvent:
		trade, ok := d.exec.ApplyFill(e)
		if ok {
			d.strat.OnFill(trade)
		}

	default:
		d.logger.Warn("unknown event type", slog.Any("type", ev.GetType()))
	}
}
