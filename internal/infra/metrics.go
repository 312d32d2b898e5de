package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external
// dependencies. Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsProcessed atomic.Uint64
	callbackErrors  atomic.Uint64
	ordersSubmitted atomic.Uint64
	ordersFilled    atomic.Uint64
	gatewayRetries  atomic.Uint64
	streamReconnect atomic.Uint64
	fillsDropped    atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeChannels atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEvent records event processing with its callback latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordCallbackError records a strategy callback failure.
func (m *Metrics) RecordCallbackError() {
	m.callbackErrors.Add(1)
}

// RecordOrderSubmitted records an accepted submit.
func (m *Metrics) RecordOrderSubmitted() {
	m.ordersSubmitted.Add(1)
}

// RecordOrderFilled records a filled order.
func (m *Metrics) RecordOrderFilled() {
	m.ordersFilled.Add(1)
}

// RecordGatewayRetry records one retried gateway attempt.
func (m *Metrics) RecordGatewayRetry() {
	m.gatewayRetries.Add(1)
}

// RecordStreamReconnect records one stream reconnect attempt.
func (m *Metrics) RecordStreamReconnect() {
	m.streamReconnect.Add(1)
}

// RecordFillDropped records a fill notification with no matching order.
func (m *Metrics) RecordFillDropped() {
	m.fillsDropped.Add(1)
}

// IncrementChannels increments connected stream channels by 1.
func (m *Metrics) IncrementChannels() {
	m.activeChannels.Add(1)
}

// DecrementChannels decrements connected stream channels by 1.
func (m *Metrics) DecrementChannels() {
	m.activeChannels.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsProcessed  uint64
	CallbackErrors   uint64
	OrdersSubmitted  uint64
	OrdersFilled     uint64
	GatewayRetries   uint64
	StreamReconnects uint64
	FillsDropped     uint64
	AvgLatencyNs     int64
	ActiveChannels   int32
	Timestamp        time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsProcessed:  m.eventsProcessed.Load(),
		CallbackErrors:   m.callbackErrors.Load(),
		OrdersSubmitted:  m.ordersSubmitted.Load(),
		OrdersFilled:     m.ordersFilled.Load(),
		GatewayRetries:   m.gatewayRetries.Load(),
		StreamReconnects: m.streamReconnect.Load(),
		FillsDropped:     m.fillsDropped.Load(),
		AvgLatencyNs:     avgLatency,
		ActiveChannels:   m.activeChannels.Load(),
		Timestamp:        time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsProcessed.Store(0)
	m.callbackErrors.Store(0)
	m.ordersSubmitted.Store(0)
	m.ordersFilled.Store(0)
	m.gatewayRetries.Store(0)
	m.streamReconnect.Store(0)
	m.fillsDropped.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeChannels.Store(0)
}
