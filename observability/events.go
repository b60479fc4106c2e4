package observability

import (
	"icopool/core/events"
	"icopool/native/pool"
)

// Emit implements events.Emitter, deriving counters and gauges from pool
// event payloads.
func (m *PoolMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.events.WithLabelValues(evt.EventType()).Inc()
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	attrs := payload.Event()
	switch evt.EventType() {
	case pool.EventTypeContributed:
		m.raised.Set(decimalToFloat(attrs.Attribute("totalRaised")))
	case pool.EventTypeTokensAccepted:
		m.tokens.Set(decimalToFloat(attrs.Attribute("totalToken")))
	case pool.EventTypeStakeholderReleased:
		m.released.WithLabelValues("ether", "stakeholder").Add(decimalToFloat(attrs.Attribute("amount")))
	case pool.EventTypeEtherReleased:
		m.released.WithLabelValues("ether", "investor").Add(decimalToFloat(attrs.Attribute("amount")))
	case pool.EventTypeRefunded:
		m.released.WithLabelValues("ether", "refund").Add(decimalToFloat(attrs.Attribute("amount")))
	case pool.EventTypeTokenReleased:
		m.released.WithLabelValues("token", "investor").Add(decimalToFloat(attrs.Attribute("amount")))
	}
}

var (
	_ events.Emitter = (*PoolMetrics)(nil)
	_ pool.Metrics   = (*PoolMetrics)(nil)
)
