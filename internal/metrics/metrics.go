package metrics

import "sync"

// Event counter names. Kept flat and string-keyed so new counters don't
// require schema changes; the Prometheus handler exposes them all under one
// metric with an `event` label.
const (
	EventEnvelopeRelayed       = "envelope_relayed"
	EventEnvelopeDroppedSender = "envelope_dropped_unknown_sender"
	EventEnvelopeDroppedTarget = "envelope_dropped_unreachable_target"
	EventEnvelopeDroppedPush   = "envelope_dropped_push_failed"
	EventCallStarted           = "call_started"
	EventCallConnected         = "call_connected"
	EventCallEnded             = "call_ended"
	EventCallGlareResolved     = "call_glare_resolved"
	EventCallRingTimeout       = "call_ring_timeout"
	EventWSRateLimited         = "ws_rate_limited"
	EventWSMessageTooLarge     = "ws_message_too_large"
	EventWSOriginRejected      = "ws_origin_rejected"
)

// Metrics is a minimal, concurrency-safe counter registry shared by the
// relay, the session router and the WebSocket server.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters for exposition.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
