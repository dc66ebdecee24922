// Package relay forwards signaling envelopes between room participants.
package relay

import (
	"fmt"
	"log/slog"

	"github.com/talkio/signaling-relay/internal/metrics"
	"github.com/talkio/signaling-relay/internal/presence"
	"github.com/talkio/signaling-relay/internal/signal"
)

// Relay delivers envelopes to their addressed targets within a room.
//
// Delivery is per-target best effort: an unknown target or a failed push is
// counted and skipped, never surfaced to the sender as an error and never
// allowed to block delivery to the remaining targets. Ordering between a
// single sender/target pair is preserved because each envelope is pushed on
// the target's handle in the order it arrives here.
type Relay struct {
	registry *presence.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(registry *presence.Registry, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Relay{
		registry: registry,
		metrics:  m,
		logger:   logger,
	}
}

// Send validates that the sender is present in the room and pushes a copy of
// the envelope to every addressed target. Sender identity is enforced
// upstream by the WebSocket server; the relay trusts env.From. It returns an
// error only for sender-side problems; target-side failures are logged and
// counted.
func (r *Relay) Send(env signal.Envelope) error {
	if env.From == "" {
		return fmt.Errorf("relay: envelope has no sender")
	}
	if _, ok := r.registry.Resolve(env.RoomID, env.From); !ok {
		r.metrics.Inc(metrics.EventEnvelopeDroppedSender)
		return fmt.Errorf("relay: sender %q is not joined to room %q", env.From, env.RoomID)
	}
	if len(env.To) == 0 {
		return fmt.Errorf("relay: envelope has no targets")
	}

	for _, target := range env.To {
		if target == env.From {
			continue
		}
		handle, ok := r.registry.Resolve(env.RoomID, target)
		if !ok {
			r.metrics.Inc(metrics.EventEnvelopeDroppedTarget)
			r.logger.Debug("dropping envelope for absent target",
				"room", env.RoomID, "from", env.From, "to", target, "type", env.Type)
			continue
		}

		out := env
		out.To = signal.Targets{target}
		if err := handle.Push(out); err != nil {
			r.metrics.Inc(metrics.EventEnvelopeDroppedPush)
			r.logger.Warn("failed to push envelope to target",
				"room", env.RoomID, "from", env.From, "to", target, "type", env.Type, "err", err)
			continue
		}
		r.metrics.Inc(metrics.EventEnvelopeRelayed)
	}
	return nil
}

// Broadcast pushes the envelope to every participant in the room except the
// sender. Used for room-scoped notifications such as a peer disconnecting.
func (r *Relay) Broadcast(env signal.Envelope) {
	for _, p := range r.registry.Others(env.RoomID, env.From) {
		out := env
		out.To = signal.Targets{p.UserID}
		if err := p.Handle.Push(out); err != nil {
			r.metrics.Inc(metrics.EventEnvelopeDroppedPush)
			r.logger.Warn("failed to push broadcast envelope",
				"room", env.RoomID, "from", env.From, "to", p.UserID, "type", env.Type, "err", err)
			continue
		}
		r.metrics.Inc(metrics.EventEnvelopeRelayed)
	}
}
