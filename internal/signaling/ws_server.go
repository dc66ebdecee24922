// Package signaling implements the WebSocket endpoint that participants use
// to join rooms and exchange call envelopes.
package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talkio/signaling-relay/internal/config"
	"github.com/talkio/signaling-relay/internal/metrics"
	"github.com/talkio/signaling-relay/internal/origin"
	"github.com/talkio/signaling-relay/internal/presence"
	"github.com/talkio/signaling-relay/internal/ratelimit"
	"github.com/talkio/signaling-relay/internal/relay"
	"github.com/talkio/signaling-relay/internal/signal"
)

const wsWriteWait = 1 * time.Second

// Server upgrades participant connections and runs one read loop per
// connection. The protocol is join-first: the initial envelope must be a
// join, everything after it is routed through the relay.
type Server struct {
	cfg      config.Config
	registry *presence.Registry
	relay    *relay.Relay
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, registry *presence.Registry, r *relay.Relay, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		relay:    r,
		metrics:  m,
		logger:   logger,
		clock:    ratelimit.RealClock{},
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			header := req.Header.Get("Origin")
			// Non-browser clients send no Origin; nothing to enforce.
			if header == "" {
				return true
			}
			if origin.Check(header, req.Host, cfg.AllowedOrigins) {
				return true
			}
			s.metrics.Inc(metrics.EventWSOriginRejected)
			s.logger.Warn("rejected websocket origin", "origin", header, "host", req.Host)
			return false
		},
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	handle := newWSHandle(conn)
	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(handle, pingDone)

	var roomID, userID string
	joined := false
	defer func() {
		if !joined {
			return
		}
		// A connection replaced by a rejoin must not tear down its
		// successor's presence.
		if !s.registry.LeaveIfCurrent(roomID, userID, handle) {
			return
		}
		// Peers with a live session toward this user must converge on
		// Ended(peer-lost); peers without one ignore the envelope.
		s.relay.Broadcast(signal.Envelope{
			Type:   signal.TypeEndCall,
			RoomID: roomID,
			From:   userID,
			Reason: "peer-lost",
		})
		s.logger.Info("participant left", "room", roomID, "user", userID)
	}()

	for {
		if !limiter.Allow() {
			s.metrics.Inc(metrics.EventWSRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout)); err != nil {
			return
		}
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				writeClose(conn, websocket.ClosePolicyViolation, "idle timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.metrics.Inc(metrics.EventWSMessageTooLarge)
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		env, err := signal.Parse(msg)
		if err != nil {
			writeClose(conn, websocket.CloseUnsupportedData, "invalid envelope")
			return
		}

		if !joined {
			if env.Type != signal.TypeJoin {
				writeClose(conn, websocket.ClosePolicyViolation, "join required")
				return
			}
			roomID, userID = env.RoomID, env.UserID
			_, replaced := s.registry.Join(roomID, userID, handle)
			if replaced != nil {
				if old, ok := replaced.(*wsHandle); ok {
					old.closeStale()
				}
			}
			joined = true
			s.logger.Info("participant joined", "room", roomID, "user", userID)
			continue
		}

		switch env.Type {
		case signal.TypeJoin:
			writeClose(conn, websocket.ClosePolicyViolation, "already joined")
			return
		case signal.TypeIncomingCall:
			// Server-originated only.
			writeClose(conn, websocket.ClosePolicyViolation, "unexpected envelope direction")
			return
		default:
		}

		if env.From != userID || env.RoomID != roomID {
			writeClose(conn, websocket.ClosePolicyViolation, "envelope identity mismatch")
			return
		}

		if env.Type == signal.TypeStartCall {
			s.handleStartCall(handle, env)
			continue
		}
		if err := s.relay.Send(env); err != nil {
			s.logger.Debug("dropping envelope", "type", env.Type, "from", env.From, "err", err)
		}
	}
}

// handleStartCall fans the invitation out as one incoming-call per reachable
// target and reports unreachable targets straight back to the caller as
// end-call envelopes, so the calling side ends those pairs without ringing.
func (s *Server) handleStartCall(caller *wsHandle, env signal.Envelope) {
	s.metrics.Inc(metrics.EventCallStarted)
	for _, target := range env.To {
		if target == env.From {
			continue
		}
		handle, ok := s.registry.Resolve(env.RoomID, target)
		if !ok {
			s.metrics.Inc(metrics.EventEnvelopeDroppedTarget)
			s.pushOrLog(caller, signal.Envelope{
				Type:      signal.TypeEndCall,
				RoomID:    env.RoomID,
				From:      target,
				To:        signal.Targets{env.From},
				SessionID: env.SessionID,
				Reason:    "unreachable",
			})
			continue
		}
		s.pushOrLog(handle, signal.Envelope{
			Type:      signal.TypeIncomingCall,
			RoomID:    env.RoomID,
			From:      env.From,
			To:        signal.Targets{target},
			SessionID: env.SessionID,
		})
	}
}

func (s *Server) pushOrLog(h presence.Handle, env signal.Envelope) {
	if err := h.Push(env); err != nil {
		s.metrics.Inc(metrics.EventEnvelopeDroppedPush)
		s.logger.Warn("failed to push envelope", "type", env.Type, "to", env.To, "err", err)
	}
}

func (s *Server) pingLoop(h *wsHandle, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := h.ping(); err != nil {
				return
			}
		}
	}
}

// wsHandle is the presence transport handle for one connection. gorilla
// connections allow a single concurrent writer, so every write goes through
// the mutex.
type wsHandle struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSHandle(conn *websocket.Conn) *wsHandle {
	return &wsHandle{conn: conn}
}

func (h *wsHandle) Push(env signal.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return h.conn.WriteJSON(env)
}

func (h *wsHandle) ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// closeStale kicks a connection that was replaced by a rejoin.
func (h *wsHandle) closeStale() {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced by new connection"),
		time.Now().Add(wsWriteWait))
	_ = h.conn.Close()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
