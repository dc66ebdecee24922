// Package client is the participant-side runtime: it owns the signaling
// connection, the per-pair session state machine and one negotiation engine
// per remote peer.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/talkio/signaling-relay/internal/eventbus"
	"github.com/talkio/signaling-relay/internal/negotiation"
	"github.com/talkio/signaling-relay/internal/session"
	"github.com/talkio/signaling-relay/internal/signal"
)

// PeerFactory builds the platform peer connection for one remote peer.
// Swappable so tests can negotiate without real WebRTC stacks.
type PeerFactory func(cfg negotiation.PeerConfig) (negotiation.PeerConnection, negotiation.MediaSource, error)

func defaultPeerFactory(cfg negotiation.PeerConfig) (negotiation.PeerConnection, negotiation.MediaSource, error) {
	return negotiation.NewPionPeer(cfg)
}

// Config for one participant.
type Config struct {
	ServerURL string // ws(s)://host/ws
	RoomID    string
	UserID    string

	ICEServers  []webrtc.ICEServer
	RingTimeout time.Duration

	Logger      *slog.Logger
	PeerFactory PeerFactory
}

// Client is one participant's view of the call system. All signaling flows
// through the relay connection; media flows peer to peer.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	events  *eventbus.Bus
	manager *session.Manager

	mu                sync.Mutex
	engines           map[string]*negotiation.Engine
	pendingOffers     map[string]signal.SessionDescription
	pendingCandidates map[string][]signal.Candidate

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PeerFactory == nil {
		cfg.PeerFactory = defaultPeerFactory
	}
	c := &Client{
		cfg:               cfg,
		logger:            cfg.Logger.With("room", cfg.RoomID, "user", cfg.UserID),
		events:            eventbus.New(cfg.Logger),
		engines:           make(map[string]*negotiation.Engine),
		pendingOffers:     make(map[string]signal.SessionDescription),
		pendingCandidates: make(map[string][]signal.Candidate),
		done:              make(chan struct{}),
	}
	c.manager = session.NewManager(cfg.RoomID, cfg.UserID, senderFunc(c.send), c.events, nil, cfg.RingTimeout, nil, c.logger)
	return c
}

type senderFunc func(env signal.Envelope) error

func (f senderFunc) Send(env signal.Envelope) error { return f(env) }

// Connect dials the relay, joins the room and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}
	c.conn = conn

	if err := c.send(signal.Envelope{
		Type:   signal.TypeJoin,
		RoomID: c.cfg.RoomID,
		UserID: c.cfg.UserID,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("join room: %w", err)
	}

	go c.readLoop()
	go c.reapEndedSessions()
	return nil
}

// Events returns a subscription to lifecycle events (incoming-call,
// call-connected, call-ended) plus its cancel function.
func (c *Client) Events() (<-chan eventbus.Event, func()) {
	return c.events.Subscribe()
}

// Call rings the targets. Local media is acquired first so a permission
// refusal surfaces before anything rings on the far side.
func (c *Client) Call(targets ...string) (string, error) {
	for _, target := range targets {
		if _, err := c.engineFor(target); err != nil {
			return "", err
		}
	}

	sessionID, fresh, err := c.manager.StartCall(targets)
	if err != nil {
		return "", err
	}

	// Only the targets that got new sessions are offered to; a pair still
	// negotiating from an earlier Call keeps its outstanding offer.
	for _, target := range fresh {
		eng, err := c.engineFor(target)
		if err != nil {
			c.endPair(target, session.ReasonNegotiationFailed)
			continue
		}
		offer, err := eng.CreateOffer()
		if err != nil {
			c.logger.Warn("failed to create offer", "peer", target, "err", err)
			c.endPair(target, session.ReasonNegotiationFailed)
			continue
		}
		if err := c.send(signal.Envelope{
			Type:      signal.TypeOffer,
			RoomID:    c.cfg.RoomID,
			From:      c.cfg.UserID,
			To:        signal.Targets{target},
			SessionID: sessionID,
			Offer:     &offer,
		}); err != nil {
			c.endPair(target, session.ReasonNegotiationFailed)
		}
	}
	return sessionID, nil
}

// Accept answers a ringing inbound call. If the caller's offer already
// arrived it is applied now; otherwise it is answered on arrival.
func (c *Client) Accept(peerID string) error {
	if _, err := c.manager.Accept(peerID); err != nil {
		return err
	}

	if _, err := c.engineFor(peerID); err != nil {
		c.endPair(peerID, session.ReasonPermissionDenied)
		return err
	}

	c.mu.Lock()
	offer, ok := c.pendingOffers[peerID]
	delete(c.pendingOffers, peerID)
	c.mu.Unlock()

	if ok {
		c.answerOffer(peerID, offer)
	}
	return nil
}

// EndCall hangs up the pair locally and notifies the peer.
func (c *Client) EndCall(peerID string) {
	c.endPairNotify(peerID, session.ReasonHangup)
}

// ToggleMute flips local audio for the pair. Local-only; nothing signaled.
func (c *Client) ToggleMute(peerID string) (bool, error) {
	eng := c.engine(peerID)
	if eng == nil {
		return false, fmt.Errorf("no negotiation engine for %s", peerID)
	}
	return eng.ToggleMute()
}

// ToggleVideo flips local video for the pair.
func (c *Client) ToggleVideo(peerID string) (bool, error) {
	eng := c.engine(peerID)
	if eng == nil {
		return false, fmt.Errorf("no negotiation engine for %s", peerID)
	}
	return eng.ToggleVideo()
}

// Session exposes the pair state for inspection.
func (c *Client) Session(peerID string) (session.CallSession, bool) {
	return c.manager.Lookup(peerID)
}

// Close hangs up everything and drops the signaling connection.
func (c *Client) Close() {
	c.manager.EndAll(session.ReasonHangup)
	c.teardownAll()
	c.doneOnce.Do(func() { close(c.done) })
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.events.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.manager.EndAll(session.ReasonPeerLost)
		c.teardownAll()
		c.doneOnce.Do(func() { close(c.done) })
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := signal.Parse(msg)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "err", err)
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env signal.Envelope) {
	switch env.Type {
	case signal.TypeIncomingCall:
		c.manager.HandleIncomingCall(env.From, env.SessionID)

	case signal.TypeOffer:
		c.handleOffer(env)

	case signal.TypeAnswer:
		if err := c.manager.HandleRemoteAnswer(env.From); err != nil {
			c.logger.Warn("dropping unexpected answer", "peer", env.From, "err", err)
			return
		}
		eng := c.engine(env.From)
		if eng == nil {
			return
		}
		if err := eng.ApplyRemoteAnswer(*env.Answer); err != nil {
			c.logger.Warn("failed to apply answer", "peer", env.From, "err", err)
			c.endPairNotify(env.From, session.ReasonNegotiationFailed)
			return
		}
		c.manager.MarkConnected(env.From)

	case signal.TypeCandidate:
		c.handleCandidate(env)

	case signal.TypeEndCall:
		c.manager.HandleRemoteEnd(env.From, session.ParseReason(env.Reason))
		c.teardownEngine(env.From)

	default:
		c.logger.Debug("ignoring envelope", "type", env.Type)
	}
}

func (c *Client) handleOffer(env signal.Envelope) {
	// Snapshot the role before the state machine applies glare rules: an
	// engine built by Accept ahead of the offer (early candidates already
	// replayed into it) must answer in place, not be torn down.
	prior, hadSession := c.manager.Lookup(env.From)
	wasOfferer := hadSession && prior.State != session.StateEnded && prior.Role == session.RoleOfferer

	switch c.manager.HandleRemoteOffer(env.From, env.SessionID) {
	case session.OfferIgnore:
		// Glare, and this side keeps the Offerer role; the peer answers
		// our outstanding offer instead.
		return
	case session.OfferAnswer:
		if wasOfferer && c.engine(env.From) != nil {
			// Glare, and this side yields: the engine that produced our
			// own offer is useless now, start clean as answerer.
			c.teardownEngine(env.From)
			c.answerOffer(env.From, *env.Offer)
			return
		}
		s, ok := c.manager.Lookup(env.From)
		accepted := ok && s.Role == session.RoleAnswerer && c.engine(env.From) != nil
		if !accepted {
			// Ring not accepted yet; hold the offer until Accept.
			c.mu.Lock()
			c.pendingOffers[env.From] = *env.Offer
			c.mu.Unlock()
			return
		}
		c.answerOffer(env.From, *env.Offer)
	}
}

func (c *Client) handleCandidate(env signal.Envelope) {
	if eng := c.engine(env.From); eng != nil {
		eng.AddRemoteCandidate(*env.Candidate)
		return
	}
	// No engine yet (offer still pending); hold and replay on creation.
	c.mu.Lock()
	c.pendingCandidates[env.From] = append(c.pendingCandidates[env.From], *env.Candidate)
	c.mu.Unlock()
}

func (c *Client) answerOffer(peerID string, offer signal.SessionDescription) {
	eng, err := c.engineFor(peerID)
	if err != nil {
		c.endPairNotify(peerID, session.ReasonPermissionDenied)
		return
	}
	answer, err := eng.ApplyRemoteOffer(offer)
	if err != nil {
		c.logger.Warn("failed to answer offer", "peer", peerID, "err", err)
		c.endPairNotify(peerID, session.ReasonNegotiationFailed)
		return
	}

	s, _ := c.manager.Lookup(peerID)
	if err := c.send(signal.Envelope{
		Type:      signal.TypeAnswer,
		RoomID:    c.cfg.RoomID,
		From:      c.cfg.UserID,
		To:        signal.Targets{peerID},
		SessionID: s.SessionID,
		Answer:    &answer,
	}); err != nil {
		c.endPair(peerID, session.ReasonNegotiationFailed)
		return
	}
	c.manager.MarkConnected(peerID)
}

// engineFor returns the pair's engine, building one (and acquiring local
// media) on first use. Buffered candidates for the peer are replayed into
// the fresh engine, which applies or re-buffers them as appropriate.
func (c *Client) engineFor(peerID string) (*negotiation.Engine, error) {
	c.mu.Lock()
	if eng, ok := c.engines[peerID]; ok {
		c.mu.Unlock()
		return eng, nil
	}
	c.mu.Unlock()

	pc, media, err := c.cfg.PeerFactory(negotiation.PeerConfig{
		ICEServers: c.cfg.ICEServers,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, err
	}

	eng := negotiation.NewEngine(peerID, pc, media,
		func(candidate signal.Candidate) {
			if err := c.send(signal.Envelope{
				Type:      signal.TypeCandidate,
				RoomID:    c.cfg.RoomID,
				From:      c.cfg.UserID,
				To:        signal.Targets{peerID},
				Candidate: &candidate,
			}); err != nil {
				c.logger.Warn("failed to forward local candidate", "peer", peerID, "err", err)
			}
		},
		func() { c.manager.MarkConnected(peerID) },
		c.logger)

	// Remote media arrival is surfaced to the UI layer; peers that cannot
	// report tracks (bare data connections) simply never emit the event.
	if rt, ok := pc.(interface{ OnRemoteTrack(func(kind string)) }); ok {
		rt.OnRemoteTrack(func(kind string) {
			s, _ := c.manager.Lookup(peerID)
			c.events.Publish(eventbus.Event{
				Kind:      eventbus.KindRemoteTrack,
				RoomID:    c.cfg.RoomID,
				SessionID: s.SessionID,
				PeerID:    peerID,
				TrackKind: kind,
			})
		})
	}

	c.mu.Lock()
	if existing, ok := c.engines[peerID]; ok {
		c.mu.Unlock()
		eng.Teardown()
		return existing, nil
	}
	c.engines[peerID] = eng
	buffered := c.pendingCandidates[peerID]
	delete(c.pendingCandidates, peerID)
	c.mu.Unlock()

	for _, candidate := range buffered {
		eng.AddRemoteCandidate(candidate)
	}
	return eng, nil
}

func (c *Client) engine(peerID string) *negotiation.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engines[peerID]
}

func (c *Client) teardownEngine(peerID string) {
	c.mu.Lock()
	eng := c.engines[peerID]
	delete(c.engines, peerID)
	delete(c.pendingOffers, peerID)
	delete(c.pendingCandidates, peerID)
	c.mu.Unlock()
	if eng != nil {
		eng.Teardown()
	}
}

func (c *Client) teardownAll() {
	c.mu.Lock()
	engines := c.engines
	c.engines = make(map[string]*negotiation.Engine)
	c.pendingOffers = make(map[string]signal.SessionDescription)
	c.pendingCandidates = make(map[string][]signal.Candidate)
	c.mu.Unlock()
	for _, eng := range engines {
		eng.Teardown()
	}
}

func (c *Client) endPair(peerID string, reason session.Reason) {
	c.manager.HandleRemoteEnd(peerID, reason)
	c.teardownEngine(peerID)
}

func (c *Client) endPairNotify(peerID string, reason session.Reason) {
	c.manager.EndCall(peerID, reason)
	c.teardownEngine(peerID)
}

// reapEndedSessions tears engines down when a session ends for reasons the
// read loop does not see directly, like ring timeouts.
func (c *Client) reapEndedSessions() {
	ch, cancel := c.events.Subscribe()
	defer cancel()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == eventbus.KindCallEnded {
				c.teardownEngine(ev.PeerID)
			}
		}
	}
}

func (c *Client) send(env signal.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}
