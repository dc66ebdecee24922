package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkio/signaling-relay/internal/eventbus"
	"github.com/talkio/signaling-relay/internal/metrics"
	"github.com/talkio/signaling-relay/internal/signal"
)

// ErrAlreadyInCall rejects a start-call toward a peer whose pair session is
// already live.
var ErrAlreadyInCall = errors.New("already in call with target")

// ErrNoSession reports an operation against a pair with no active session.
var ErrNoSession = errors.New("no active session for peer")

// Sender pushes envelopes toward the signaling transport. Implementations
// must not call back into the Manager.
type Sender interface {
	Send(env signal.Envelope) error
}

// OfferDecision tells the caller what to do with an inbound offer after the
// state machine has applied role and glare rules.
type OfferDecision int

const (
	// OfferIgnore discards the inbound offer; this side keeps the Offerer
	// role and expects the peer to answer its own offer instead.
	OfferIgnore OfferDecision = iota
	// OfferAnswer applies the inbound offer and responds with an answer.
	OfferAnswer
)

// Manager owns every pair session of one participant in one room.
//
// A single mutex serializes all transitions; per-participant pair counts are
// tiny, so contention is not a concern. Envelopes are pushed to the Sender
// only after the lock is released.
type Manager struct {
	roomID string
	selfID string

	sender      Sender
	events      *eventbus.Bus
	sched       Scheduler
	ringTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*callState
}

type callState struct {
	CallSession
	cancelRing func()
}

func NewManager(roomID, selfID string, sender Sender, events *eventbus.Bus, sched Scheduler, ringTimeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if sched == nil {
		sched = TimerScheduler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		roomID:      roomID,
		selfID:      selfID,
		sender:      sender,
		events:      events,
		sched:       sched,
		ringTimeout: ringTimeout,
		metrics:     m,
		logger:      logger,
		sessions:    make(map[string]*callState),
	}
}

// StartCall creates one Offerer-role session per target, all sharing a fresh
// session id, and emits a single start-call envelope. A target already in a
// live session causes ErrAlreadyInCall; if the pair is still negotiating the
// duplicate collapses into the glare path instead of a second session. The
// returned slice holds only the targets that actually got new sessions;
// callers must not renegotiate pairs that were left alone.
func (m *Manager) StartCall(targets []string) (string, []string, error) {
	m.mu.Lock()

	var fresh []string
	for _, target := range targets {
		if target == m.selfID {
			continue
		}
		if s, ok := m.sessions[target]; ok && s.State != StateEnded {
			if s.State == StateConnected {
				m.mu.Unlock()
				return "", nil, fmt.Errorf("%w: %s", ErrAlreadyInCall, target)
			}
			// Dialing or Ringing: keep the existing attempt.
			continue
		}
		fresh = append(fresh, target)
	}
	if len(fresh) == 0 {
		m.mu.Unlock()
		return "", nil, fmt.Errorf("%w: no callable targets", ErrAlreadyInCall)
	}

	sessionID := uuid.NewString()
	for _, target := range fresh {
		s := &callState{CallSession: CallSession{
			SessionID: sessionID,
			RoomID:    m.roomID,
			PeerID:    target,
			Role:      RoleOfferer,
			State:     StateDialing,
		}}
		m.sessions[target] = s
		m.armRingTimerLocked(s)
	}
	m.metrics.Inc(metrics.EventCallStarted)
	m.mu.Unlock()

	m.push(signal.Envelope{
		Type:      signal.TypeStartCall,
		RoomID:    m.roomID,
		From:      m.selfID,
		To:        signal.Targets(fresh),
		SessionID: sessionID,
	})
	return sessionID, fresh, nil
}

// HandleIncomingCall records a ring from a remote initiator and surfaces it
// to the application layer. If this side is already dialing the same peer,
// the ring is dropped and the offer-level glare rule decides the roles.
func (m *Manager) HandleIncomingCall(from, sessionID string) {
	m.mu.Lock()
	if s, ok := m.sessions[from]; ok && s.State != StateEnded {
		m.mu.Unlock()
		m.logger.Debug("ignoring incoming-call for pair with live session",
			"peer", from, "state", s.State.String())
		return
	}
	s := m.newAnswererSessionLocked(from, sessionID)
	m.mu.Unlock()

	m.publish(eventbus.Event{
		Kind:      eventbus.KindIncomingCall,
		RoomID:    m.roomID,
		SessionID: s.SessionID,
		PeerID:    from,
	})
}

// Accept acknowledges a ringing inbound call and disarms the no-answer
// timer. The session stays in Ringing until negotiation completes.
func (m *Manager) Accept(peerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[peerID]
	if !ok || s.State == StateEnded {
		return "", fmt.Errorf("%w: %s", ErrNoSession, peerID)
	}
	if s.Role != RoleAnswerer {
		return "", fmt.Errorf("cannot accept session with role %s", s.Role)
	}
	s.disarmRingTimer()
	return s.SessionID, nil
}

// HandleRemoteOffer applies role and glare rules to an inbound offer and
// tells the caller whether to answer it.
//
// Glare: when both sides hold Offerer-role sessions for the same pair, the
// participant with the lexicographically smaller user id keeps the Offerer
// role; the other discards its own offer and answers. Both sides evaluate
// the same comparison, so they converge without coordination.
func (m *Manager) HandleRemoteOffer(from, sessionID string) OfferDecision {
	m.mu.Lock()

	s, ok := m.sessions[from]
	if !ok || s.State == StateEnded {
		// Offer without a preceding incoming-call still rings.
		s = m.newAnswererSessionLocked(from, sessionID)
		m.mu.Unlock()
		m.publish(eventbus.Event{
			Kind:      eventbus.KindIncomingCall,
			RoomID:    m.roomID,
			SessionID: s.SessionID,
			PeerID:    from,
		})
		return OfferAnswer
	}

	switch s.Role {
	case RoleAnswerer:
		m.mu.Unlock()
		return OfferAnswer
	case RoleOfferer:
		if s.State == StateConnected {
			m.mu.Unlock()
			m.logger.Warn("ignoring offer for connected session", "peer", from)
			return OfferIgnore
		}
		m.metrics.Inc(metrics.EventCallGlareResolved)
		if m.selfID < from {
			m.mu.Unlock()
			m.logger.Info("glare: keeping offerer role", "peer", from)
			return OfferIgnore
		}
		s.Role = RoleAnswerer
		if sessionID != "" {
			s.SessionID = sessionID
		}
		m.mu.Unlock()
		m.logger.Info("glare: yielding offerer role", "peer", from)
		return OfferAnswer
	default:
		m.mu.Unlock()
		return OfferIgnore
	}
}

// HandleRemoteAnswer checks that an inbound answer matches an Offerer-role
// session still in negotiation.
func (m *Manager) HandleRemoteAnswer(from string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[from]
	if !ok || s.State == StateEnded {
		return fmt.Errorf("%w: %s", ErrNoSession, from)
	}
	if s.Role != RoleOfferer {
		return fmt.Errorf("answer received for %s-role session", s.Role)
	}
	if s.State == StateConnected {
		return fmt.Errorf("answer received for connected session")
	}
	return nil
}

// MarkConnected moves an in-flight pair to Connected once its negotiation
// round trip is complete.
func (m *Manager) MarkConnected(peerID string) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok || s.State == StateEnded || s.State == StateConnected {
		m.mu.Unlock()
		return
	}
	s.State = StateConnected
	s.disarmRingTimer()
	m.metrics.Inc(metrics.EventCallConnected)
	ev := eventbus.Event{
		Kind:      eventbus.KindCallConnected,
		RoomID:    m.roomID,
		SessionID: s.SessionID,
		PeerID:    peerID,
	}
	m.mu.Unlock()

	m.publish(ev)
}

// EndCall terminates the pair from any state and notifies the peer. It is
// idempotent; only the first call reports true.
func (m *Manager) EndCall(peerID string, reason Reason) bool {
	return m.end(peerID, reason, true)
}

// HandleRemoteEnd terminates the pair on the peer's request without echoing
// an end-call back.
func (m *Manager) HandleRemoteEnd(from string, reason Reason) {
	m.end(from, reason, false)
}

// EndAll terminates every live pair, used when the signaling transport is
// lost and no peer can be notified anyway.
func (m *Manager) EndAll(reason Reason) {
	m.mu.Lock()
	var peers []string
	for peerID, s := range m.sessions {
		if s.State != StateEnded {
			peers = append(peers, peerID)
		}
	}
	m.mu.Unlock()

	for _, peerID := range peers {
		m.end(peerID, reason, false)
	}
}

// Lookup returns a snapshot of the pair session, if any.
func (m *Manager) Lookup(peerID string) (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	if !ok {
		return CallSession{}, false
	}
	return s.CallSession, true
}

func (m *Manager) end(peerID string, reason Reason, notifyPeer bool) bool {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok || s.State == StateEnded {
		m.mu.Unlock()
		return false
	}
	s.State = StateEnded
	s.EndReason = reason
	s.disarmRingTimer()
	m.metrics.Inc(metrics.EventCallEnded)
	ev := eventbus.Event{
		Kind:      eventbus.KindCallEnded,
		RoomID:    m.roomID,
		SessionID: s.SessionID,
		PeerID:    peerID,
		Reason:    string(reason),
	}
	m.mu.Unlock()

	if notifyPeer {
		m.push(signal.Envelope{
			Type:      signal.TypeEndCall,
			RoomID:    m.roomID,
			From:      m.selfID,
			To:        signal.Targets{peerID},
			SessionID: ev.SessionID,
			Reason:    string(reason),
		})
	}
	m.publish(ev)
	return true
}

func (m *Manager) newAnswererSessionLocked(from, sessionID string) *callState {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := &callState{CallSession: CallSession{
		SessionID: sessionID,
		RoomID:    m.roomID,
		PeerID:    from,
		Role:      RoleAnswerer,
		State:     StateRinging,
	}}
	m.sessions[from] = s
	m.armRingTimerLocked(s)
	return s
}

func (m *Manager) armRingTimerLocked(s *callState) {
	if m.ringTimeout <= 0 {
		return
	}
	peerID := s.PeerID
	sessionID := s.SessionID
	s.cancelRing = m.sched.Schedule(m.ringTimeout, func() {
		m.onRingTimeout(peerID, sessionID)
	})
}

func (m *Manager) onRingTimeout(peerID, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok || s.SessionID != sessionID || s.State == StateConnected || s.State == StateEnded {
		m.mu.Unlock()
		return
	}
	m.metrics.Inc(metrics.EventCallRingTimeout)
	m.mu.Unlock()

	m.logger.Info("call ring timeout", "peer", peerID, "session", sessionID)
	m.end(peerID, ReasonNoAnswer, true)
}

func (s *callState) disarmRingTimer() {
	if s.cancelRing != nil {
		s.cancelRing()
		s.cancelRing = nil
	}
}

func (m *Manager) push(env signal.Envelope) {
	if m.sender == nil {
		return
	}
	if err := m.sender.Send(env); err != nil {
		m.logger.Warn("failed to send envelope", "type", env.Type, "err", err)
	}
}

func (m *Manager) publish(ev eventbus.Event) {
	if m.events != nil {
		m.events.Publish(ev)
	}
}
