// Package negotiation owns the per-pair SDP/ICE exchange: local description
// handling, candidate buffering and media lifetime.
package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/talkio/signaling-relay/internal/signal"
)

// ErrPermissionDenied reports that the platform refused camera/microphone
// access. Fatal to starting a call; never retried silently.
var ErrPermissionDenied = errors.New("media permission denied")

// ErrOfferAlreadyCreated reports a second CreateOffer on the same engine.
var ErrOfferAlreadyCreated = errors.New("offer already created for this session")

// ErrEngineClosed reports use after Teardown.
var ErrEngineClosed = errors.New("negotiation engine closed")

// PeerConnection is the narrow surface the engine needs from the underlying
// WebRTC implementation. Callbacks registered via OnLocalCandidate and
// OnConnected may fire from arbitrary goroutines.
type PeerConnection interface {
	CreateOffer() (signal.SessionDescription, error)
	CreateAnswer() (signal.SessionDescription, error)
	SetLocalDescription(desc signal.SessionDescription) error
	SetRemoteDescription(desc signal.SessionDescription) error
	AddICECandidate(c signal.Candidate) error
	OnLocalCandidate(f func(signal.Candidate))
	OnConnected(f func())
	Close() error
}

// MediaSource is the locally captured media attached to a peer connection.
// Toggles affect only the local sender; nothing is signaled to the peer.
type MediaSource interface {
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	Close() error
}

// Engine drives one pair's negotiation. All methods are serialized by a
// single mutex; descriptions applied out of order corrupt the underlying
// peer connection state, so callers must never need their own locking.
type Engine struct {
	peerID string
	logger *slog.Logger

	mu sync.Mutex

	pc    PeerConnection
	media MediaSource

	remoteDescSet bool
	offerCreated  bool
	closed        bool

	// Candidates received before the remote description; flushed in arrival
	// order the moment the description is applied, then never used again.
	pending []signal.Candidate

	audioEnabled bool
	videoEnabled bool
}

// NewEngine wires an engine over pc. media may be nil for a receive-only
// participant. onLocalCandidate is invoked for every locally gathered
// candidate, unbuffered; onConnected once the transport is established.
func NewEngine(peerID string, pc PeerConnection, media MediaSource, onLocalCandidate func(signal.Candidate), onConnected func(), logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		peerID:       peerID,
		pc:           pc,
		media:        media,
		logger:       logger,
		audioEnabled: true,
		videoEnabled: true,
	}
	if onLocalCandidate != nil {
		pc.OnLocalCandidate(onLocalCandidate)
	}
	if onConnected != nil {
		pc.OnConnected(onConnected)
	}
	return e
}

// CreateOffer generates and locally applies the SDP offer. Valid once per
// engine; the offerer role never produces a second offer within a session.
func (e *Engine) CreateOffer() (signal.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return signal.SessionDescription{}, ErrEngineClosed
	}
	if e.offerCreated {
		return signal.SessionDescription{}, ErrOfferAlreadyCreated
	}

	offer, err := e.pc.CreateOffer()
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	e.offerCreated = true
	return offer, nil
}

// ApplyRemoteOffer applies the peer's offer, flushes buffered candidates and
// returns the locally applied answer.
func (e *Engine) ApplyRemoteOffer(offer signal.SessionDescription) (signal.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return signal.SessionDescription{}, ErrEngineClosed
	}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	e.remoteDescSet = true
	e.flushPendingLocked()

	answer, err := e.pc.CreateAnswer()
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// ApplyRemoteAnswer applies the peer's answer to our outstanding offer and
// flushes buffered candidates.
func (e *Engine) ApplyRemoteAnswer(answer signal.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if !e.offerCreated {
		return fmt.Errorf("answer received before any offer was created")
	}
	if err := e.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.remoteDescSet = true
	e.flushPendingLocked()
	return nil
}

// AddRemoteCandidate applies the candidate immediately when the remote
// description is set, otherwise buffers it. Application failures are logged
// and swallowed; a bad or redundant candidate never kills the call.
func (e *Engine) AddRemoteCandidate(c signal.Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if !e.remoteDescSet {
		e.pending = append(e.pending, c)
		return
	}
	if err := e.pc.AddICECandidate(c); err != nil {
		e.logger.Warn("ignoring failed candidate", "peer", e.peerID, "err", err)
	}
}

// ToggleMute flips the local audio flag and returns the new enabled state.
func (e *Engine) ToggleMute() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false, ErrEngineClosed
	}
	next := !e.audioEnabled
	if e.media != nil {
		if err := e.media.SetAudioEnabled(next); err != nil {
			return e.audioEnabled, err
		}
	}
	e.audioEnabled = next
	return next, nil
}

// ToggleVideo flips the local video flag and returns the new enabled state.
func (e *Engine) ToggleVideo() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false, ErrEngineClosed
	}
	next := !e.videoEnabled
	if e.media != nil {
		if err := e.media.SetVideoEnabled(next); err != nil {
			return e.videoEnabled, err
		}
	}
	e.videoEnabled = next
	return next, nil
}

// Teardown closes the peer connection, releases local media and drops any
// buffered candidates. Safe to call at any lifecycle point, repeatedly.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.pending = nil

	if e.media != nil {
		if err := e.media.Close(); err != nil {
			e.logger.Warn("failed to release local media", "peer", e.peerID, "err", err)
		}
	}
	if err := e.pc.Close(); err != nil {
		e.logger.Warn("failed to close peer connection", "peer", e.peerID, "err", err)
	}
}

func (e *Engine) flushPendingLocked() {
	for _, c := range e.pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.logger.Warn("ignoring failed buffered candidate", "peer", e.peerID, "err", err)
		}
	}
	e.pending = nil
}
